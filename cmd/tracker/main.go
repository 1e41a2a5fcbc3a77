// Command tracker is the process entrypoint: load configuration, build
// the composition root, run until SIGINT/SIGTERM, exit 0 on a graceful
// shutdown and 1 on a startup failure.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/kitetracker/tickfeed/internal/app"
	"github.com/kitetracker/tickfeed/internal/config"
)

func main() {
	cfg := config.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	log.Info().Msg("tracker starting")

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("tracker: startup failed")
		os.Exit(1)
	}

	if err := a.RunWithSignals(context.Background()); err != nil {
		log.Error().Err(err).Msg("tracker: exited with error")
		os.Exit(1)
	}

	log.Info().Msg("tracker: graceful shutdown complete")
}
