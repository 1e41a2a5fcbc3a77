// Package rotator implements the credential rotator: a scheduled and
// on-demand coordinator that obtains a new broker credential and rebuilds
// the feed session and view publisher atomically.
package rotator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kitetracker/tickfeed/internal/login"
)

// Audit is the operability log the rotator emits RotationStarted /
// RotationCompleted / RotationFailed events to.
type Audit interface {
	RotationStarted(ctx context.Context)
	RotationCompleted(ctx context.Context, duration time.Duration, trackedTokens int)
	RotationFailed(ctx context.Context, err error)
}

// Pipeline is the narrow surface the rotator needs from the rest of the
// system — it never references the rotator back; the feed session itself
// only exposes a Notify channel, generalized here to the full restart
// target.
type Pipeline interface {
	Stop()
	ClearViewHandles()
	Start(ctx context.Context) error
	Resubscribe(ctx context.Context) error
	TrackedTokenCount() int
}

// CredentialStore persists the freshly rotated credential and validates
// the currently configured one.
type CredentialStore interface {
	Persist(ctx context.Context, credential string) error
	Validate(ctx context.Context) error
}

// Config parameterizes the rotator's schedule.
type Config struct {
	// Schedule is a cron expression evaluated in Timezone; default
	// "45 5 * * *" — 15 minutes before the known 06:00 credential expiry.
	Schedule string
	Timezone *time.Location
	// InterPhaseDelay is the ~2s pause between stop and start.
	InterPhaseDelay time.Duration
}

func (c Config) WithDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "45 5 * * *"
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.InterPhaseDelay == 0 {
		c.InterPhaseDelay = 2 * time.Second
	}
	return c
}

// Rotator is the credential rotation coordinator.
type Rotator struct {
	cfg      Config
	login    login.Collaborator
	creds    CredentialStore
	pipeline Pipeline
	audit    Audit
	log      zerolog.Logger

	cron *cron.Cron
}

// New builds a Rotator. The cron schedule is not started until Start.
func New(cfg Config, collaborator login.Collaborator, creds CredentialStore, pipeline Pipeline, audit Audit, log zerolog.Logger) *Rotator {
	cfg = cfg.WithDefaults()
	c := cron.New(cron.WithLocation(cfg.Timezone))
	return &Rotator{cfg: cfg, login: collaborator, creds: creds, pipeline: pipeline, audit: audit, log: log, cron: c}
}

// Start registers the scheduled trigger and begins the cron dispatcher.
// It also runs one on-demand rotation immediately if the currently
// configured credential fails a validation call at startup.
func (r *Rotator) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		r.Rotate(ctx)
	}); err != nil {
		return err
	}
	r.cron.Start()

	if err := r.creds.Validate(ctx); err != nil {
		r.log.Warn().Err(err).Msg("rotator: startup credential validation failed, rotating immediately")
		r.Rotate(ctx)
	}
	return nil
}

// Stop halts the cron dispatcher. It does not touch the pipeline.
func (r *Rotator) Stop() {
	r.cron.Stop()
}

// Rotate runs one rotation sequence, whether triggered by the schedule or
// on demand. It never retries internally.
func (r *Rotator) Rotate(ctx context.Context) {
	start := time.Now()
	r.audit.RotationStarted(ctx)

	loginCtx, cancel := context.WithTimeout(ctx, login.Timeout)
	defer cancel()

	result, err := r.login.Login(loginCtx)
	if err != nil || !result.Success {
		if err == nil {
			err = result.Err
		}
		r.audit.RotationFailed(ctx, err)
		r.log.Error().Err(err).Msg("rotator: login collaborator failed, pipeline left as-is")
		return
	}

	if err := r.creds.Persist(ctx, result.Credential); err != nil {
		r.audit.RotationFailed(ctx, err)
		r.log.Error().Err(err).Msg("rotator: persisting new credential failed")
		return
	}
	if err := r.creds.Validate(ctx); err != nil {
		r.audit.RotationFailed(ctx, err)
		r.log.Error().Err(err).Msg("rotator: new credential failed validation")
		return
	}

	// The subscription registry and the rendered page format are untouched
	// below this line — only the transport identity changes.
	r.pipeline.Stop()
	r.pipeline.ClearViewHandles()

	select {
	case <-time.After(r.cfg.InterPhaseDelay):
	case <-ctx.Done():
		return
	}

	if err := r.pipeline.Start(ctx); err != nil {
		r.audit.RotationFailed(ctx, err)
		r.log.Error().Err(err).Msg("rotator: restart after rotation failed")
		return
	}
	if err := r.pipeline.Resubscribe(ctx); err != nil {
		r.audit.RotationFailed(ctx, err)
		r.log.Error().Err(err).Msg("rotator: resubscribe after rotation failed")
		return
	}

	r.audit.RotationCompleted(ctx, time.Since(start), r.pipeline.TrackedTokenCount())
}
