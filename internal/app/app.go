// Package app is the composition root: it wires every component in
// dependency order — Catalog, Registry, SnapshotStore, AlertEngine,
// FeedSession, ViewPublisher, Rotator, with the alert engine ahead of the
// feed session because the feed's tick callback hands deltas to it — owns
// the top-level context.Context, and handles OS signals for graceful
// shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/kitetracker/tickfeed/internal/alert"
	"github.com/kitetracker/tickfeed/internal/audit"
	"github.com/kitetracker/tickfeed/internal/config"
	"github.com/kitetracker/tickfeed/internal/feed"
	"github.com/kitetracker/tickfeed/internal/instrument"
	"github.com/kitetracker/tickfeed/internal/login"
	"github.com/kitetracker/tickfeed/internal/registry"
	"github.com/kitetracker/tickfeed/internal/rotator"
	"github.com/kitetracker/tickfeed/internal/sink"
	"github.com/kitetracker/tickfeed/internal/snapshot"
	"github.com/kitetracker/tickfeed/internal/view"
	"github.com/kitetracker/tickfeed/internal/wire"
)

// App owns every long-lived component and their combined lifecycle.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	catalog  *instrument.Catalog
	store    *snapshot.Store
	registry *registry.Registry
	chat     sink.Sink

	feed       *feed.Session
	alerts     *alert.Engine
	view       *view.Publisher
	rotator    *rotator.Rotator
	auditStore *audit.Store
	archiver   *audit.Archiver
}

// New builds every component in dependency order. A failure here is a
// startup failure (exit code 1) — except the audit trail and its
// archiver, which are ambient operability tooling and degrade to no-ops
// rather than blocking the pipeline.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	tz, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("app: resolve timezone %q: %w", cfg.Timezone, err)
	}

	chat, err := buildSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build chat sink: %w", err)
	}

	catalogCtx, cancel := context.WithTimeout(ctx, instrument.FetchTimeout)
	catalog, err := instrument.Fetch(catalogCtx, cfg.CatalogBaseURL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("app: fetch instrument catalog: %w", err)
	}
	log.Info().Int("instruments", catalog.Len()).Msg("app: instrument catalog loaded")

	reg, err := registry.Load(cfg.SubscriptionsPath)
	if err != nil {
		return nil, fmt.Errorf("app: load subscription registry: %w", err)
	}

	store := snapshot.NewStore()
	store.SetOrder(resolveTokens(reg.All(), catalog, log))

	auditStore, archiver := buildAudit(ctx, cfg, log)

	alerts := alert.New(alert.DefaultParams(), catalog, &alertSink{
		chat:      chat,
		channelID: cfg.DiscordLogChannelID,
	})

	onTick := func(tick wire.Tick, observedAt time.Time) {
		delta, had := store.Apply(tick, observedAt)
		if !had {
			return
		}
		for _, deliveryErr := range alerts.Evaluate(ctx, delta) {
			log.Warn().Err(deliveryErr).Msg("app: alert delivery failed")
		}
	}
	onControl := func(ctl wire.ControlMessage) {
		log.Warn().Str("type", ctl.Type).Interface("data", ctl.Data).Msg("app: broker control frame received")
		if auditStore != nil {
			auditStore.DecodeError(ctx, "control: "+ctl.Type)
		}
	}

	feedSession := feed.New(feed.Config{
		URL:         cfg.FeedURL,
		APIKey:      cfg.APIKey,
		AccessToken: cfg.AccessToken,
		Mode:        feed.Mode(cfg.FeedMode),
	}, feed.WSDialer{}, onTick, onControl, log)
	if auditStore != nil {
		feedSession.OnDecodeWarning = func(reason string) {
			auditStore.DecodeError(ctx, reason)
		}
	}

	viewPublisher := view.New(view.Config{
		ChannelID: cfg.DiscordTickerChannelID,
		Timezone:  tz,
	}, store, catalog, chat, log)

	var rotatorAudit rotator.Audit = noopAudit{}
	if auditStore != nil {
		rotatorAudit = auditStore
	}

	rot := rotator.New(rotator.Config{
		Schedule: cfg.RotationSchedule,
		Timezone: tz,
	}, buildLoginCollaborator(cfg), &credentialStore{cfg: cfg, feed: feedSession}, &pipeline{
		feed:     feedSession,
		view:     viewPublisher,
		registry: reg,
		catalog:  catalog,
		log:      log,
	}, rotatorAudit, log)

	return &App{
		cfg: cfg, log: log,
		catalog: catalog, store: store, registry: reg, chat: chat,
		feed: feedSession, alerts: alerts, view: viewPublisher, rotator: rot,
		auditStore: auditStore, archiver: archiver,
	}, nil
}

// Run starts the pipeline and blocks until ctx is cancelled, then shuts
// the components down: rotator, feed session, view publisher, and
// finally the audit store.
func (a *App) Run(ctx context.Context) error {
	if err := a.feed.Start(ctx); err != nil {
		a.log.Warn().Err(err).Msg("app: initial connect failed, backoff will retry")
	}

	tokens := resolveTokens(a.registry.All(), a.catalog, a.log)
	if len(tokens) > 0 {
		if err := a.feed.Subscribe(ctx, tokens); err != nil {
			a.log.Error().Err(err).Msg("app: initial subscribe failed")
		}
	}
	a.view.Start(ctx, true)

	if err := a.rotator.Start(ctx); err != nil {
		return fmt.Errorf("app: start rotator: %w", err)
	}
	go a.escalate(ctx)
	if a.archiver != nil {
		go a.archiver.Run(ctx)
	}

	<-ctx.Done()
	a.log.Info().Msg("app: shutting down")

	a.rotator.Stop()
	a.feed.Stop()
	a.view.Stop()
	if a.auditStore != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.auditStore.Close(closeCtx)
		cancel()
	}
	return nil
}

// Track subscribes a new instrument: the identifier is recorded in the
// registry, the feed session subscribes its token, and the view order is
// refreshed. A registry write failure keeps the in-memory change; the
// error is returned for the caller to surface in the command reply.
func (a *App) Track(ctx context.Context, id string) error {
	tokens := resolveTokens([]string{id}, a.catalog, a.log)
	if len(tokens) == 0 {
		return fmt.Errorf("app: %q not found in instrument catalog", id)
	}

	persistErr := a.registry.Add(id)
	a.store.SetOrder(resolveTokens(a.registry.All(), a.catalog, a.log))
	if err := a.feed.Add(ctx, tokens[0]); err != nil {
		a.log.Warn().Err(err).Str("id", id).Msg("app: subscribe for newly tracked instrument failed")
	}
	return persistErr
}

// Untrack removes an instrument: the registry entry, the feed
// subscription, and the snapshot state all go together.
func (a *App) Untrack(ctx context.Context, id string) error {
	tokens := resolveTokens([]string{id}, a.catalog, a.log)

	persistErr := a.registry.Remove(id)
	a.store.SetOrder(resolveTokens(a.registry.All(), a.catalog, a.log))
	for _, token := range tokens {
		if err := a.feed.Remove(token); err != nil {
			a.log.Warn().Err(err).Str("id", id).Msg("app: unsubscribe for untracked instrument failed")
		}
		a.store.Purge(token)
	}
	return persistErr
}

// escalate consumes the feed session's exhaustion signal: once the feed
// has burned through its reconnect attempts the credential is the prime
// suspect, so an on-demand rotation is the recovery path.
func (a *App) escalate(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.feed.Notify:
			a.log.Error().Msg("app: feed exhausted its reconnect attempts, rotating credential")
			a.rotator.Rotate(ctx)
		}
	}
}

// RunWithSignals wires ctx to SIGINT/SIGTERM and runs until either fires.
func (a *App) RunWithSignals(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func buildSink(cfg *config.Config) (sink.Sink, error) {
	if cfg.DiscordBotToken == "" {
		return sink.NewMemory(), nil
	}
	return sink.NewDiscord(cfg.DiscordBotToken)
}

func buildAudit(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*audit.Store, *audit.Archiver) {
	if cfg.MongoURI == "" {
		return nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := audit.NewStore(connectCtx, cfg.MongoURI)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("app: audit store unavailable, rotation events will not be durably recorded")
		return nil, nil
	}
	if err := audit.EnsureIndexes(ctx, store.DB()); err != nil {
		log.Warn().Err(err).Msg("app: audit index creation failed")
	}

	if cfg.S3Bucket == "" {
		return store, nil
	}
	s3Client, err := buildS3Client(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("app: S3 client unavailable, audit archival disabled")
		return store, nil
	}
	archiver := audit.NewArchiver(store.DB(), s3Client, cfg.S3Bucket, cfg.S3Prefix, cfg.ArchiveMaxGB,
		time.Duration(cfg.ArchiveIntervalHours)*time.Hour,
		time.Duration(cfg.ArchiveMaxAgeHours)*time.Hour,
		log)
	return store, archiver
}

func buildS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func buildLoginCollaborator(cfg *config.Config) login.Collaborator {
	if cfg.UserID == "" || cfg.Password == "" || cfg.TOTPSecret == "" {
		return login.NewFake(cfg.AccessToken)
	}
	return login.NewHeadless(cfg.LoginURL, cfg.UserID, cfg.Password, cfg.TOTPSecret, login.GenerateTOTP)
}

// resolveTokens maps subscription-registry identifiers ("NSE:RELIANCE" or
// a bare numeric token) to instrument tokens via the catalog. Unresolvable
// entries are logged and skipped rather than failing the whole batch.
func resolveTokens(ids []string, catalog *instrument.Catalog, log zerolog.Logger) []uint32 {
	tokens := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseUint(id, 10, 32); err == nil {
			tokens = append(tokens, uint32(n))
			continue
		}
		symbol := id
		if i := strings.IndexByte(id, ':'); i >= 0 {
			symbol = id[i+1:]
		}
		inst, ok := catalog.BySymbol(symbol)
		if !ok {
			log.Warn().Str("id", id).Msg("app: subscription registry entry not found in instrument catalog, skipped")
			continue
		}
		tokens = append(tokens, inst.Token)
	}
	return tokens
}

// alertSink adapts the chat-platform sink to alert.Sink: every alert is a
// single best-effort message into the configured log/alert channel.
type alertSink struct {
	chat      sink.Sink
	channelID string
}

func (a *alertSink) SendAlert(ctx context.Context, event alert.Event) error {
	_, err := a.chat.Send(ctx, a.channelID, formatAlert(event))
	return err
}

func formatAlert(e alert.Event) string {
	if e.Kind == alert.KindVolumeSpike {
		return fmt.Sprintf("[%s] %s : %s (%s%%) volume x%s over %s",
			e.Kind, e.Instrument.Symbol, e.Price.StringFixed(2), e.Pct.StringFixed(2),
			e.Ratio.StringFixed(2), e.Elapsed.Round(time.Second))
	}
	return fmt.Sprintf("[%s] %s : %s (%s%%) over %s",
		e.Kind, e.Instrument.Symbol, e.Price.StringFixed(2), e.Pct.StringFixed(2), e.Elapsed.Round(time.Second))
}

// credentialStore adapts config + the feed session to rotator.CredentialStore:
// Persist swaps the session's in-memory token and rewrites the .env file;
// Validate makes a lightweight profile call — a single auth check, not a
// bulk fetch, so plain net/http is used rather than the catalog's retrying
// client.
type credentialStore struct {
	cfg  *config.Config
	feed *feed.Session
}

func (c *credentialStore) Persist(ctx context.Context, credential string) error {
	c.feed.SetAccessToken(credential)
	c.cfg.AccessToken = credential
	return persistEnvToken(c.cfg.EnvFilePath, credential)
}

func (c *credentialStore) Validate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProfileURL, nil)
	if err != nil {
		return fmt.Errorf("app: build profile request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.cfg.APIKey, c.cfg.AccessToken))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("app: profile validation request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("app: profile validation returned status %d", resp.StatusCode)
	}
	return nil
}

func persistEnvToken(path, token string) error {
	envMap, err := godotenv.Read(path)
	if err != nil {
		envMap = map[string]string{}
	}
	envMap["ZERODHA_ACCESS_TOKEN"] = token
	return godotenv.Write(envMap, path)
}

// pipeline adapts the feed session + view publisher to rotator.Pipeline.
// Resubscribe only restarts the view publisher: Start already triggers
// the feed's own full-batch resubscribe for any tokens retained across
// Stop (the feed never clears its token set on Stop — only the rotator's
// explicit restart sequence calls Start after a Stop), so re-issuing an
// explicit Subscribe here would double-send the control frames.
type pipeline struct {
	feed     *feed.Session
	view     *view.Publisher
	registry *registry.Registry
	catalog  *instrument.Catalog
	log      zerolog.Logger
}

func (p *pipeline) Stop() {
	p.feed.Stop()
	p.view.Stop()
}

func (p *pipeline) ClearViewHandles() {
	p.view.Clear()
}

func (p *pipeline) Start(ctx context.Context) error {
	return p.feed.Start(ctx)
}

func (p *pipeline) Resubscribe(ctx context.Context) error {
	p.view.Start(ctx, false)
	return nil
}

func (p *pipeline) TrackedTokenCount() int {
	return p.feed.TrackedTokenCount()
}

// noopAudit satisfies rotator.Audit when the audit store is unavailable —
// no MongoDB URI is configured or the connection failed. The audit trail
// is diagnostic, not load-bearing.
type noopAudit struct{}

func (noopAudit) RotationStarted(ctx context.Context)                               {}
func (noopAudit) RotationCompleted(ctx context.Context, d time.Duration, tokens int) {}
func (noopAudit) RotationFailed(ctx context.Context, err error)                      {}
