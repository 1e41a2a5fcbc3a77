// Package feed owns the feed session: a single outbound WebSocket to the
// broker's streaming endpoint, the subscription state machine that
// drives it, and the fixed-interval reconnect policy.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitetracker/tickfeed/internal/wire"
)

// State is one of the six states the session's transition table defines.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpenUnsubscribed
	StateOpenSubscribed
	StateClosing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpenUnsubscribed:
		return "open_unsubscribed"
	case StateOpenSubscribed:
		return "open_subscribed"
	case StateClosing:
		return "closing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Mode is the broker subscription mode requested over the wire.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Config parameterizes one Session.
type Config struct {
	URL                  string // wss://host, without query params
	APIKey               string
	AccessToken          string
	Mode                 Mode
	ReconnectInterval    time.Duration // fixed, not exponential
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	ModeSetDelay         time.Duration // pause between subscribe and mode frames
	FirstTickGrace       time.Duration
}

// WithDefaults fills zero-valued fields with the session's defaults.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeFull
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ModeSetDelay == 0 {
		c.ModeSetDelay = time.Second
	}
	if c.FirstTickGrace == 0 {
		c.FirstTickGrace = 60 * time.Second
	}
	return c
}

// TickHandler is invoked once per decoded tick, in wire order.
type TickHandler func(tick wire.Tick, observedAt time.Time)

// ControlHandler is invoked for TEXT_CONTROL frames (broker error envelopes).
type ControlHandler func(ctl wire.ControlMessage)

// Session owns exactly one WebSocket connection. No other component may
// send on it.
type Session struct {
	cfg       Config
	dialer    Dialer
	onTick    TickHandler
	onControl ControlHandler
	log       zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	tokens    []uint32
	attempts  int
	confirmed bool
	stopCh    chan struct{}

	// Notify fires when reconnect attempts are exhausted — the rotator
	// (or any escalation owner) is the only consumer; the feed holds no
	// reference back to it.
	Notify chan struct{}

	// OnDecodeWarning, when set before Start, receives every recoverable
	// decode problem in addition to the log line. The audit trail's
	// decode-health counter hangs off this.
	OnDecodeWarning func(reason string)
}

// New builds a Session. dialer is injected so tests can substitute a fake
// transport without a real network.
func New(cfg Config, dialer Dialer, onTick TickHandler, onControl ControlHandler, log zerolog.Logger) *Session {
	return &Session{
		cfg:       cfg.WithDefaults(),
		dialer:    dialer,
		onTick:    onTick,
		onControl: onControl,
		log:       log,
		state:     StateIdle,
		Notify:    make(chan struct{}, 1),
	}
}

// State returns the current state, for tests and diagnostics.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAccessToken swaps in a freshly rotated credential. It takes effect on
// the next dial; an already open connection is left as it is. Only the
// credential and transport identity change across a rotation.
func (s *Session) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.AccessToken = token
}

// Start transitions Idle -> Connecting and resolves with the first
// connection attempt's outcome only. On failure the session enters
// Backoff and every later Backoff -> Connecting cycle runs on its own
// goroutine; Start's caller never blocks on the reconnect timer.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.attempts = 0
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		s.scheduleReconnect(ctx)
		return err
	}
	return nil
}

// Stop closes the transport and returns the session to Idle. Any
// in-flight control sends are abandoned.
func (s *Session) Stop() {
	s.mu.Lock()
	s.state = StateClosing
	conn := s.conn
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if conn != nil {
		conn.Close()
	}

	s.mu.Lock()
	s.state = StateIdle
	s.conn = nil
	s.mu.Unlock()
}

// Subscribe moves Open-Unsubscribed -> Open-Subscribed (or extends the
// existing subscribed set), sending the subscribe frame followed, after
// ModeSetDelay, by the mode frame.
func (s *Session) Subscribe(ctx context.Context, tokens []uint32) error {
	s.mu.Lock()
	conn := s.conn
	s.tokens = mergeTokens(s.tokens, tokens)
	all := append([]uint32(nil), s.tokens...)
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("feed: subscribe called with no open connection")
	}
	if err := sendControl(conn, controlFrame{Action: "subscribe", Tokens: tokens}); err != nil {
		return err
	}

	select {
	case <-time.After(s.cfg.ModeSetDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := sendControl(conn, controlFrame{Action: "mode", Mode: string(s.cfg.Mode), Tokens: all}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateOpenSubscribed
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.watchFirstTick(stopCh)
	return nil
}

// watchFirstTick logs a diagnostic if no data frame arrives within the
// grace period after subscribing — the subscription was accepted on the
// wire but nothing is flowing.
func (s *Session) watchFirstTick(stopCh chan struct{}) {
	select {
	case <-time.After(s.cfg.FirstTickGrace):
	case <-stopCh:
		return
	}

	s.mu.Lock()
	confirmed := s.confirmed
	state := s.state
	s.mu.Unlock()

	if !confirmed && state == StateOpenSubscribed {
		s.log.Warn().
			Dur("grace", s.cfg.FirstTickGrace).
			Msg("feed: subscription not confirmed, no data frame received")
	}
}

// Tokens returns the currently tracked token set, for callers that need
// to resubscribe it against a freshly restarted session.
func (s *Session) Tokens() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.tokens...)
}

// TrackedTokenCount returns len(Tokens()) without an allocation.
func (s *Session) TrackedTokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Add subscribes a single additional token without disturbing the rest.
func (s *Session) Add(ctx context.Context, token uint32) error {
	return s.Subscribe(ctx, []uint32{token})
}

// Remove unsubscribes a single token; the caller (snapshot store owner)
// is responsible for purging its entry.
func (s *Session) Remove(token uint32) error {
	s.mu.Lock()
	conn := s.conn
	s.tokens = removeToken(s.tokens, token)
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return sendControl(conn, controlFrame{Action: "unsubscribe", Tokens: []uint32{token}})
}

// connect performs exactly one dial attempt and reports its outcome.
// Scheduling the next attempt after a failure is the caller's job — this
// keeps every caller's view limited to its own attempt, never a later
// retry's.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, s.dialURL())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpenUnsubscribed
	s.confirmed = false
	s.attempts = 0
	tokens := append([]uint32(nil), s.tokens...)
	s.mu.Unlock()

	go s.readLoop(ctx, conn)

	if len(tokens) > 0 {
		// Reconnect path: resubscribe the full batch as one call.
		if err := s.Subscribe(ctx, tokens); err != nil {
			s.log.Warn().Err(err).Msg("feed: resubscribe after reconnect failed")
		}
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(ctx, conn)
			return
		}

		result := wire.Decode(data)
		for _, w := range result.Warnings {
			s.log.Warn().Msg(w)
			if s.OnDecodeWarning != nil {
				s.OnDecodeWarning(w)
			}
		}

		switch result.Kind {
		case wire.KindData:
			now := time.Now()
			s.mu.Lock()
			first := !s.confirmed && len(result.Ticks) > 0
			if first {
				s.confirmed = true
			}
			s.mu.Unlock()
			if first {
				s.log.Debug().Msg("feed: subscription confirmed by first data frame")
			}
			for _, tick := range result.Ticks {
				s.onTick(tick, now)
			}
		case wire.KindTextControl:
			if s.onControl != nil && result.Control != nil {
				s.onControl(*result.Control)
			}
		case wire.KindHeartbeat:
			// no-op: liveness only
		}
	}
}

func (s *Session) handleDisconnect(ctx context.Context, conn Conn) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateIdle {
		s.mu.Unlock()
		return // Stop() already tore this connection down
	}
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	s.scheduleReconnect(ctx)
}

// scheduleReconnect moves the session to Backoff and arms the next
// Connecting attempt on its own goroutine. A failed retry schedules the
// next one the same way, so no caller ever stacks up behind the fixed
// reconnect interval; exhaustion of the attempt budget drops the session
// to Idle and signals Notify.
func (s *Session) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	s.state = StateBackoff
	s.attempts++
	attempts := s.attempts
	stopCh := s.stopCh
	s.mu.Unlock()

	if attempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		select {
		case s.Notify <- struct{}{}:
		default:
		}
		return
	}

	go func() {
		select {
		case <-time.After(s.cfg.ReconnectInterval):
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		}

		if err := s.connect(ctx); err != nil {
			s.log.Warn().Err(err).Int("attempt", attempts).Msg("feed: reconnect attempt failed")
			s.scheduleReconnect(ctx)
		}
	}()
}

func (s *Session) dialURL() string {
	v := url.Values{}
	v.Set("api_key", s.cfg.APIKey)
	v.Set("access_token", s.cfg.AccessToken)
	return s.cfg.URL + "?" + v.Encode()
}

func mergeTokens(existing, add []uint32) []uint32 {
	seen := make(map[uint32]bool, len(existing))
	out := append([]uint32(nil), existing...)
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range add {
		if !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	return out
}

func removeToken(tokens []uint32, target uint32) []uint32 {
	out := tokens[:0:0]
	for _, t := range tokens {
		if t != target {
			out = append(out, t)
		}
	}
	return out
}

type controlFrame struct {
	Action string   `json:"a"`
	Tokens []uint32 `json:"-"`
	Mode   string   `json:"-"`
}

// MarshalJSON renders the broker's {"a":..., "v":...} shape, where v is
// either a bare token list or [mode, tokens] for a mode frame.
func (c controlFrame) MarshalJSON() ([]byte, error) {
	if c.Action == "mode" {
		return json.Marshal(struct {
			Action string `json:"a"`
			V      []any  `json:"v"`
		}{Action: c.Action, V: []any{c.Mode, c.Tokens}})
	}
	return json.Marshal(struct {
		Action string   `json:"a"`
		V      []uint32 `json:"v"`
	}{Action: c.Action, V: c.Tokens})
}

func sendControl(conn Conn, frame controlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("feed: encode control frame: %w", err)
	}
	return conn.WriteText(data)
}
