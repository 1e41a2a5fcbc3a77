// Package view renders the tracked instrument snapshot into paged text
// views and keeps them create-or-edit synchronized with the chat sink.
package view

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kitetracker/tickfeed/internal/instrument"
	"github.com/kitetracker/tickfeed/internal/sink"
	"github.com/kitetracker/tickfeed/internal/snapshot"
)

const (
	// PageSize is the maximum instrument rows rendered per page.
	PageSize = 50
	// HeaderMarker tags every page so FetchRecent can recognize this
	// process's own prior messages across a restart.
	HeaderMarker = "LIVE TRACKER"
)

// Config parameterizes the publisher.
type Config struct {
	ChannelID      string
	Cadence        time.Duration // fixed 3s tick
	FirstFireDelay time.Duration // 2s after Open-Subscribed
	PageSpacer     time.Duration // 200ms between first-publish sends
	Timezone       *time.Location
	// AdoptExisting enables the opt-in fetch_recent handle-recovery
	// behavior on restart. Off by default.
	AdoptExisting bool
}

// WithDefaults fills zero-valued fields with the publisher's defaults.
func (c Config) WithDefaults() Config {
	if c.Cadence == 0 {
		c.Cadence = 3 * time.Second
	}
	if c.FirstFireDelay == 0 {
		c.FirstFireDelay = 2 * time.Second
	}
	if c.PageSpacer == 0 {
		c.PageSpacer = 200 * time.Millisecond
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	return c
}

// Publisher is the live tracker view publisher.
type Publisher struct {
	cfg     Config
	store   *snapshot.Store
	catalog *instrument.Catalog
	sink    sink.Sink
	log     zerolog.Logger
	tickSeq int64

	mu      sync.Mutex
	running bool
	handles map[int]sink.Handle // page index -> handle
	stopCh  chan struct{}
}

// New builds a Publisher.
func New(cfg Config, store *snapshot.Store, catalog *instrument.Catalog, s sink.Sink, log zerolog.Logger) *Publisher {
	return &Publisher{
		cfg:     cfg.WithDefaults(),
		store:   store,
		catalog: catalog,
		sink:    s,
		log:     log,
		handles: make(map[int]sink.Handle),
	}
}

// Start begins the 3s timer loop. first controls whether this is the
// first time this process has entered Open-Subscribed (gates AdoptExisting).
func (p *Publisher) Start(ctx context.Context, first bool) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	if first && p.cfg.AdoptExisting {
		p.adoptExisting(ctx)
	}

	go p.loop(ctx)
}

// Stop cancels the timer and abandons any in-flight sink call.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

// Clear invalidates every page handle — used on pipeline restart (rotation).
func (p *Publisher) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles = make(map[int]sink.Handle)
}

func (p *Publisher) loop(ctx context.Context) {
	select {
	case <-time.After(p.cfg.FirstFireDelay):
	case <-ctx.Done():
		return
	case <-p.stopCh:
		return
	}
	p.publish(ctx)

	ticker := time.NewTicker(p.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.publish(ctx)
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		}
	}
}

// publish is not re-entrant: a late edit must complete before the next
// tick's work begins. The caller is a single timer goroutine
// so this is naturally serialized; no extra guard flag is needed beyond
// that single-goroutine invariant.
func (p *Publisher) publish(ctx context.Context) {
	p.tickSeq++
	entries := p.store.SnapshotForView()
	pages := paginate(entries, PageSize)
	now := time.Now().In(p.cfg.Timezone)

	for i, page := range pages {
		text := renderPage(page, i, len(pages), now, len(entries), p.tickSeq, p.catalog)
		p.publishPage(ctx, i, text)
	}
}

func (p *Publisher) publishPage(ctx context.Context, index int, text string) {
	p.mu.Lock()
	handle, has := p.handles[index]
	p.mu.Unlock()

	if !has {
		h, err := p.sink.Send(ctx, p.cfg.ChannelID, text)
		if err != nil {
			p.log.Warn().Err(err).Int("page", index).Msg("view: send failed")
			return
		}
		p.mu.Lock()
		p.handles[index] = h
		p.mu.Unlock()

		select {
		case <-time.After(p.cfg.PageSpacer):
		case <-ctx.Done():
		}
		return
	}

	if err := p.sink.Edit(ctx, handle, text); err != nil {
		p.log.Warn().Err(err).Int("page", index).Msg("view: edit failed, handle invalidated")
		p.mu.Lock()
		delete(p.handles, index)
		p.mu.Unlock()
	}
}

// adoptExisting fetches the most recent messages in the channel that this
// process's own account authored and that carry the header marker, and
// adopts them as page handles 0..k-1, oldest first, so a restarted
// process does not accumulate duplicate tracker messages. Both conditions
// are required: another user's message containing the marker text must
// never become a handle this process later edits.
func (p *Publisher) adoptExisting(ctx context.Context) {
	recent, err := p.sink.FetchRecent(ctx, p.cfg.ChannelID, 100)
	if err != nil {
		p.log.Warn().Err(err).Msg("view: fetch_recent failed, starting with no adopted handles")
		return
	}

	self := p.sink.Self()
	if self == "" {
		p.log.Warn().Msg("view: sink reports no self identity yet, skipping handle adoption")
		return
	}
	var marked []sink.RecentMessage
	for _, m := range recent {
		if m.Author == self && strings.Contains(m.Text, HeaderMarker) {
			marked = append(marked, m)
		}
	}
	sortByCreatedAt(marked)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range marked {
		p.handles[i] = m.Handle
	}
}

func sortByCreatedAt(msgs []sink.RecentMessage) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

func paginate(entries []snapshot.Entry, size int) [][]snapshot.Entry {
	if len(entries) == 0 {
		return [][]snapshot.Entry{{}}
	}
	var pages [][]snapshot.Entry
	for i := 0; i < len(entries); i += size {
		end := i + size
		if end > len(entries) {
			end = len(entries)
		}
		pages = append(pages, entries[i:end])
	}
	return pages
}

func renderPage(page []snapshot.Entry, index, total int, now time.Time, totalEntries int, tickSeq int64, catalog *instrument.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d/%d | %s\n", HeaderMarker, index+1, total, now.Format("15:04:05 MST"))

	for i, e := range page {
		globalIdx := index*PageSize + i + 1
		name := fmt.Sprintf("token:%d", e.Token)
		if inst, ok := catalog.ByToken(e.Token); ok {
			name = inst.Symbol
		}
		pct := decimal.Zero
		if e.OHLC.Close != 0 {
			pct = e.LastPrice.Sub(e.OHLC.Close).Decimal().Div(e.OHLC.Close.Decimal()).Mul(decimal.NewFromInt(100))
		}
		lakh := decimal.NewFromInt(int64(e.Volume)).Div(decimal.NewFromInt(100000))
		fmt.Fprintf(&b, "%d.%s : %s (%s%s%%) {%sL}\n",
			globalIdx, name,
			e.LastPrice.Decimal().StringFixed(2),
			sign(pct), pct.Abs().StringFixed(2),
			lakh.StringFixed(2),
		)
	}

	if index == total-1 {
		fmt.Fprintf(&b, "Total: %d | Ticks: %d\n", totalEntries, tickSeq)
	}
	return b.String()
}

func sign(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-"
	}
	return "+"
}
