// Package snapshot holds the live per-instrument state that feeds both the
// view publisher and the alert engine: a "current" and "previous" keyed
// entry pair, updated atomically per token.
package snapshot

import (
	"sync"
	"time"

	"github.com/kitetracker/tickfeed/internal/wire"
)

// Entry is the most recent (or penultimate) decoded state for one token.
type Entry struct {
	Token      uint32
	LastPrice  wire.Price
	Change     wire.Price
	Volume     uint32
	OHLC       wire.OHLC
	Depth      wire.Depth
	HasDepth   bool
	BuyQty     uint32
	SellQty    uint32
	AvgPrice   wire.Price
	LastQty    int32
	ObservedAt time.Time
}

func entryFromTick(t wire.Tick, observedAt time.Time) Entry {
	e := Entry{
		Token:      t.Token,
		LastPrice:  t.LastPrice,
		Change:     t.Change,
		Volume:     t.VolumeTraded,
		OHLC:       t.OHLC,
		BuyQty:     t.TotalBuyQty,
		SellQty:    t.TotalSellQty,
		AvgPrice:   t.AvgTradedPrice,
		LastQty:    t.LastTradedQty,
		ObservedAt: observedAt,
	}
	if t.Mode == wire.ModeFull {
		e.Depth = t.Depth
		e.HasDepth = true
	}
	return e
}

// Delta is returned by Apply whenever a token already had a current entry;
// Old is what current held before this apply, New is what it holds after.
type Delta struct {
	Old Entry
	New Entry
}

// Store is the in-memory snapshot store: apply is called only from the feed
// session's ingest path, SnapshotForView only from the view publisher's
// timer. A single mutex serializes both so neither ever observes a torn
// entry.
type Store struct {
	mu       sync.Mutex
	current  map[uint32]Entry
	previous map[uint32]Entry
	order    []uint32 // subscription-registry order, set by SetOrder
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		current:  make(map[uint32]Entry),
		previous: make(map[uint32]Entry),
	}
}

// Apply upserts current[token], demoting any prior entry to previous, and
// returns the Delta describing the transition — ok is false on a token's
// first-ever tick, when there is no prior entry to report.
func (s *Store) Apply(t wire.Tick, observedAt time.Time) (Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newEntry := entryFromTick(t, observedAt)
	oldEntry, had := s.current[t.Token]
	if had {
		s.previous[t.Token] = oldEntry
	}
	s.current[t.Token] = newEntry

	if !had {
		return Delta{}, false
	}
	return Delta{Old: oldEntry, New: newEntry}, true
}

// SetOrder fixes the sort order SnapshotForView uses — the subscription
// registry's order, set once at startup and on every registry mutation.
func (s *Store) SetOrder(tokens []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append([]uint32(nil), tokens...)
}

// SnapshotForView returns the current entries ordered by subscription
// registry position, the ordering the rendered view requires.
func (s *Store) SnapshotForView() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for _, token := range s.order {
		if e, ok := s.current[token]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Size returns the number of tracked tokens.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.current)
}

// Clear drops all state. The rotation restart path does not call it:
// entries from before a credential rotation stay in the store until the
// new session's ticks overwrite them.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = make(map[uint32]Entry)
	s.previous = make(map[uint32]Entry)
}

// Purge drops a single token, used when the subscription registry removes
// an instrument.
func (s *Store) Purge(token uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, token)
	delete(s.previous, token)
}
