// Package alert evaluates the CRASH/SPIKE/VOLUME_SPIKE rules against each
// snapshot delta and emits typed events to a sink.
package alert

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kitetracker/tickfeed/internal/instrument"
	"github.com/kitetracker/tickfeed/internal/snapshot"
	"github.com/kitetracker/tickfeed/internal/wire"
)

// Kind identifies which rule fired.
type Kind int

const (
	KindCrash Kind = iota
	KindSpike
	KindVolumeSpike
)

func (k Kind) String() string {
	switch k {
	case KindCrash:
		return "CRASH"
	case KindSpike:
		return "SPIKE"
	case KindVolumeSpike:
		return "VOLUME_SPIKE"
	default:
		return "UNKNOWN"
	}
}

// Event is a single alert emitted by the engine.
type Event struct {
	Kind       Kind
	Instrument instrument.Instrument
	Price      decimal.Decimal
	Pct        decimal.Decimal
	Ratio      decimal.Decimal // VOLUME_SPIKE only
	Elapsed    time.Duration
}

// Params holds the rule thresholds.
type Params struct {
	Window         time.Duration // W
	CrashThreshold decimal.Decimal // T_c, positive; predicate is pct <= -T_c
	SpikeThreshold decimal.Decimal // T_s
	VolumeRatio    decimal.Decimal // R_v
}

// DefaultParams returns W=300s, T_c=3.0, T_s=3.0, R_v=2.0.
func DefaultParams() Params {
	return Params{
		Window:         300 * time.Second,
		CrashThreshold: decimal.NewFromFloat(3.0),
		SpikeThreshold: decimal.NewFromFloat(3.0),
		VolumeRatio:    decimal.NewFromFloat(2.0),
	}
}

// Sink receives alert events; this is the same chat-sink abstraction view
// publishes through, not a separate transport.
type Sink interface {
	SendAlert(ctx context.Context, event Event) error
}

// Engine evaluates rules against incoming deltas.
type Engine struct {
	params  Params
	catalog *instrument.Catalog
	sink    Sink
}

// New builds an Engine with the given rule parameters.
func New(params Params, catalog *instrument.Catalog, sink Sink) *Engine {
	return &Engine{params: params, catalog: catalog, sink: sink}
}

// Evaluate checks every rule against delta and delivers any that fire, in
// rule order (CRASH, SPIKE, VOLUME_SPIKE), best-effort: a sink failure is
// returned to the caller to log but never retried.
func (e *Engine) Evaluate(ctx context.Context, delta snapshot.Delta) []error {
	inst, _ := e.catalog.ByToken(delta.New.Token)
	elapsed := delta.New.ObservedAt.Sub(delta.Old.ObservedAt)

	var errs []error
	for _, ev := range e.fire(inst, delta, elapsed) {
		if err := e.sink.SendAlert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (e *Engine) fire(inst instrument.Instrument, delta snapshot.Delta, elapsed time.Duration) []Event {
	var events []Event

	if delta.Old.LastPrice == 0 {
		return events // no meaningful pct_change against a zero base
	}

	withinWindow := elapsed <= e.params.Window
	pct := wire.PctChange(delta.New.LastPrice, delta.Old.LastPrice)

	if withinWindow && pct.LessThanOrEqual(e.params.CrashThreshold.Neg()) {
		events = append(events, Event{
			Kind: KindCrash, Instrument: inst,
			Price: delta.New.LastPrice.Decimal(), Pct: pct, Elapsed: elapsed,
		})
	}
	if withinWindow && pct.GreaterThanOrEqual(e.params.SpikeThreshold) {
		events = append(events, Event{
			Kind: KindSpike, Instrument: inst,
			Price: delta.New.LastPrice.Decimal(), Pct: pct, Elapsed: elapsed,
		})
	}

	// VOLUME_SPIKE shares the elapsed-time guard with CRASH/SPIKE: an
	// ungated version fires on every tick once session volume has
	// doubled and never resets.
	if withinWindow && delta.Old.Volume > 0 {
		ratio := decimal.NewFromInt(int64(delta.New.Volume)).Div(decimal.NewFromInt(int64(delta.Old.Volume)))
		if ratio.GreaterThanOrEqual(e.params.VolumeRatio) {
			events = append(events, Event{
				Kind: KindVolumeSpike, Instrument: inst,
				Price: delta.New.LastPrice.Decimal(), Pct: pct, Ratio: ratio, Elapsed: elapsed,
			})
		}
	}

	return events
}
