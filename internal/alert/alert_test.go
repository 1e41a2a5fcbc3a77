package alert

import (
	"context"
	"testing"
	"time"

	"github.com/kitetracker/tickfeed/internal/instrument"
	"github.com/kitetracker/tickfeed/internal/snapshot"
	"github.com/kitetracker/tickfeed/internal/wire"
)

type fakeSink struct {
	events []Event
}

func (f *fakeSink) SendAlert(ctx context.Context, event Event) error {
	f.events = append(f.events, event)
	return nil
}

func delta(oldPrice, newPrice wire.Price, oldVol, newVol uint32, elapsed time.Duration) snapshot.Delta {
	t0 := time.Now()
	return snapshot.Delta{
		Old: snapshot.Entry{Token: 738561, LastPrice: oldPrice, Volume: oldVol, ObservedAt: t0},
		New: snapshot.Entry{Token: 738561, LastPrice: newPrice, Volume: newVol, ObservedAt: t0.Add(elapsed)},
	}
}

func TestCrashAlert(t *testing.T) {
	sink := &fakeSink{}
	e := New(DefaultParams(), &instrument.Catalog{}, sink)

	// 2500.00 -> 2400.00, 60s apart: pct = -4.00%
	errs := e.Evaluate(context.Background(), delta(250000, 240000, 0, 0, 60*time.Second))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != KindCrash {
		t.Fatalf("events = %+v, want exactly one CRASH", sink.events)
	}
	wantPct := "-4"
	if sink.events[0].Pct.String() != wantPct {
		t.Fatalf("Pct = %s, want %s", sink.events[0].Pct.String(), wantPct)
	}
}

func TestSpikeAlert(t *testing.T) {
	sink := &fakeSink{}
	e := New(DefaultParams(), &instrument.Catalog{}, sink)

	errs := e.Evaluate(context.Background(), delta(240000, 250000, 0, 0, 60*time.Second))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != KindSpike {
		t.Fatalf("events = %+v, want exactly one SPIKE", sink.events)
	}
}

func TestVolumeSpikeWithoutPriceMovement(t *testing.T) {
	sink := &fakeSink{}
	e := New(DefaultParams(), &instrument.Catalog{}, sink)

	errs := e.Evaluate(context.Background(), delta(250000, 250000, 100000, 300000, 10*time.Second))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != KindVolumeSpike {
		t.Fatalf("events = %+v, want exactly one VOLUME_SPIKE", sink.events)
	}
}

func TestNoAlertOutsideWindow(t *testing.T) {
	sink := &fakeSink{}
	e := New(DefaultParams(), &instrument.Catalog{}, sink)

	// Same -4% move, but 400s apart (> W=300s) — must not fire.
	e.Evaluate(context.Background(), delta(250000, 240000, 0, 0, 400*time.Second))
	if len(sink.events) != 0 {
		t.Fatalf("events = %+v, want none (outside window)", sink.events)
	}
}

func TestNoAlertBelowThreshold(t *testing.T) {
	sink := &fakeSink{}
	e := New(DefaultParams(), &instrument.Catalog{}, sink)

	// -1% move, below the 3% crash threshold.
	e.Evaluate(context.Background(), delta(250000, 247500, 0, 0, 10*time.Second))
	if len(sink.events) != 0 {
		t.Fatalf("events = %+v, want none (below threshold)", sink.events)
	}
}

func TestFirstTickNeverAlerts(t *testing.T) {
	sink := &fakeSink{}
	e := New(DefaultParams(), &instrument.Catalog{}, sink)

	d := snapshot.Delta{
		Old: snapshot.Entry{Token: 1, LastPrice: 0},
		New: snapshot.Entry{Token: 1, LastPrice: 250000, ObservedAt: time.Now()},
	}
	e.Evaluate(context.Background(), d)
	if len(sink.events) != 0 {
		t.Fatalf("events = %+v, want none for a zero-base entry", sink.events)
	}
}
