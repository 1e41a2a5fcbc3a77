package rotator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitetracker/tickfeed/internal/login"
)

type fakePipeline struct {
	stopped    int
	cleared    int
	started    int
	resubbed   int
	startErr   error
	resubErr   error
	tokenCount int
}

func (f *fakePipeline) Stop()              { f.stopped++ }
func (f *fakePipeline) ClearViewHandles()  { f.cleared++ }
func (f *fakePipeline) Start(ctx context.Context) error {
	f.started++
	return f.startErr
}
func (f *fakePipeline) Resubscribe(ctx context.Context) error {
	f.resubbed++
	return f.resubErr
}
func (f *fakePipeline) TrackedTokenCount() int { return f.tokenCount }

type fakeCreds struct {
	persisted   []string
	validateErr error
	persistErr  error
}

func (f *fakeCreds) Persist(ctx context.Context, credential string) error {
	f.persisted = append(f.persisted, credential)
	return f.persistErr
}
func (f *fakeCreds) Validate(ctx context.Context) error { return f.validateErr }

type fakeAudit struct {
	started   int
	completed int
	failed    int
	lastErr   error
}

func (f *fakeAudit) RotationStarted(ctx context.Context) { f.started++ }
func (f *fakeAudit) RotationCompleted(ctx context.Context, d time.Duration, tokens int) {
	f.completed++
}
func (f *fakeAudit) RotationFailed(ctx context.Context, err error) {
	f.failed++
	f.lastErr = err
}

func TestRotateSuccessRestartsPipeline(t *testing.T) {
	pipeline := &fakePipeline{tokenCount: 3}
	creds := &fakeCreds{}
	audit := &fakeAudit{}
	collaborator := login.NewFake("new-token")

	r := New(Config{InterPhaseDelay: time.Millisecond}, collaborator, creds, pipeline, audit, zerolog.Nop())
	r.Rotate(context.Background())

	if audit.completed != 1 || audit.failed != 0 {
		t.Fatalf("audit completed=%d failed=%d, want 1,0", audit.completed, audit.failed)
	}
	if pipeline.stopped != 1 || pipeline.cleared != 1 || pipeline.started != 1 || pipeline.resubbed != 1 {
		t.Fatalf("pipeline calls = %+v, want all 1", pipeline)
	}
	if len(creds.persisted) != 1 || creds.persisted[0] != "new-token" {
		t.Fatalf("persisted = %v, want [new-token]", creds.persisted)
	}
}

func TestRotateLoginFailureLeavesPipelineUntouched(t *testing.T) {
	pipeline := &fakePipeline{}
	creds := &fakeCreds{}
	audit := &fakeAudit{}
	collaborator := &login.Fake{Err: fmt.Errorf("login failed")}

	r := New(Config{InterPhaseDelay: time.Millisecond}, collaborator, creds, pipeline, audit, zerolog.Nop())
	r.Rotate(context.Background())

	if audit.failed != 1 {
		t.Fatalf("audit.failed = %d, want 1", audit.failed)
	}
	if pipeline.stopped != 0 {
		t.Fatalf("pipeline.stopped = %d, want 0 (must not touch pipeline on login failure)", pipeline.stopped)
	}
}

func TestRotatePersistFailureLeavesPipelineUntouched(t *testing.T) {
	pipeline := &fakePipeline{}
	creds := &fakeCreds{persistErr: fmt.Errorf("disk full")}
	audit := &fakeAudit{}
	collaborator := login.NewFake("new-token")

	r := New(Config{InterPhaseDelay: time.Millisecond}, collaborator, creds, pipeline, audit, zerolog.Nop())
	r.Rotate(context.Background())

	if audit.failed != 1 {
		t.Fatalf("audit.failed = %d, want 1", audit.failed)
	}
	if pipeline.stopped != 0 {
		t.Fatalf("pipeline.stopped = %d, want 0", pipeline.stopped)
	}
}

func TestRotateRestartFailureStillReportsFailed(t *testing.T) {
	pipeline := &fakePipeline{startErr: fmt.Errorf("dial refused")}
	creds := &fakeCreds{}
	audit := &fakeAudit{}
	collaborator := login.NewFake("new-token")

	r := New(Config{InterPhaseDelay: time.Millisecond}, collaborator, creds, pipeline, audit, zerolog.Nop())
	r.Rotate(context.Background())

	if audit.failed != 1 || audit.completed != 0 {
		t.Fatalf("audit failed=%d completed=%d, want 1,0", audit.failed, audit.completed)
	}
	if pipeline.stopped != 1 || pipeline.started != 1 || pipeline.resubbed != 0 {
		t.Fatalf("pipeline calls = %+v, want stopped=1 started=1 resubbed=0", pipeline)
	}
}
