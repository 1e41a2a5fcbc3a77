package login

import (
	"context"
	"time"
)

// Fake is a scripted Collaborator for tests and the rotation end-to-end
// scenario — no browser, no network.
type Fake struct {
	Result Result
	Err    error
	Calls  int
}

// NewFake returns a Fake that always succeeds with the given credential.
func NewFake(credential string) *Fake {
	return &Fake{Result: Result{Success: true, Credential: credential, Duration: time.Millisecond}}
}

func (f *Fake) Login(ctx context.Context) (Result, error) {
	f.Calls++
	return f.Result, f.Err
}
