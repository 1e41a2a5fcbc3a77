// Package login abstracts the headless-browser login automation the
// credential rotator depends on: a black box that trades a username,
// password, and TOTP secret for a fresh broker credential.
package login

import (
	"context"
	"time"
)

// Result is what the collaborator hands back to the rotator.
type Result struct {
	Success    bool
	Credential string
	Err        error
	Duration   time.Duration
}

// Collaborator is the capability interface the rotator depends on — never
// a concrete login implementation.
type Collaborator interface {
	Login(ctx context.Context) (Result, error)
}

// Timeout bounds a single login attempt; the rotator never retries.
const Timeout = 120 * time.Second
