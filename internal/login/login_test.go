package login

import (
	"context"
	"testing"
)

func TestFakeLoginReturnsScriptedCredential(t *testing.T) {
	f := NewFake("tok-123")
	res, err := f.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.Success || res.Credential != "tok-123" {
		t.Fatalf("res = %+v", res)
	}
	if f.Calls != 1 {
		t.Fatalf("Calls = %d, want 1", f.Calls)
	}
}

func TestRequestTokenFromExtractsQueryParam(t *testing.T) {
	tok, err := requestTokenFrom("https://app.example.com/callback?request_token=abc123&status=success")
	if err != nil {
		t.Fatalf("requestTokenFrom: %v", err)
	}
	if tok != "abc123" {
		t.Fatalf("tok = %q, want abc123", tok)
	}
}

func TestRequestTokenFromMissingParam(t *testing.T) {
	if _, err := requestTokenFrom("https://app.example.com/login?error=bad_credentials"); err == nil {
		t.Fatal("expected an error when request_token is absent")
	}
}
