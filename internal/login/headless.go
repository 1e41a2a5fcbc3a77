package login

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
)

// Headless drives a real browser through the broker's login form. It is
// a single-attempt collaborator: no retry, no state beyond the
// credentials it was constructed with.
type Headless struct {
	LoginURL   string
	UserID     string
	Password   string
	TOTPSecret string
	TOTPCode   func(secret string) (string, error)
}

// NewHeadless builds a Headless collaborator. totpCode computes the
// current 6-digit TOTP for the given secret (injected so tests can stub
// it without a real authenticator).
func NewHeadless(loginURL, userID, password, totpSecret string, totpCode func(string) (string, error)) *Headless {
	return &Headless{
		LoginURL: loginURL, UserID: userID, Password: password,
		TOTPSecret: totpSecret, TOTPCode: totpCode,
	}
}

// Login opens the broker's login page, fills the credential + TOTP form,
// and extracts the request_token from the final redirect URL.
func (h *Headless) Login(ctx context.Context) (Result, error) {
	start := time.Now()

	ctx, cancel := chromedp.NewContext(ctx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, Timeout)
	defer cancelTimeout()

	code, err := h.TOTPCode(h.TOTPSecret)
	if err != nil {
		return Result{Success: false, Err: err, Duration: time.Since(start)}, err
	}

	var finalURL string
	err = chromedp.Run(ctx,
		chromedp.Navigate(h.LoginURL),
		chromedp.WaitVisible(`#userid`, chromedp.ByID),
		chromedp.SendKeys(`#userid`, h.UserID, chromedp.ByID),
		chromedp.SendKeys(`#password`, h.Password, chromedp.ByID),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitVisible(`#totp`, chromedp.ByID),
		chromedp.SendKeys(`#totp`, code, chromedp.ByID),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return Result{Success: false, Err: err, Duration: time.Since(start)}, err
	}

	token, err := requestTokenFrom(finalURL)
	if err != nil {
		return Result{Success: false, Err: err, Duration: time.Since(start)}, err
	}

	return Result{Success: true, Credential: token, Duration: time.Since(start)}, nil
}

func requestTokenFrom(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("login: parse redirect URL: %w", err)
	}
	token := u.Query().Get("request_token")
	if token == "" {
		return "", fmt.Errorf("login: no request_token in redirect URL %q", rawURL)
	}
	return token, nil
}
