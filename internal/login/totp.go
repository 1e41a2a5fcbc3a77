package login

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// GenerateTOTP computes the current RFC 6238 30-second TOTP code for a
// base32 secret — the same class of code an authenticator app would show
// for the broker login form's second factor. Kept on the standard
// library: this is a dozen lines of HMAC-SHA1 over a counter, not a
// concern any library in this codebase's stack already covers.
func GenerateTOTP(secret string) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("login: decode TOTP secret: %w", err)
	}
	return totpAt(key, time.Now()), nil
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	secret = strings.TrimRight(secret, "=")
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
}

func totpAt(key []byte, at time.Time) string {
	counter := uint64(at.Unix() / 30)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	code := (uint32(sum[offset])&0x7F)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	return fmt.Sprintf("%06d", code%1_000_000)
}
