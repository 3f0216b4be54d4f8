package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
)

// Sign computes the hex HMAC-SHA256 of timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier authenticates provider webhooks.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock overrides the clock used for the replay window.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the signature header against the raw body and rejects
// timestamps outside the tolerance window in either direction.
func (v *Verifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return appErrors.NewAuthenticationError("missing signature headers")
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return appErrors.NewAuthenticationError("malformed timestamp")
	}
	skew := v.now().Sub(time.Unix(secs, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return appErrors.NewAuthenticationError("timestamp outside tolerance")
	}

	expected := Sign(v.secret, timestamp, body)
	given := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signature)), "sha256=")
	if !hmac.Equal([]byte(expected), []byte(given)) {
		return appErrors.NewAuthenticationError("signature mismatch")
	}
	return nil
}
