package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Token verification failures. Callers treat all of these as
// authentication errors; the distinction exists for logs and tests.
var (
	ErrMalformedToken   = errors.New("malformed federation token")
	ErrIdentityMismatch = errors.New("token identity does not match expected peer")
	ErrTokenExpired     = errors.New("federation token expired")
	ErrFutureToken      = errors.New("federation token timestamp is in the future")
	ErrBadSignature     = errors.New("federation token signature mismatch")
)

const (
	// DefaultTokenWindow is how long a signed token stays valid.
	DefaultTokenWindow = 5 * time.Minute
	// DefaultClockSkew is the allowance for peer clocks running ahead.
	DefaultClockSkew = 1 * time.Minute
)

// VerifyOptions tunes token verification. Zero values fall back to the
// defaults; Now is injectable for tests.
type VerifyOptions struct {
	Window    time.Duration
	ClockSkew time.Duration
	Now       func() time.Time
}

// SignRequest produces an authentication token binding the given
// identity to the current time under the shared secret:
//
//	identity:unixSeconds:hex(HMAC-SHA256(identity:unixSeconds, secret))
func SignRequest(identity, secret string) string {
	return signAt(identity, secret, time.Now())
}

func signAt(identity, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	payload := identity + ":" + ts
	return payload + ":" + computeSignature(payload, secret)
}

func computeSignature(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a token against the expected peer identity and
// shared secret using the default window and skew.
func VerifyToken(token, expectedIdentity, secret string) error {
	return VerifyTokenWithOptions(token, expectedIdentity, secret, VerifyOptions{})
}

// VerifyTokenWithOptions checks token structure, identity, freshness
// and signature. The signature comparison is constant-time.
func VerifyTokenWithOptions(token, expectedIdentity, secret string, opts VerifyOptions) error {
	window := opts.Window
	if window <= 0 {
		window = DefaultTokenWindow
	}
	skew := opts.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}

	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return ErrMalformedToken
	}

	tokenIdentity, tsField, signature := parts[0], parts[1], parts[2]
	if tokenIdentity == "" || tsField == "" || signature == "" {
		return ErrMalformedToken
	}

	ts, err := strconv.ParseInt(tsField, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMalformedToken)
	}

	if tokenIdentity != expectedIdentity {
		return ErrIdentityMismatch
	}

	issued := time.Unix(ts, 0)
	if now.Sub(issued) > window {
		return ErrTokenExpired
	}
	if issued.Sub(now) > skew {
		return ErrFutureToken
	}

	expected := computeSignature(tokenIdentity+":"+tsField, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}

	return nil
}

// TokenIdentity extracts the identity embedded in a token without
// verifying it. Used to look up which peer's secret to verify against.
func TokenIdentity(token string) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", ErrMalformedToken
	}
	return parts[0], nil
}
