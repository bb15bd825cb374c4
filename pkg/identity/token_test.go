package identity

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	testIdentity = "srv_0123456789abcdef0123456789abcdef"
	testSecret   = "super-secret-shared-key"
)

func TestSignAndVerifyToken(t *testing.T) {
	token := SignRequest(testIdentity, testSecret)

	if err := VerifyToken(token, testIdentity, testSecret); err != nil {
		t.Fatalf("Valid token should verify: %v", err)
	}
}

func TestVerifyToken_Malformed(t *testing.T) {
	cases := []string{
		"",
		"just-one-part",
		"two:parts",
		"a:b:c:d",
		":1700000000:deadbeef",
		testIdentity + "::deadbeef",
		testIdentity + ":1700000000:",
		testIdentity + ":not-a-number:deadbeef",
	}

	for _, token := range cases {
		err := VerifyToken(token, testIdentity, testSecret)
		if !errors.Is(err, ErrMalformedToken) {
			t.Errorf("Token %q: expected ErrMalformedToken, got %v", token, err)
		}
	}
}

func TestVerifyToken_IdentityMismatch(t *testing.T) {
	token := SignRequest(testIdentity, testSecret)

	err := VerifyToken(token, "srv_ffffffffffffffffffffffffffffffff", testSecret)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("Expected ErrIdentityMismatch, got %v", err)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	issued := time.Now().Add(-10 * time.Minute)
	token := signAt(testIdentity, testSecret, issued)

	err := VerifyToken(token, testIdentity, testSecret)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}

	// A wider window accepts the same token.
	err = VerifyTokenWithOptions(token, testIdentity, testSecret, VerifyOptions{Window: time.Hour})
	if err != nil {
		t.Errorf("Token inside the configured window should verify: %v", err)
	}
}

func TestVerifyToken_Future(t *testing.T) {
	issued := time.Now().Add(5 * time.Minute)
	token := signAt(testIdentity, testSecret, issued)

	err := VerifyToken(token, testIdentity, testSecret)
	if !errors.Is(err, ErrFutureToken) {
		t.Errorf("Expected ErrFutureToken, got %v", err)
	}

	// Small skew within the allowance is accepted.
	nearFuture := signAt(testIdentity, testSecret, time.Now().Add(30*time.Second))
	if err := VerifyToken(nearFuture, testIdentity, testSecret); err != nil {
		t.Errorf("Token within clock skew allowance should verify: %v", err)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token := SignRequest(testIdentity, testSecret)

	err := VerifyToken(token, testIdentity, "a-different-secret")
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyToken_Tampered(t *testing.T) {
	token := SignRequest(testIdentity, testSecret)

	// Flip one byte of the signature.
	last := token[len(token)-1]
	replacement := byte('0')
	if last == '0' {
		replacement = '1'
	}
	tampered := token[:len(token)-1] + string(replacement)

	err := VerifyToken(tampered, testIdentity, testSecret)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature for tampered token, got %v", err)
	}
}

func TestTokenIdentity(t *testing.T) {
	token := SignRequest(testIdentity, testSecret)

	id, err := TokenIdentity(token)
	if err != nil {
		t.Fatalf("TokenIdentity failed: %v", err)
	}
	if id != testIdentity {
		t.Errorf("Expected %s, got %s", testIdentity, id)
	}

	if _, err := TokenIdentity("garbage"); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("Expected ErrMalformedToken for garbage input, got %v", err)
	}
}

func TestTokenStructure(t *testing.T) {
	token := SignRequest(testIdentity, testSecret)

	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		t.Fatalf("Expected identity:timestamp:signature, got %d parts", len(parts))
	}
	if parts[0] != testIdentity {
		t.Errorf("First part should be the identity, got %s", parts[0])
	}
	if len(parts[2]) != 64 {
		t.Errorf("Expected 64 hex chars of HMAC-SHA256, got %d", len(parts[2]))
	}
}
