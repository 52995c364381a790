package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestHMACTokenVerifierValidToken(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	fixedNow := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return fixedNow })
	token := makeToken(t, "secret", `{"sub":"user-7","exp":%d,"iat":%d}`, fixedNow.Add(30*time.Second))

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "user-7" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if claims.AgentID != "" || claims.Wallet != "" {
		t.Fatalf("human token should carry no agent claims, got %+v", claims)
	}
	if claims.ExpiresAt.Before(fixedNow) {
		t.Fatal("expected expiry in the future")
	}
}

func TestHMACTokenVerifierAgentClaims(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	payload := `{"sub":"agent-conn-1","agentId":"3b8cda1c-35a4-4a90-9c3a-0a9f6d1f9b01",` +
		`"wallet":"0x00000000000000000000000000000000000000aa","exp":%d,"iat":%d}`
	token := makeToken(t, "secret", payload, now.Add(time.Minute))

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.AgentID != "3b8cda1c-35a4-4a90-9c3a-0a9f6d1f9b01" {
		t.Fatalf("unexpected agent id: %q", claims.AgentID)
	}
	if claims.Wallet != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("unexpected wallet: %q", claims.Wallet)
	}
}

func TestHMACTokenVerifierRejectsExpiredToken(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeToken(t, "secret", `{"sub":"user-7","exp":%d,"iat":%d}`, now.Add(-time.Second))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestHMACTokenVerifierRejectsInvalidSignature(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeToken(t, "other-secret", `{"sub":"user-7","exp":%d,"iat":%d}`, now.Add(time.Minute))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

// makeToken renders payloadFormat with the expiry and issued-at unix seconds.
func makeToken(t *testing.T, secret, payloadFormat string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(payloadFormat, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}
