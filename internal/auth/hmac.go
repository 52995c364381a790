// Package auth verifies the compact HS256 tokens presented on websocket
// upgrade. Human sessions carry only a subject; agent sessions additionally
// carry the agent identifier and its registered wallet address, so the socket
// can be bound to a wallet identity at accept time.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// TokenClaims is the verified payload handed to the connection handshake.
type TokenClaims struct {
	Subject   string
	AgentID   string
	Wallet    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Audience  string
}

// wireClaims mirrors the JSON payload segment of the token.
type wireClaims struct {
	Subject  string `json:"sub"`
	AgentID  string `json:"agentId"`
	Wallet   string `json:"wallet"`
	Expires  int64  `json:"exp"`
	Issued   int64  `json:"iat"`
	Audience string `json:"aud"`
}

// HMACTokenVerifier validates compact JWT-style tokens signed with HS256.
type HMACTokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// Verify checks the token's structure, signature and expiry, returning the
// embedded claims on success.
func (v *HMACTokenVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] == "" {
		return nil, ErrInvalidToken
	}
	if err := checkHeader(parts[0]); err != nil {
		return nil, err
	}
	if err := v.checkSignature(parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, err
	}
	payload, err := decodePayload(parts[1])
	if err != nil {
		return nil, err
	}
	return v.claimsFromPayload(payload)
}

// checkHeader enforces the HS256 algorithm; no other header field matters.
func checkHeader(segment string) error {
	raw, err := decodeSegment(segment)
	if err != nil {
		return ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}
	return nil
}

func (v *HMACTokenVerifier) checkSignature(signingInput, signature string) error {
	mac := hmac.New(sha256.New, v.secret)
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		return err
	}
	presented, err := decodeSegment(signature)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal(presented, mac.Sum(nil)) {
		return ErrInvalidToken
	}
	return nil
}

func decodePayload(segment string) (*wireClaims, error) {
	raw, err := decodeSegment(segment)
	if err != nil {
		return nil, ErrInvalidToken
	}
	payload := &wireClaims{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, ErrInvalidToken
	}
	return payload, nil
}

// claimsFromPayload rejects subject-less and expiry-less tokens, then applies
// the configured leeway to the expiry check.
func (v *HMACTokenVerifier) claimsFromPayload(payload *wireClaims) (*TokenClaims, error) {
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	return &TokenClaims{
		Subject:   payload.Subject,
		AgentID:   strings.TrimSpace(payload.AgentID),
		Wallet:    strings.TrimSpace(payload.Wallet),
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
		Audience:  payload.Audience,
	}, nil
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
