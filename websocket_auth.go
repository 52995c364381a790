package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentarena/broker/internal/auth"
)

// identity is the caller identity bound to a websocket at accept time. Humans
// carry a UserID, agents an AgentID and wallet; either side may be blank.
type identity struct {
	ClientID string
	UserID   string
	AgentID  uuid.UUID
	Wallet   string
}

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (identity, error)
}

// allowAllAuthenticator trusts the caller-supplied query parameters. Used when
// no shared secret is configured, for development and closed networks.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(r *http.Request) (identity, error) {
	query := r.URL.Query()
	id := identity{
		ClientID: strings.TrimSpace(query.Get("clientId")),
		UserID:   strings.TrimSpace(query.Get("userId")),
		Wallet:   strings.TrimSpace(query.Get("wallet")),
	}
	if raw := strings.TrimSpace(query.Get("agentId")); raw != "" {
		agentID, err := uuid.Parse(raw)
		if err != nil {
			return identity{}, errors.New("agentId must be a valid identifier")
		}
		id.AgentID = agentID
	}
	return id, nil
}

type hmacWebsocketAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

func newHMACWebsocketAuthenticator(secret string) (websocketAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and maps its claims onto the
// connection identity.
func (a *hmacWebsocketAuthenticator) Authenticate(r *http.Request) (identity, error) {
	if a == nil || a.verifier == nil {
		return identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return identity{}, errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return identity{}, err
	}
	id := identity{ClientID: claims.Subject, Wallet: claims.Wallet}
	if claims.AgentID != "" {
		agentID, err := uuid.Parse(claims.AgentID)
		if err != nil {
			return identity{}, errors.New("token agentId must be a valid identifier")
		}
		id.AgentID = agentID
	} else {
		id.UserID = claims.Subject
	}
	return id, nil
}

// WithWebsocketAuthenticator wires a custom authenticator into the broker.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) BrokerOption {
	return func(b *Broker) {
		if b == nil || authenticator == nil {
			return
		}
		b.auth = authenticator
	}
}
