package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"pulsechat/broker/internal/auth"
)

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

type hmacWebsocketAuthenticator struct {
	verifier auth.Verifier
}

func newHMACWebsocketAuthenticator(secret string) (websocketAuthenticator, error) {
	verifier, err := auth.NewHMACVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate extracts the handshake token and resolves it to a verified
// identity. The auth_token query parameter is the primary carrier because
// browser WebSocket clients cannot set custom headers; the X-Auth-Token
// header remains as a fallback for non-browser clients.
func (a *hmacWebsocketAuthenticator) Authenticate(r *http.Request) (auth.Identity, error) {
	if a == nil || a.verifier == nil {
		return auth.Identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return auth.Identity{}, errors.New("missing auth token")
	}
	identity, err := a.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, err
	}
	return *identity, nil
}

// WithWebsocketAuthenticator wires a custom authenticator into the broker.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) BrokerOption {
	return func(b *Broker) {
		if b == nil || authenticator == nil {
			return
		}
		b.wsAuthenticator = authenticator
	}
}
