package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// AnonymousAuthenticator backs TALOS_AUTH_MODE=disabled. Every request
// carries the anonymous subject; the capability gate still applies.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}

// BearerAuthenticator accepts a single static shared secret. Intended for
// machine callers in deployments without an identity provider.
type BearerAuthenticator struct {
	secret  string
	subject string
	roles   []string
}

func NewBearerAuthenticator(cfg Config) *BearerAuthenticator {
	return &BearerAuthenticator{
		secret:  cfg.BearerSecret,
		subject: cfg.BearerSubject,
		roles:   cfg.BearerRoles,
	}
}

func (a *BearerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	token := tokenFromHeader(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		Subject: a.subject,
		Roles:   a.roles,
	}, nil
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
