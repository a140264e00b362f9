package main

import (
	"net"
	"net/http"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/gate"
	"github.com/talos-labs/talos-gateway/internal/platform/auth"
	"github.com/talos-labs/talos-gateway/internal/ratelimit"
)

// guard runs admission control for one request: identity and source
// rate limits first, then the capability gate. Rate limits are checked
// before capabilities so a flooding caller cannot force a gate lookup
// (and a denial audit write) per request.
type guard struct {
	identityLimiter *ratelimit.Limiter
	sourceLimiter   *ratelimit.Limiter
	gate            *gate.Gate
}

// admit returns the caller identity and, on rate-limit denial, the
// retry-after hint. The error is always kind-typed.
func (g *guard) admit(r *http.Request, capability string) (auth.Identity, time.Duration, error) {
	identity, _ := auth.IdentityFromContext(r.Context())

	if retryAfter, err := g.throttle(r); err != nil {
		return identity, retryAfter, err
	}

	if err := g.gate.Authorize(r.Context(), identity, capability, r.URL.Path); err != nil {
		return identity, 0, err
	}
	return identity, 0, nil
}

// throttle runs only the rate limiters, for read endpoints that carry no
// capability of their own.
func (g *guard) throttle(r *http.Request) (time.Duration, error) {
	now := time.Now()
	if g.sourceLimiter != nil {
		if decision := g.sourceLimiter.Admit(sourceKey(r), now); !decision.Allowed {
			return decision.RetryAfter, domain.NewError(domain.KindRateLimited, "source address rate limit exceeded")
		}
	}
	if identity, _ := auth.IdentityFromContext(r.Context()); g.identityLimiter != nil && identity.Subject != "" {
		if decision := g.identityLimiter.Admit(identity.Subject, now); !decision.Allowed {
			return decision.RetryAfter, domain.NewError(domain.KindRateLimited, "identity rate limit exceeded")
		}
	}
	return 0, nil
}

func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
