package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/flemzord/agentgate/internal/security"
)

var (
	errUnauthenticated = errors.New("unauthorized")
	errBadCredentials  = errors.New("invalid credentials")
)

// caller identifies an authenticated client.
type caller struct {
	Scheme string // "bearer" or "basic"
	User   string
	Addr   string
}

func (c caller) String() string {
	if c.User != "" {
		return c.Scheme + ":" + c.User + "@" + c.Addr
	}
	return c.Scheme + "@" + c.Addr
}

type callerKey struct{}

// callerFrom returns the caller set by authenticate.
func callerFrom(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}

// verify checks the Authorization header against the configured
// credentials. Both schemes are accepted when both are configured.
func (a AuthConfig) verify(r *http.Request) (caller, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return caller{}, errUnauthenticated
	}
	c := caller{Addr: clientKey(r)}
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && a.BearerToken != "" {
		if secretEqual(token, a.BearerToken) {
			c.Scheme = "bearer"
			return c, nil
		}
		return caller{}, errBadCredentials
	}
	if user, pass, ok := r.BasicAuth(); ok && a.BasicUser != "" && a.BasicPass != "" {
		// Evaluate both so timing does not reveal which one was wrong.
		userOK, passOK := secretEqual(user, a.BasicUser), secretEqual(pass, a.BasicPass)
		if userOK && passOK {
			c.Scheme, c.User = "basic", user
			return c, nil
		}
	}
	return caller{}, errBadCredentials
}

// authenticate rejects requests without valid credentials. Attempts are
// rate limited per client address and audited either way.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.deps.RateLimiter != nil {
			if err := g.deps.RateLimiter.Allow(security.LimitAuth, clientKey(r)); err != nil {
				g.auditRequest(security.EventRateLimit, r, err.Error())
				writeError(w, http.StatusTooManyRequests, err)
				return
			}
		}
		c, err := g.config.Auth.verify(r)
		if err != nil {
			g.auditRequest(security.EventAuthFailure, r, err.Error())
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentgate"`)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		g.auditRequest(security.EventAuthSuccess, r, c.String())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

// rateLimit limits requests of the given kind per client address.
func (g *Gateway) rateLimit(kind string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if g.deps.RateLimiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.deps.RateLimiter.Allow(kind, clientKey(r)); err != nil {
				g.auditRequest(security.EventRateLimit, r, kind+": "+err.Error())
				writeError(w, http.StatusTooManyRequests, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gateway) auditRequest(typ security.EventType, r *http.Request, detail string) {
	g.deps.Audit.Log(security.AuditEvent{
		Type:       typ,
		RemoteAddr: r.RemoteAddr,
		Detail:     detail,
		Metadata:   map[string]string{"method": r.Method, "path": r.URL.Path},
	})
}

// clientKey identifies the caller for rate limiting. Forwarding headers
// are ignored; the gateway is meant to be reached directly.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
