package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/security/securitytest"
)

// echoCaller answers with the authenticated caller.
func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := callerFrom(r.Context())
		if !ok {
			http.Error(w, "no caller", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(c.String()))
	})
}

func authGateway(auth AuthConfig, limiter *security.RateLimiter, audit *security.AuditLogger) http.Handler {
	g := New(Config{Auth: auth}, Deps{RateLimiter: limiter, Audit: audit})
	return g.authenticate(echoCaller())
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	both := AuthConfig{BearerToken: "tok-123", BasicUser: "ops", BasicPass: "pw"}
	tests := []struct {
		name     string
		auth     AuthConfig
		header   string
		basic    []string
		wantCode int
		wantBody string
	}{
		{name: "bearer", auth: both, header: "Bearer tok-123", wantCode: http.StatusOK, wantBody: "bearer@192.0.2.1"},
		{name: "basic", auth: both, basic: []string{"ops", "pw"}, wantCode: http.StatusOK, wantBody: "basic:ops@192.0.2.1"},
		{name: "wrong token", auth: both, header: "Bearer tok-124", wantCode: http.StatusUnauthorized},
		{name: "token prefix", auth: both, header: "Bearer tok-12", wantCode: http.StatusUnauthorized},
		{name: "wrong password", auth: both, basic: []string{"ops", "nope"}, wantCode: http.StatusUnauthorized},
		{name: "wrong user", auth: both, basic: []string{"root", "pw"}, wantCode: http.StatusUnauthorized},
		{name: "missing header", auth: both, wantCode: http.StatusUnauthorized},
		{name: "unknown scheme", auth: both, header: "Token tok-123", wantCode: http.StatusUnauthorized},
		{name: "basic not configured", auth: AuthConfig{BearerToken: "tok-123"}, basic: []string{"ops", "pw"}, wantCode: http.StatusUnauthorized},
		{name: "bearer not configured", auth: AuthConfig{BasicUser: "ops", BasicPass: "pw"}, header: "Bearer ", wantCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
			req.RemoteAddr = "192.0.2.1:4000"
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.basic != nil {
				req.SetBasicAuth(tt.basic[0], tt.basic[1])
			}
			rr := httptest.NewRecorder()
			authGateway(tt.auth, nil, nil).ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rr.Body.String() != tt.wantBody {
				t.Errorf("caller = %q, want %q", rr.Body.String(), tt.wantBody)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestAuthConfig_IsConfigured(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cfg  AuthConfig
		want bool
	}{
		"empty":       {AuthConfig{}, false},
		"bearer":      {AuthConfig{BearerToken: "t"}, true},
		"basic":       {AuthConfig{BasicUser: "u", BasicPass: "p"}, true},
		"user only":   {AuthConfig{BasicUser: "u"}, false},
		"pass only":   {AuthConfig{BasicPass: "p"}, false},
		"all methods": {AuthConfig{BearerToken: "t", BasicUser: "u", BasicPass: "p"}, true},
	}
	for name, tt := range tests {
		if got := tt.cfg.IsConfigured(); got != tt.want {
			t.Errorf("%s: IsConfigured() = %v, want %v", name, got, tt.want)
		}
	}
}

func TestAuthenticate_RateLimitedAndAudited(t *testing.T) {
	t.Parallel()

	limiter := security.NewRateLimiter(security.RateLimitConfig{AuthPerMin: 1})
	audit, events := securitytest.NewTestAuditLogger()
	h := authGateway(AuthConfig{BearerToken: "tok"}, limiter, audit)

	send := func(remote, token string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/decide", nil)
		req.RemoteAddr = remote
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	codes := []int{
		send("10.0.0.1:1000", "tok"),
		send("10.0.0.1:2000", "tok"),
		send("10.0.0.2:1000", "bad"),
	}
	if diff := cmp.Diff([]int{http.StatusOK, http.StatusTooManyRequests, http.StatusUnauthorized}, codes); diff != "" {
		t.Errorf("status codes (-want +got):\n%s", diff)
	}

	got := events()
	want := []security.EventType{security.EventAuthSuccess, security.EventRateLimit, security.EventAuthFailure}
	if diff := cmp.Diff(want, securitytest.Types(got)); diff != "" {
		t.Fatalf("event types (-want +got):\n%s", diff)
	}
	if got[2].RemoteAddr != "10.0.0.2:1000" || got[2].Metadata["path"] != "/api/decide" {
		t.Errorf("failure event = %+v", got[2])
	}
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	for remote, want := range map[string]string{
		"192.0.2.1:1234": "192.0.2.1",
		"[::1]:8080":     "::1",
		"no-port":        "no-port",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if got := clientKey(req); got != want {
			t.Errorf("clientKey(%q) = %q, want %q", remote, got, want)
		}
	}
}
