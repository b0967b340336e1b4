package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/spherical-ai/docpipe/internal/outputs"
)

type contextKey string

const callerKey contextKey = "caller"

// AuthConfig holds the token tables the Auth middleware resolves callers
// against. Service tokens are checked before API tokens so a token listed in
// both grants the wider scope.
type AuthConfig struct {
	// APITokens maps bearer tokens to caller identities.
	APITokens map[string]string
	// ServiceTokens are trusted tokens that bypass per-document ownership.
	ServiceTokens []string
}

func (c AuthConfig) open() bool {
	return len(c.APITokens) == 0 && len(c.ServiceTokens) == 0
}

// Auth resolves the bearer token on each request into an outputs.Caller and
// stores it on the request context. When no tokens are configured at all the
// surface runs in development mode: every request is trusted and the caller
// identity is taken from the X-Caller-ID header.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	service := make(map[string]struct{}, len(cfg.ServiceTokens))
	for _, token := range cfg.ServiceTokens {
		service[token] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.open() {
				id := r.Header.Get("X-Caller-ID")
				if id == "" {
					id = "dev"
				}
				ctx := withCaller(r.Context(), outputs.Caller{ID: id, Service: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}
			if _, trusted := service[token]; trusted {
				ctx := withCaller(r.Context(), outputs.Caller{ID: "service", Service: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if callerID, found := cfg.APITokens[token]; found {
				ctx := withCaller(r.Context(), outputs.Caller{ID: callerID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
		})
	}
}

// RequireService rejects callers that did not authenticate with a service
// token. It must run after Auth.
func RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok || !caller.Service {
			writeError(w, http.StatusForbidden, "service token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func withCaller(ctx context.Context, caller outputs.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller resolved by the Auth middleware.
func CallerFromContext(ctx context.Context) (outputs.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(outputs.Caller)
	return caller, ok
}
