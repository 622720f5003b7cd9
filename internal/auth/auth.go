package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the gateway.
const (
	ScopeAll     = "*"
	ScopeNodesRO = "nodes:ro"
	ScopeNodesRW = "nodes:rw"
	ScopeFabric  = "fabric:rw"
	ScopeServer  = "server:ro"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

// Anonymous is the principal used when no credentials are configured at all.
func Anonymous() Principal {
	return Principal{Scopes: map[string]struct{}{ScopeAll: {}}}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the Authorization header. Browsers cannot set
// headers on a WebSocket upgrade, so a "token" query parameter is accepted
// as a fallback.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
			return q, nil
		}
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Enabled reports whether any credential is configured.
func Enabled(legacyAPIKey string, tokens []TokenConfig) bool {
	return legacyAPIKey != "" || len(tokens) > 0
}

// Authenticate matches a presented bearer token against configured tokens.
// If legacyAPIKey matches, it authenticates as admin with scope "*".
func Authenticate(presented string, legacyAPIKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, legacyAPIKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read.
	if _, ok := out[ScopeNodesRW]; ok {
		out[ScopeNodesRO] = struct{}{}
	}
	return out
}

// KnownScope reports whether s is a scope the gateway checks.
func KnownScope(s string) bool {
	switch s {
	case ScopeAll, ScopeNodesRO, ScopeNodesRW, ScopeFabric, ScopeServer:
		return true
	}
	return false
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
