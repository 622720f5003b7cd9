package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		target  string
		want    string
		wantErr bool
	}{
		{name: "bearer header", header: "Bearer abc", target: "/ws", want: "abc"},
		{name: "padded header", header: "Bearer   abc  ", target: "/ws", want: "abc"},
		{name: "query fallback", target: "/ws?token=xyz", want: "xyz"},
		{name: "header wins over query", header: "Bearer abc", target: "/ws?token=xyz", want: "abc"},
		{name: "missing", target: "/ws", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", target: "/ws", wantErr: true},
		{name: "empty bearer", header: "Bearer   ", target: "/ws", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeNodesRO}},
		{Token: "writer", Scopes: []string{ScopeNodesRW, " "}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeFabric))

	p, ok = Authenticate("reader", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeNodesRO))
	assert.False(t, HasAnyScope(p, ScopeNodesRW))

	p, ok = Authenticate("writer", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeNodesRO), "rw implies ro")
	assert.Len(t, p.Scopes, 2)

	_, ok = Authenticate("nobody", "admin", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty key never matches")
}

func TestAnonymousAndEnabled(t *testing.T) {
	assert.True(t, HasAnyScope(Anonymous(), ScopeFabric, ScopeServer))
	assert.False(t, Enabled("", nil))
	assert.True(t, Enabled("k", nil))
	assert.True(t, Enabled("", []TokenConfig{{Token: "t"}}))
	assert.True(t, HasAnyScope(Principal{}))
	assert.True(t, KnownScope(ScopeServer))
	assert.False(t, KnownScope("jobs:rw"))
}
