package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr string
	}{
		{"valid", "Bearer test-key", "test-key", ""},
		{"surrounding whitespace", "Bearer   test-key  ", "test-key", ""},
		{"missing header", "", "", "missing Authorization header"},
		{"basic auth", "Basic abc", "", "invalid Authorization header format"},
		{"empty token", "Bearer   ", "", "missing API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"reports:ro", " events:ro "}},
		{Token: "sheriff", Scopes: []string{"triggers:rw", ""}},
	}

	t.Run("api key is admin", func(t *testing.T) {
		p, ok := Authenticate("admin-key", "admin-key", tokens)
		require.True(t, ok)
		assert.True(t, HasAnyScope(p, ScopeCatalogWrite))
	})

	t.Run("scoped token", func(t *testing.T) {
		p, ok := Authenticate("reader", "admin-key", tokens)
		require.True(t, ok)
		assert.True(t, HasAnyScope(p, ScopeReportsRead))
		assert.True(t, HasAnyScope(p, ScopeEventsRead))
		assert.False(t, HasAnyScope(p, ScopeTriggersRead, ScopeTriggersWrite))
	})

	t.Run("write implies read", func(t *testing.T) {
		p, ok := Authenticate("sheriff", "", tokens)
		require.True(t, ok)
		assert.Equal(t, map[string]struct{}{ScopeTriggersWrite: {}, ScopeTriggersRead: {}}, p.Scopes)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, ok := Authenticate("nope", "admin-key", tokens)
		assert.False(t, ok)
	})

	t.Run("empty api key never matches", func(t *testing.T) {
		_, ok := Authenticate("", "", nil)
		assert.False(t, ok)
	})
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Token: "t"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t", p.Token)
	assert.True(t, HasAnyScope(p))
}

func TestKnown(t *testing.T) {
	for _, s := range []string{"reports:ro", "triggers:ro", "triggers:rw", "catalog:rw", "events:ro", "*"} {
		assert.True(t, Known(s), s)
	}
	for _, s := range []string{"", "plugin:ro", "reports:rw", "catalog:ro"} {
		assert.False(t, Known(s), s)
	}
}
