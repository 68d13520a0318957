package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenIsRandom(t *testing.T) {
	a, b := NewToken(), NewToken()
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "-")
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr string
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "padded", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", wantErr: "missing Authorization header"},
		{name: "wrong scheme", header: "Basic abc", wantErr: "invalid Authorization header format"},
		{name: "empty token", header: "Bearer    ", wantErr: "missing token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/status", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetBearerTokenRoundTrip(t *testing.T) {
	r := httptest.NewRequest("POST", "/build", nil)
	SetBearerToken(r, "tok")
	got, err := ExtractBearerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("secret", "secret"))
	assert.False(t, Matches("secret", "Secret"))
	assert.False(t, Matches("short", "longer-secret"))
	assert.False(t, Matches("", ""))
	assert.False(t, Matches("x", ""))
}
