package oidc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateToken(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token, err := NewStateToken()
		require.NoError(err)
		assert.Len(token, StateTokenLength)
		assert.True(strings.HasPrefix(token, StateTokenPrefix))
		assert.True(IsStateToken(token))
		assert.False(seen[token], "tokens must be unique")
		seen[token] = true
	}
}

func TestIsStateToken(t *testing.T) {
	t.Parallel()
	token, err := NewStateToken()
	require.NoError(t, err)

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"generated-token", token, true},
		{"empty", "", false},
		{"prefix-only", StateTokenPrefix, false},
		{"wrong-prefix", strings.Repeat("x", StateTokenLength), false},
		{"too-short", token[:StateTokenLength-1], false},
		{"too-long", token + "x", false},
		{"foreign-state-param", "af0ifjsldkj", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStateToken(tt.candidate))
		})
	}
}

func TestNewInstanceID(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	first, err := NewInstanceID()
	require.NoError(err)
	second, err := NewInstanceID()
	require.NoError(err)
	assert.NotEmpty(first)
	assert.NotEqual(first, second)
}
