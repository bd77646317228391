package sentinel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_returnsDistinctPrefixSuffix(t *testing.T) {
	g := New()
	pair, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.Len(t, pair.Prefix, tokenLength)
	assert.Len(t, pair.Suffix, tokenLength)
	assert.NotEqual(t, pair.Prefix, pair.Suffix)
}

func TestGenerate_distinctAcrossCalls(t *testing.T) {
	g := New()
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		pair, err := g.Generate(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[pair.Prefix], "prefix %q reused while still reserved", pair.Prefix)
		assert.False(t, seen[pair.Suffix], "suffix %q reused while still reserved", pair.Suffix)
		seen[pair.Prefix] = true
		seen[pair.Suffix] = true
	}
}

func TestGenerate_contextCancelled(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx)
	assert.Error(t, err)
}

func TestRandomToken_charsetAndLength(t *testing.T) {
	tok := randomToken()
	assert.Len(t, tok, tokenLength)
	for _, c := range tok {
		assert.Contains(t, charset, string(c))
	}
}
