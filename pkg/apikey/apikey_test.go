package apikey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ProducesUniqueVerifiableKeys(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a.Secret, b.Secret)
	assert.True(t, strings.HasPrefix(a.Secret, "bx_"+a.Prefix+"_"))
	assert.Len(t, a.Hash, 64)
	assert.NotContains(t, a.Hash, a.Secret)
	assert.True(t, Verify(a.Secret, a.Hash))
	assert.False(t, Verify(a.Secret, b.Hash))
}

func TestHash_IsDeterministic(t *testing.T) {
	assert.Equal(t, Hash("bx_abc"), Hash("bx_abc"))
	assert.NotEqual(t, Hash("bx_abc"), Hash("bx_abd"))
}

func TestPrefix(t *testing.T) {
	g, err := Generate()
	require.NoError(t, err)

	p, err := Prefix(g.Secret)
	require.NoError(t, err)
	assert.Equal(t, g.Prefix, p)

	for _, bad := range []string{"", "bx_", "xx_" + g.Secret[3:], "bx_zzzzzzzz_" + strings.Repeat("a", 64), "bx_1234_abcd"} {
		_, err := Prefix(bad)
		assert.ErrorIs(t, err, ErrMalformedKey, bad)
	}
}

func TestVerify_RejectsMalformedStoredHash(t *testing.T) {
	assert.False(t, Verify("anything", "short"))
}
