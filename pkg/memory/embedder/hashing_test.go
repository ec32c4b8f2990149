package embedder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashingProvider_Deterministic(t *testing.T) {
	p := NewHashingProvider(0)
	assert.Equal(t, DefaultDimension, p.GetDimension())

	a, err := p.Embed("find cheap flights")
	require.NoError(t, err)
	b, err := p.Embed("find cheap flights")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, DefaultDimension)
}

func TestHashingProvider_Normalized(t *testing.T) {
	p := NewHashingProvider(64)

	vec, err := p.Embed("hello world")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashingProvider_SimilarTextScoresHigher(t *testing.T) {
	p := NewHashingProvider(256)

	query, _ := p.Embed("cheap flights")
	near, _ := p.Embed("search cheap flights to paris")
	far, _ := p.Embed("database connection pool tuning")

	assert.Greater(t, cosine(query, near), cosine(query, far))
}

func TestHashingProvider_EmptyText(t *testing.T) {
	p := NewHashingProvider(32)

	vec, err := p.Embed("")
	require.NoError(t, err)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("hashing", NewHashingProvider(0)))

	got, ok := r.Get("hashing")
	require.True(t, ok)
	assert.Equal(t, "hashing-trigram", got.GetModelName())
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
