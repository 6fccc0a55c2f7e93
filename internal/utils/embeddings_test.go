package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{0.1, 0.7, -0.3, 0.2}
	b := []float32{0.5, -0.1, 0.4, 0.9}

	self, err := CosineSimilarity(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, self, 1e-9)

	ab, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	ba, err := CosineSimilarity(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.LessOrEqual(t, ab, 1.0)
	assert.GreaterOrEqual(t, ab, -1.0)

	opposite, err := CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, opposite, 1e-9)
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	_, err := CosineSimilarity(nil, []float32{1})
	assert.ErrorIs(t, err, ErrEmptyVector)

	_, err = CosineSimilarity([]float32{1, 2}, []float32{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	zero, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "jueg", TruncateRunes("juego", 4))
	assert.Equal(t, "año", TruncateRunes("año nuevo", 3))
	assert.Equal(t, "corto", TruncateRunes("corto", 10))
	assert.Equal(t, "", TruncateRunes("x", 0))
}
