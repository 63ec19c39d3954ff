package textsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywords(t *testing.T) {
	kw := Keywords("The heron was standing in the river, waiting for fish.")
	assert.True(t, kw["heron"])
	assert.True(t, kw["river"])
	assert.True(t, kw["fish"])
	assert.False(t, kw["the"], "stopword")
	assert.False(t, kw["in"], "stopword")
	assert.False(t, kw[","], "punctuation")
}

func TestDensity(t *testing.T) {
	assert.Equal(t, 0.0, Density(""))
	assert.Equal(t, 0.0, Density("it is what it is"))
	assert.Equal(t, 1.0, Density("quantum entanglement experiments"))

	d := Density("the cat sat on the warm mat")
	assert.Greater(t, d, 0.0)
	assert.Less(t, d, 1.0)
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]bool
		want float64
	}{
		{"both empty", map[string]bool{}, map[string]bool{}, 0},
		{"one empty", map[string]bool{"x": true}, nil, 0},
		{"identical", map[string]bool{"x": true, "y": true}, map[string]bool{"x": true, "y": true}, 1},
		{"half", map[string]bool{"x": true, "y": true}, map[string]bool{"x": true, "z": true}, 1.0 / 3.0},
		{"disjoint", map[string]bool{"x": true}, map[string]bool{"y": true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestSimilarity(t *testing.T) {
	high := Similarity("gardening tomatoes greenhouse", "tomatoes greenhouse gardening")
	low := Similarity("gardening tomatoes greenhouse", "rust compiler borrow checker")
	assert.InDelta(t, 1.0, high, 1e-9)
	assert.Equal(t, 0.0, low)
}
