package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"john", "jon", 1},
		{"acme", "acme", 0},
		{"flaw", "lawn", 2},
		{"müller", "mueller", 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, levenshtein(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
	}
}

func TestNamesMatchSubstring(t *testing.T) {
	assert.True(t, namesMatch("PurePlay", "PurePlay Inc", 3))
	assert.True(t, namesMatch("pureplay inc", "PurePlay", 3))
	assert.True(t, namesMatch("Summit Materials LLC", "summit materials", 3))
}

func TestNamesMatchEditDistance(t *testing.T) {
	assert.True(t, namesMatch("Jon Smith", "John Smith", 3))
	assert.True(t, namesMatch("Cabot Corp", "Cabot Corp.", 3))
	assert.False(t, namesMatch("Acme Corp", "Zenith Ltd", 3))
}

func TestNamesMatchRejectsDissimilar(t *testing.T) {
	// High embedding similarity alone must never merge unrelated names.
	assert.False(t, namesMatch("Carbon Black N330", "Silica Gel", 3))
	assert.False(t, namesMatch("", "Acme", 3))
	assert.False(t, namesMatch("   ", "Acme", 3))
}

func TestNamesMatchIsCaseInsensitive(t *testing.T) {
	assert.True(t, namesMatch("ACME", "acme", 0))
	assert.True(t, namesMatch("  Acme  ", "acme", 0))
}
