package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnionFindClusters(t *testing.T) {
	uf := newUnionFind()
	uf.union(5, 2)
	uf.union(2, 9)
	uf.union(7, 3)
	uf.union(11, 11)

	clusters := uf.clusters()
	require.Len(t, clusters, 2)

	// Clusters are keyed by their lowest member id and ordered by key.
	assert.Equal(t, int64(2), clusters[0].key)
	assert.Equal(t, []int64{2, 5, 9}, clusters[0].members)
	assert.Equal(t, int64(3), clusters[1].key)
	assert.Equal(t, []int64{3, 7}, clusters[1].members)
}

func TestUnionFindMergingChains(t *testing.T) {
	// a~b and b~c pull all three together even without a direct a~c pair.
	uf := newUnionFind()
	uf.union(1, 2)
	uf.union(2, 3)
	uf.union(10, 20)
	uf.union(3, 10)

	clusters := uf.clusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, []int64{1, 2, 3, 10, 20}, clusters[0].members)
}

func TestChoosePrimaryByDegree(t *testing.T) {
	primary, dups := choosePrimary([]int64{4, 8, 15}, map[int64]int{4: 1, 8: 7, 15: 3})
	assert.Equal(t, int64(8), primary)
	assert.Equal(t, []int64{4, 15}, dups)
}

func TestChoosePrimaryTieBreaksToLowestID(t *testing.T) {
	primary, dups := choosePrimary([]int64{4, 8, 15}, map[int64]int{4: 3, 8: 3, 15: 3})
	assert.Equal(t, int64(4), primary)
	assert.Equal(t, []int64{8, 15}, dups)
}

func TestChoosePrimaryZeroDegrees(t *testing.T) {
	primary, dups := choosePrimary([]int64{21, 22}, map[int64]int{})
	assert.Equal(t, int64(21), primary)
	assert.Equal(t, []int64{22}, dups)
}
