package consolidation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// matrix builds a symmetric similarity matrix from upper-triangle entries.
func matrix(n int, pairs map[[2]int]float64) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	for p, v := range pairs {
		m[p[0]][p[1]], m[p[1]][p[0]] = v, v
	}
	return m
}

func TestAverageLinkageThreeAndOne(t *testing.T) {
	sim := matrix(4, map[[2]int]float64{
		{0, 1}: 0.95, {0, 2}: 0.95, {1, 2}: 0.95,
		{0, 3}: 0.10, {1, 3}: 0.10, {2, 3}: 0.10,
	})
	got := AverageLinkage{}.Cluster(sim, 0.92)
	assert.Equal(t, [][]int{{0, 1, 2}, {3}}, got)
}

func TestAverageLinkageUsesMeanNotMax(t *testing.T) {
	// a chain: 0~1 and 1~2 are close but 0 and 2 are not
	sim := matrix(3, map[[2]int]float64{{0, 1}: 0.95, {1, 2}: 0.94, {0, 2}: 0.5})
	got := AverageLinkage{}.Cluster(sim, 0.92)
	assert.Equal(t, [][]int{{0, 1}, {2}}, got)
}

func TestAverageLinkageTieBreaksByIndex(t *testing.T) {
	sim := matrix(4, map[[2]int]float64{{0, 1}: 0.95, {2, 3}: 0.95})
	for i := 0; i < 5; i++ {
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, AverageLinkage{}.Cluster(sim, 0.92))
	}
}

func TestGreedySeedsFromFirstUnclaimed(t *testing.T) {
	sim := matrix(4, map[[2]int]float64{{0, 2}: 0.93, {1, 3}: 0.99, {2, 3}: 0.97})
	got := Greedy{}.Cluster(sim, 0.92)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, got)
}

func TestNewClusterer(t *testing.T) {
	assert.IsType(t, Greedy{}, NewClusterer("greedy"))
	assert.IsType(t, AverageLinkage{}, NewClusterer("average_linkage"))
	assert.IsType(t, AverageLinkage{}, NewClusterer(""))
}

func TestEmptyInput(t *testing.T) {
	assert.Empty(t, AverageLinkage{}.Cluster(nil, 0.9))
	assert.Empty(t, Greedy{}.Cluster(nil, 0.9))
}
