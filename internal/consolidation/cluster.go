package consolidation

// Clusterer groups items whose similarity reaches threshold. sim is a
// symmetric n×n matrix over items already sorted by id; index order is the
// tie-break, so output depends only on the input set. Every item appears in
// exactly one returned group; groups list indices ascending and are ordered
// by their first index.
type Clusterer interface {
	Cluster(sim [][]float64, threshold float64) [][]int
}

// NewClusterer returns the clusterer named in configuration.
func NewClusterer(name string) Clusterer {
	if name == "greedy" {
		return Greedy{}
	}
	return AverageLinkage{}
}

// AverageLinkage is agglomerative clustering that repeatedly merges the two
// groups with the highest mean pairwise similarity until none reaches the
// threshold.
type AverageLinkage struct{}

func (AverageLinkage) Cluster(sim [][]float64, threshold float64) [][]int {
	n := len(sim)
	groups := make([][]int, n)
	link := make([][]float64, n)
	for i := range groups {
		groups[i] = []int{i}
		link[i] = append([]float64(nil), sim[i]...)
	}
	alive := make([]bool, n)
	for i := range alive {
		alive[i] = true
	}

	for {
		bi, bj, best := -1, -1, threshold
		for i := 0; i < n; i++ {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !alive[j] {
					continue
				}
				// strict > keeps the first pair in index order on ties
				if v := link[i][j]; v > best || (bi < 0 && v >= best) {
					bi, bj, best = i, j, v
				}
			}
		}
		if bi < 0 {
			break
		}

		// Lance-Williams update for average linkage; slot bi keeps the
		// lower index so group order stays stable.
		ni, nj := float64(len(groups[bi])), float64(len(groups[bj]))
		for k := 0; k < n; k++ {
			if !alive[k] || k == bi || k == bj {
				continue
			}
			v := (ni*link[bi][k] + nj*link[bj][k]) / (ni + nj)
			link[bi][k], link[k][bi] = v, v
		}
		groups[bi] = mergeSorted(groups[bi], groups[bj])
		alive[bj] = false
		groups[bj] = nil
	}

	// slot i only ever absorbs higher slots, so slot order is first-index order
	out := make([][]int, 0, n)
	for i := range groups {
		if alive[i] {
			out = append(out, groups[i])
		}
	}
	return out
}

// Greedy seeds a group with the first unclaimed item and claims every later
// item within threshold of that seed.
type Greedy struct{}

func (Greedy) Cluster(sim [][]float64, threshold float64) [][]int {
	n := len(sim)
	claimed := make([]bool, n)
	var out [][]int
	for i := 0; i < n; i++ {
		if claimed[i] {
			continue
		}
		claimed[i] = true
		group := []int{i}
		for j := i + 1; j < n; j++ {
			if !claimed[j] && sim[i][j] >= threshold {
				claimed[j] = true
				group = append(group, j)
			}
		}
		out = append(out, group)
	}
	return out
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
