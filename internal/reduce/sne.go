package reduce

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const (
	sneNeighbors    = 15
	sneIterations   = 200
	sneLearningRate = 0.1
	sneRepulsion    = 0.05
	sneRepulseSamps = 8
)

// neighborEmbed lays out the rows of data in 3D with a small SNE-style
// force scheme: attraction along k-nearest-neighbor edges, repulsion from a
// fixed number of randomly sampled non-neighbors. All randomness comes from
// the seeded generator, so the layout is reproducible for a fixed seed.
func neighborEmbed(data *mat.Dense, seed uint64) [][3]float64 {
	n, _ := data.Dims()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	coords := make([][3]float64, n)
	for i := range coords {
		for c := 0; c < 3; c++ {
			coords[i][c] = rng.NormFloat64() * 0.1
		}
	}
	if n <= 1 {
		return coords
	}

	k := sneNeighbors
	if k > n-1 {
		k = n - 1
	}
	knn := nearestNeighbors(data, k)

	lr := sneLearningRate
	for iter := 0; iter < sneIterations; iter++ {
		// Linear learning-rate decay.
		step := lr * (1 - float64(iter)/float64(sneIterations))

		for i := 0; i < n; i++ {
			var grad [3]float64

			// Attraction towards neighbors.
			for _, j := range knn[i] {
				for c := 0; c < 3; c++ {
					grad[c] += coords[j][c] - coords[i][c]
				}
			}

			// Repulsion from sampled points.
			for s := 0; s < sneRepulseSamps; s++ {
				j := rng.IntN(n)
				if j == i {
					continue
				}
				var d2 float64
				for c := 0; c < 3; c++ {
					diff := coords[i][c] - coords[j][c]
					d2 += diff * diff
				}
				inv := sneRepulsion / (d2 + 1e-4)
				for c := 0; c < 3; c++ {
					grad[c] += (coords[i][c] - coords[j][c]) * inv
				}
			}

			for c := 0; c < 3; c++ {
				coords[i][c] += step * grad[c]
			}
		}
	}

	normalize(coords)
	return coords
}

// nearestNeighbors returns the indices of the k nearest rows for every row,
// by exact pairwise distance. n is bounded by the sample-size clamp, so the
// quadratic scan stays well inside the reduction phase budget.
func nearestNeighbors(data *mat.Dense, k int) [][]int {
	n, d := data.Dims()
	knn := make([][]int, n)

	type cand struct {
		idx  int
		dist float64
	}

	for i := 0; i < n; i++ {
		cands := make([]cand, 0, n-1)
		ri := data.RawRowView(i)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			rj := data.RawRowView(j)
			var d2 float64
			for c := 0; c < d; c++ {
				diff := ri[c] - rj[c]
				d2 += diff * diff
			}
			cands = append(cands, cand{j, d2})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].dist != cands[b].dist {
				return cands[a].dist < cands[b].dist
			}
			return cands[a].idx < cands[b].idx
		})
		nbrs := make([]int, k)
		for c := 0; c < k; c++ {
			nbrs[c] = cands[c].idx
		}
		knn[i] = nbrs
	}
	return knn
}

// normalize centers the layout and scales it to unit RMS radius so maps
// from different sessions render at comparable scale.
func normalize(coords [][3]float64) {
	n := float64(len(coords))
	if n == 0 {
		return
	}

	var mean [3]float64
	for _, p := range coords {
		for c := 0; c < 3; c++ {
			mean[c] += p[c]
		}
	}
	for c := 0; c < 3; c++ {
		mean[c] /= n
	}

	var sumSq float64
	for i := range coords {
		for c := 0; c < 3; c++ {
			coords[i][c] -= mean[c]
			sumSq += coords[i][c] * coords[i][c]
		}
	}

	rms := math.Sqrt(sumSq / n)
	if rms < 1e-12 {
		return
	}
	for i := range coords {
		for c := 0; c < 3; c++ {
			coords[i][c] /= rms
		}
	}
}
