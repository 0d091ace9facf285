// Package reduce implements the two-step dimensionality reduction used by
// the opinion map: a linear PCA projection to an intermediate dimension,
// then a seeded neighbor-graph embedding down to 3D for visualization.
package reduce

import (
	"fmt"
	"hash/fnv"
)

// Options controls the reduction. IntermediateDims caps the PCA output
// dimension; Seed makes the nonlinear step reproducible (an empty seed
// string still produces a fixed default layout for a given input, since
// the layout itself carries no per-run randomness source besides this).
type Options struct {
	IntermediateDims int
	Seed             string
}

// Reduce maps high-dimensional embedding vectors to 3D coordinates, one
// triple per input vector, in input order.
func Reduce(vectors [][]float32, opts Options) ([][3]float64, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("reduce: no vectors")
	}

	dims := opts.IntermediateDims
	if dims <= 0 {
		dims = 32
	}

	projected, err := PCA(vectors, dims)
	if err != nil {
		return nil, fmt.Errorf("linear projection: %w", err)
	}

	return neighborEmbed(projected, seedValue(opts.Seed)), nil
}

func seedValue(seed string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	return h.Sum64()
}
