package reduce

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PCA projects row vectors onto their top-k principal components via a thin
// SVD of the column-centered data matrix. Returns an n×k matrix.
func PCA(vectors [][]float32, k int) (*mat.Dense, error) {
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("pca: empty input")
	}
	d := len(vectors[0])
	if d == 0 {
		return nil, fmt.Errorf("pca: zero-dimension vectors")
	}
	if k > d {
		k = d
	}
	if k > n {
		k = n
	}

	// Column means for centering.
	means := make([]float64, d)
	for _, v := range vectors {
		if len(v) != d {
			return nil, fmt.Errorf("pca: ragged input (want dim %d, got %d)", d, len(v))
		}
		for j, x := range v {
			means[j] += float64(x)
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}

	data := mat.NewDense(n, d, nil)
	for i, v := range vectors {
		for j, x := range v {
			data.Set(i, j, float64(x)-means[j])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(data, mat.SVDThin); !ok {
		return nil, fmt.Errorf("pca: svd factorization failed")
	}

	var v mat.Dense
	svd.VTo(&v)

	// Project onto the first k right singular vectors.
	components := v.Slice(0, d, 0, k)
	out := mat.NewDense(n, k, nil)
	out.Mul(data, components)
	return out, nil
}
