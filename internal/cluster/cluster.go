// Package cluster groups 3D opinion-map coordinates into opinion clusters
// using density-based clustering: points in dense regions join a cluster,
// sparse points become outliers, and clusters below a minimum size are
// merged into their nearest larger neighbor.
//
// Determinism: seeds are expanded in index order and border points are
// claimed by the first cluster to reach them, so a point equidistant
// between two cluster cores always lands in the lower-indexed cluster.
package cluster

import (
	"math"
	"sort"
)

// Defaults chosen for normalized (unit-RMS) opinion-map layouts.
const (
	DefaultMinPts         = 4
	DefaultMinClusterSize = 3
	defaultEpsFraction    = 0.12 // of the bounding-box diagonal
)

// Point is a 3D coordinate.
type Point [3]float64

// Options tunes the clustering. Zero values select the defaults; Eps == 0
// derives the neighborhood radius from the layout's bounding-box diagonal.
type Options struct {
	Eps            float64
	MinPts         int
	MinClusterSize int
}

// Summary describes one detected cluster.
type Summary struct {
	ID       int
	Centroid Point
	Size     int
}

// Result is a full partition of the input points.
type Result struct {
	// Assignments holds a cluster ID per input point, or Outlier.
	Assignments []int
	// Confidence in [0,1] per point; 0 for outliers.
	Confidence []float64
	// Clusters ordered by ID (discovery order).
	Clusters []Summary
	// OutlierCount is the number of points assigned to no cluster.
	OutlierCount int
}

// Outlier is the assignment value for points outside every cluster.
const Outlier = -1

// Run partitions points into clusters. len(points) of the result's
// Assignments and Confidence always equals len(points), and the sizes of
// all clusters plus OutlierCount sum to len(points).
func Run(points []Point, opts Options) Result {
	n := len(points)
	res := Result{
		Assignments: make([]int, n),
		Confidence:  make([]float64, n),
	}
	if n == 0 {
		return res
	}

	if opts.MinPts <= 0 {
		opts.MinPts = DefaultMinPts
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = DefaultMinClusterSize
	}
	if opts.Eps <= 0 {
		opts.Eps = defaultEpsFraction * boundingDiagonal(points)
	}
	if opts.Eps <= 0 {
		// Degenerate layout (all points identical): one cluster.
		opts.Eps = 1
	}

	assignments := dbscan(points, opts.Eps, opts.MinPts)
	assignments = mergeSmallClusters(points, assignments, opts.MinClusterSize)

	res.Assignments = assignments
	res.Clusters = summarize(points, assignments)
	for _, a := range assignments {
		if a == Outlier {
			res.OutlierCount++
		}
	}
	res.Confidence = confidences(points, assignments, res.Clusters)
	return res
}

// dbscan runs density clustering, visiting seed points in index order.
// Cluster IDs are assigned in discovery order starting at 0.
func dbscan(points []Point, eps float64, minPts int) []int {
	const unvisited = -2

	n := len(points)
	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = unvisited
	}

	eps2 := eps * eps
	nextCluster := 0

	for i := 0; i < n; i++ {
		if assignments[i] != unvisited {
			continue
		}

		nbrs := regionQuery(points, i, eps2)
		if len(nbrs) < minPts {
			assignments[i] = Outlier
			continue
		}

		cid := nextCluster
		nextCluster++
		assignments[i] = cid

		// Expand the cluster breadth-first over density-reachable points.
		queue := nbrs
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if assignments[j] == Outlier {
				assignments[j] = cid // border point
				continue
			}
			if assignments[j] != unvisited {
				continue
			}
			assignments[j] = cid

			jNbrs := regionQuery(points, j, eps2)
			if len(jNbrs) >= minPts {
				queue = append(queue, jNbrs...)
			}
		}
	}

	for i := range assignments {
		if assignments[i] == unvisited {
			assignments[i] = Outlier
		}
	}
	return assignments
}

// regionQuery returns the indices within eps of point i, i included.
func regionQuery(points []Point, i int, eps2 float64) []int {
	var nbrs []int
	for j := range points {
		if dist2(points[i], points[j]) <= eps2 {
			nbrs = append(nbrs, j)
		}
	}
	return nbrs
}

// mergeSmallClusters folds clusters below minSize into the nearest larger
// cluster by centroid distance, then renumbers cluster IDs sequentially in
// ascending original-ID order. Small clusters with no larger cluster to
// join are kept as-is rather than discarded.
func mergeSmallClusters(points []Point, assignments []int, minSize int) []int {
	sizes := make(map[int]int)
	for _, a := range assignments {
		if a != Outlier {
			sizes[a]++
		}
	}
	if len(sizes) == 0 {
		return assignments
	}

	centroids := make(map[int]Point)
	for id := range sizes {
		centroids[id] = centroidOf(points, assignments, id)
	}

	ids := make([]int, 0, len(sizes))
	for id := range sizes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	// Map each small cluster onto its nearest large cluster.
	remap := make(map[int]int, len(ids))
	for _, id := range ids {
		remap[id] = id
		if sizes[id] >= minSize {
			continue
		}

		best := -1
		bestDist := math.MaxFloat64
		for _, other := range ids {
			if other == id || sizes[other] < minSize {
				continue
			}
			d := dist2(centroids[id], centroids[other])
			if d < bestDist || (d == bestDist && other < best) {
				best = other
				bestDist = d
			}
		}
		if best >= 0 {
			remap[id] = best
		}
	}

	// Renumber surviving clusters 0..k-1 in ascending original order.
	final := make(map[int]int)
	next := 0
	for _, id := range ids {
		if remap[id] != id {
			continue
		}
		final[id] = next
		next++
	}

	out := make([]int, len(assignments))
	for i, a := range assignments {
		if a == Outlier {
			out[i] = Outlier
			continue
		}
		out[i] = final[remap[a]]
	}
	return out
}

func summarize(points []Point, assignments []int) []Summary {
	sizes := make(map[int]int)
	for _, a := range assignments {
		if a != Outlier {
			sizes[a]++
		}
	}

	ids := make([]int, 0, len(sizes))
	for id := range sizes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	clusters := make([]Summary, 0, len(ids))
	for _, id := range ids {
		clusters = append(clusters, Summary{
			ID:       id,
			Centroid: centroidOf(points, assignments, id),
			Size:     sizes[id],
		})
	}
	return clusters
}

// confidences scores each member by proximity to its cluster centroid
// relative to the farthest member: the centroid itself scores 1, the
// farthest member approaches 0. Outliers score 0.
func confidences(points []Point, assignments []int, clusters []Summary) []float64 {
	centroids := make(map[int]Point, len(clusters))
	maxDist := make(map[int]float64, len(clusters))
	for _, c := range clusters {
		centroids[c.ID] = c.Centroid
	}
	for i, a := range assignments {
		if a == Outlier {
			continue
		}
		d := math.Sqrt(dist2(points[i], centroids[a]))
		if d > maxDist[a] {
			maxDist[a] = d
		}
	}

	conf := make([]float64, len(points))
	for i, a := range assignments {
		if a == Outlier {
			continue
		}
		if maxDist[a] < 1e-12 {
			conf[i] = 1
			continue
		}
		d := math.Sqrt(dist2(points[i], centroids[a]))
		conf[i] = 1 - d/(maxDist[a]*(1+1e-9))
	}
	return conf
}

func centroidOf(points []Point, assignments []int, id int) Point {
	var c Point
	var n float64
	for i, a := range assignments {
		if a != id {
			continue
		}
		for k := 0; k < 3; k++ {
			c[k] += points[i][k]
		}
		n++
	}
	if n > 0 {
		for k := 0; k < 3; k++ {
			c[k] /= n
		}
	}
	return c
}

func dist2(a, b Point) float64 {
	var d float64
	for k := 0; k < 3; k++ {
		diff := a[k] - b[k]
		d += diff * diff
	}
	return d
}

func boundingDiagonal(points []Point) float64 {
	var lo, hi Point
	for k := 0; k < 3; k++ {
		lo[k] = math.MaxFloat64
		hi[k] = -math.MaxFloat64
	}
	for _, p := range points {
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], p[k])
			hi[k] = math.Max(hi[k], p[k])
		}
	}
	return math.Sqrt(dist2(lo, hi))
}
