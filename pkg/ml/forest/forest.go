// Package forest implements a pure-Go isolation-forest scorer: it
// deserializes a tree structure produced by an external training
// workflow and computes the standard path-length anomaly score. No
// inference library in the example corpus offers this, so the model is
// evaluated directly against its JSON representation instead.
package forest

import "math"

// Node is one node of an isolation tree. Leaf nodes have Feature < 0;
// internal nodes split on Feature < Threshold going Left, else Right.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      *Node   `json:"left,omitempty"`
	Right     *Node   `json:"right,omitempty"`
	Size      int     `json:"size"` // training-set points reaching this node (leaves only)
}

// Tree is a single isolation tree.
type Tree struct {
	Root *Node `json:"root"`
}

// Forest is the deserialized model artifact: an ensemble of isolation
// trees plus the subsample size used at training time (needed to
// normalize path lengths).
type Forest struct {
	Trees          []Tree `json:"trees"`
	SubsampleSize  int    `json:"subsample_size"`
	cachedNormFact float64
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n points — the standard
// isolation-forest normalization constant.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*harmonic(n-1) - (2 * float64(n-1) / float64(n))
}

func harmonic(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649 // Euler-Mascheroni constant
}

// Score returns the isolation-forest anomaly score for v: the more
// negative, the more anomalous, matching the "score_samples" convention
// (score = -2^(-avg_path_length / c(n)), range [-1, 0)).
func (f *Forest) Score(v []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	if f.cachedNormFact == 0 {
		n := f.SubsampleSize
		if n <= 1 {
			n = 256
		}
		f.cachedNormFact = averagePathLength(n)
	}

	var total float64
	for _, t := range f.Trees {
		total += pathLength(t.Root, v, 0)
	}
	avg := total / float64(len(f.Trees))

	if f.cachedNormFact == 0 {
		return 0
	}
	return -math.Pow(2, -avg/f.cachedNormFact)
}

func pathLength(n *Node, v []float64, depth int) float64 {
	if n == nil {
		return float64(depth)
	}
	if n.Left == nil && n.Right == nil {
		return float64(depth) + averagePathLength(n.Size)
	}
	if n.Feature < 0 || n.Feature >= len(v) {
		return float64(depth)
	}
	if v[n.Feature] < n.Threshold {
		return pathLength(n.Left, v, depth+1)
	}
	return pathLength(n.Right, v, depth+1)
}
