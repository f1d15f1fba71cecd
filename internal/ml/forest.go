package ml

import "math"

// treeNode is one node of an exported decision tree. Leaves carry
// Feature == -1 and a per-class value vector.
type treeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// decisionTree is a single exported classification tree.
type decisionTree struct {
	Nodes []treeNode `json:"nodes"`
}

// classDistribution walks the tree for x and returns the normalized class
// distribution at the reached leaf.
func (t *decisionTree) classDistribution(x []float64) []float64 {
	idx := 0
	for {
		if idx < 0 || idx >= len(t.Nodes) {
			return nil
		}
		node := t.Nodes[idx]
		if node.Feature < 0 {
			return normalize(node.Value)
		}
		if node.Feature >= len(x) {
			return nil
		}
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
}

func normalize(values []float64) []float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	if total == 0 {
		return values
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / total
	}
	return out
}

// randomForest averages class distributions over its trees.
type randomForest struct {
	Trees   []decisionTree `json:"trees"`
	Classes int            `json:"n_classes"`
}

// predictProba returns the averaged class probability vector for x.
func (f *randomForest) predictProba(x []float64) []float64 {
	if len(f.Trees) == 0 {
		return nil
	}
	probs := make([]float64, f.Classes)
	counted := 0
	for i := range f.Trees {
		dist := f.Trees[i].classDistribution(x)
		if len(dist) != f.Classes {
			continue
		}
		for j, p := range dist {
			probs[j] += p
		}
		counted++
	}
	if counted == 0 {
		return nil
	}
	for j := range probs {
		probs[j] /= float64(counted)
	}
	return probs
}

// predict returns the index of the most probable class.
func (f *randomForest) predict(x []float64) int {
	probs := f.predictProba(x)
	if len(probs) == 0 {
		return 0
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}

// isoNode is one node of an exported isolation tree. External nodes carry
// Feature == -1 and the number of training samples that reached them.
type isoNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size,omitempty"`
}

type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

// pathLength returns the adjusted path length of x through the tree.
func (t *isoTree) pathLength(x []float64) float64 {
	idx := 0
	depth := 0.0
	for {
		if idx < 0 || idx >= len(t.Nodes) {
			return depth
		}
		node := t.Nodes[idx]
		if node.Feature < 0 {
			return depth + averagePathLength(node.Size)
		}
		if node.Feature >= len(x) {
			return depth
		}
		depth++
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
}

// isolationForest scores points by how quickly random partitions isolate
// them. Lower decision values mean more anomalous.
type isolationForest struct {
	Trees      []isoTree `json:"trees"`
	SampleSize int       `json:"max_samples"`
	Offset     float64   `json:"offset"`
}

// anomalyScore returns the standard isolation score in (0, 1], where values
// near 1 indicate isolation after very few splits.
func (f *isolationForest) anomalyScore(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	avg := total / float64(len(f.Trees))
	return math.Pow(2, -avg/averagePathLength(f.SampleSize))
}

// decisionFunction mirrors the trained model's decision scores: the negated
// anomaly score shifted by the fitted offset, so negative values flag
// anomalies.
func (f *isolationForest) decisionFunction(x []float64) float64 {
	return -f.anomalyScore(x) - f.Offset
}

const eulerMascheroni = 0.5772156649015329

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree over n samples.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}
