package mlmodel

import (
	"context"

	"github.com/rotisserie/eris"
)

// ForestParams is an ensemble of binary decision trees.
type ForestParams struct {
	Trees []Tree `json:"trees"`
}

// Tree is a flattened decision tree; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split or a leaf. Leaves have Left and Right set to -1. Value is the
// positive-class share of training samples reaching the node.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

func (n Node) leaf() bool {
	return n.Left < 0 && n.Right < 0
}

// Forest is a random-forest classifier. Attributions use path decomposition:
// every split credits its feature with the change in node value, averaged
// over trees, so attributions plus the mean root value equal the probability.
type Forest struct {
	columns []string
	trees   []Tree
}

func newForest(columns []string, p ForestParams) (*Forest, error) {
	if len(p.Trees) == 0 {
		return nil, eris.New("mlmodel: forest has no trees")
	}
	for ti, t := range p.Trees {
		if len(t.Nodes) == 0 {
			return nil, eris.Errorf("mlmodel: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Value < 0 || n.Value > 1 {
				return nil, eris.Errorf("mlmodel: tree %d node %d value %v outside [0,1]", ti, ni, n.Value)
			}
			if n.leaf() {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(columns) {
				return nil, eris.Errorf("mlmodel: tree %d node %d splits on unknown feature %d", ti, ni, n.Feature)
			}
			// Children must come after their parent so traversal terminates.
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, eris.Errorf("mlmodel: tree %d node %d has invalid children", ti, ni)
			}
		}
	}
	return &Forest{columns: columns, trees: p.Trees}, nil
}

// NewForest builds a forest directly from parameters.
func NewForest(columns []string, p ForestParams) (*Forest, error) {
	return newForest(columns, p)
}

// PredictProba implements Model.
func (m *Forest) PredictProba(_ context.Context, features map[string]float64) (float64, error) {
	x := vectorOf(m.columns, features)
	var sum float64
	for _, t := range m.trees {
		sum += t.Nodes[m.leafIndex(t, x)].Value
	}
	return sum / float64(len(m.trees)), nil
}

// FeatureAttributions implements Model. Features never split on are omitted.
func (m *Forest) FeatureAttributions(_ context.Context, features map[string]float64) (map[string]float64, error) {
	x := vectorOf(m.columns, features)
	out := make(map[string]float64)
	n := float64(len(m.trees))
	for _, t := range m.trees {
		i := 0
		for !t.Nodes[i].leaf() {
			node := t.Nodes[i]
			next := m.step(node, x)
			out[m.columns[node.Feature]] += (t.Nodes[next].Value - node.Value) / n
			i = next
		}
	}
	return out, nil
}

// FeatureColumns implements Model.
func (m *Forest) FeatureColumns() []string {
	return m.columns
}

// Baseline is the mean root value, the prediction with no information.
func (m *Forest) Baseline() float64 {
	var sum float64
	for _, t := range m.trees {
		sum += t.Nodes[0].Value
	}
	return sum / float64(len(m.trees))
}

func (m *Forest) leafIndex(t Tree, x []float64) int {
	i := 0
	for !t.Nodes[i].leaf() {
		i = m.step(t.Nodes[i], x)
	}
	return i
}

func (m *Forest) step(n Node, x []float64) int {
	if x[n.Feature] <= n.Threshold {
		return n.Left
	}
	return n.Right
}
