package forest

import "testing"

func TestScore_LeafImmediate(t *testing.T) {
	f := &Forest{
		SubsampleSize: 256,
		Trees: []Tree{
			{Root: &Node{Feature: -1, Size: 1}},
		},
	}
	score := f.Score([]float64{1, 2, 3})
	if score >= 0 {
		t.Errorf("a point isolated at depth 0 should score very negative, got %v", score)
	}
}

func TestScore_DeeperPathLessAnomalous(t *testing.T) {
	shallow := &Forest{
		SubsampleSize: 256,
		Trees:         []Tree{{Root: &Node{Feature: -1, Size: 1}}},
	}
	deep := &Forest{
		SubsampleSize: 256,
		Trees: []Tree{{Root: &Node{
			Feature: 0, Threshold: 0.5,
			Left:  &Node{Feature: -1, Size: 1},
			Right: &Node{Feature: -1, Size: 256},
		}}},
	}

	shallowScore := shallow.Score([]float64{1})
	deepScore := deep.Score([]float64{1})
	if deepScore <= shallowScore {
		t.Errorf("a longer path should be less anomalous (less negative): deep=%v shallow=%v", deepScore, shallowScore)
	}
}

func TestScore_CrossesHighSeverityThreshold(t *testing.T) {
	// A point isolated immediately (path length ~0) must be able to
	// produce a score below the high-severity threshold (-0.6); the
	// sklearn decision_function offset (0.5 - ...) caps the minimum at
	// -0.5 and can never do this.
	f := &Forest{
		SubsampleSize: 256,
		Trees: []Tree{
			{Root: &Node{Feature: -1, Size: 1}},
		},
	}
	score := f.Score([]float64{1, 2, 3})
	if score >= -0.6 {
		t.Errorf("score = %v, want < -0.6 for an immediately isolated point", score)
	}
}

func TestAveragePathLength_SingleAndZero(t *testing.T) {
	if got := averagePathLength(0); got != 0 {
		t.Errorf("averagePathLength(0) = %v, want 0", got)
	}
	if got := averagePathLength(1); got != 0 {
		t.Errorf("averagePathLength(1) = %v, want 0", got)
	}
}
