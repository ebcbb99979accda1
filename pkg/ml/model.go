package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fenwicksec/siem/pkg/ml/forest"
)

// ArtifactConfig is config.json's shape, per §6's model-artifacts section.
type ArtifactConfig struct {
	TrainedAt          time.Time `json:"trained_at"`
	FeatureNames       []string  `json:"feature_names"`
	FeatureImportances []float64 `json:"feature_importances"`
	Contamination      float64   `json:"contamination"`
	NEstimators        int       `json:"n_estimators"`
}

// Scaler applies a per-feature (v-mean)/std transform.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Transform scales v in place-equivalent fashion, returning a new slice.
func (s Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		std := 1.0
		if i < len(s.Std) && s.Std[i] != 0 {
			std = s.Std[i]
		}
		mean := 0.0
		if i < len(s.Mean) {
			mean = s.Mean[i]
		}
		out[i] = (v[i] - mean) / std
	}
	return out
}

// Model is one loaded, validated artifact set: forest + scaler + config.
// Hot-reload swaps a *Model atomically via atomic.Pointer, so a tick
// never observes a mix of old and new artifacts (Testable Property 6).
type Model struct {
	Forest *forest.Forest
	Scaler Scaler
	Config ArtifactConfig
	Hash   string
}

// LoadModel reads model.bin, scaler.bin, and config.json from dir
// (despite the .bin extension, both are JSON — see DESIGN.md) and
// validates feature_names against the server's built-in feature order.
func LoadModel(dir string) (*Model, error) {
	modelBytes, err := os.ReadFile(filepath.Join(dir, "model.bin"))
	if err != nil {
		return nil, fmt.Errorf("reading model.bin: %w", err)
	}
	scalerBytes, err := os.ReadFile(filepath.Join(dir, "scaler.bin"))
	if err != nil {
		return nil, fmt.Errorf("reading scaler.bin: %w", err)
	}
	configBytes, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}

	var f forest.Forest
	if err := json.Unmarshal(modelBytes, &f); err != nil {
		return nil, fmt.Errorf("parsing model.bin: %w", err)
	}
	var scaler Scaler
	if err := json.Unmarshal(scalerBytes, &scaler); err != nil {
		return nil, fmt.Errorf("parsing scaler.bin: %w", err)
	}
	var cfg ArtifactConfig
	if err := json.Unmarshal(configBytes, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}

	if err := validateFeatureNames(cfg.FeatureNames); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(append(append(modelBytes, scalerBytes...), configBytes...))

	return &Model{
		Forest: &f,
		Scaler: scaler,
		Config: cfg,
		Hash:   hex.EncodeToString(sum[:]),
	}, nil
}

func validateFeatureNames(names []string) error {
	if len(names) != len(FeatureNames) {
		return fmt.Errorf("model feature_names has %d entries, want %d", len(names), len(FeatureNames))
	}
	for i, n := range names {
		if n != FeatureNames[i] {
			return fmt.Errorf("model feature_names[%d] = %q, want %q", i, n, FeatureNames[i])
		}
	}
	return nil
}
