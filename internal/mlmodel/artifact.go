package mlmodel

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

// SupportedFormats is the artifact format range this build can read.
const SupportedFormats = "^1.0.0"

// Artifact kinds.
const (
	KindLogistic = "logistic"
	KindForest   = "forest"
)

// Artifact is the serialized form of a trained model.
type Artifact struct {
	FormatVersion  string             `json:"format_version"`
	Kind           string             `json:"kind"`
	Name           string             `json:"name"`
	TrainedAt      time.Time          `json:"trained_at"`
	FeatureColumns []string           `json:"feature_columns"`
	Logistic       *LogisticParams    `json:"logistic,omitempty"`
	Forest         *ForestParams      `json:"forest,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// FileLoader reads a JSON artifact from disk.
type FileLoader struct {
	Path string
}

// Load reads and parses the artifact at l.Path.
func (l *FileLoader) Load(_ context.Context) (Model, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, loadErr(l.Path, eris.Wrap(err, "mlmodel: read artifact"))
	}
	m, err := ParseArtifact(data)
	if err != nil {
		return nil, loadErr(l.Path, err)
	}
	return m, nil
}

// ParseArtifact decodes and validates an artifact and builds its Model.
func ParseArtifact(data []byte) (Model, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, eris.Wrap(err, "mlmodel: decode artifact")
	}
	if err := CheckFormat(a.FormatVersion); err != nil {
		return nil, err
	}
	if len(a.FeatureColumns) == 0 {
		return nil, eris.New("mlmodel: artifact has no feature columns")
	}

	switch a.Kind {
	case KindLogistic:
		if a.Logistic == nil {
			return nil, eris.New("mlmodel: logistic artifact missing parameters")
		}
		m, err := newLogistic(a.FeatureColumns, *a.Logistic)
		if err != nil {
			return nil, err
		}
		return m, nil
	case KindForest:
		if a.Forest == nil {
			return nil, eris.New("mlmodel: forest artifact missing trees")
		}
		m, err := newForest(a.FeatureColumns, *a.Forest)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, eris.Errorf("mlmodel: unknown artifact kind %q", a.Kind)
	}
}

// CheckFormat reports whether an artifact format version is readable.
func CheckFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return eris.Wrapf(err, "mlmodel: invalid format version %q", version)
	}
	c, err := semver.NewConstraint(SupportedFormats)
	if err != nil {
		return eris.Wrap(err, "mlmodel: parse supported formats")
	}
	if !c.Check(v) {
		return eris.Errorf("mlmodel: format version %s not in supported range %s", v, SupportedFormats)
	}
	return nil
}
