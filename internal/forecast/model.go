package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// artifact is the on-disk format of a linear demand model.
type artifact struct {
	Version      string             `json:"version"`
	Features     []string           `json:"features"`
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
	// MissingDefaults replaces NaN inputs, per feature.
	MissingDefaults map[string]float64 `json:"missing_defaults"`
}

// FileModel is a linear model loaded once from a JSON artifact. It is safe for
// concurrent use; nothing mutates it after loading.
type FileModel struct {
	version   string
	features  []string
	intercept float64
	coef      []float64
	missing   []float64
}

// LoadFileModel reads the model artifact at path. When featuresPath is set, the
// JSON array stored there overrides the artifact's feature order.
func LoadFileModel(path, featuresPath string) (*FileModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model: %v", ErrPredictorUnavailable, err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decode model %s: %v", ErrPredictorUnavailable, path, err)
	}

	if featuresPath != "" {
		names, err := LoadFeatureList(featuresPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPredictorUnavailable, err)
		}
		a.Features = names
	}

	return newFileModel(a)
}

func newFileModel(a artifact) (*FileModel, error) {
	if len(a.Features) == 0 {
		return nil, fmt.Errorf("%w: model declares no features", ErrPredictorUnavailable)
	}
	m := &FileModel{
		version:   a.Version,
		features:  a.Features,
		intercept: a.Intercept,
		coef:      make([]float64, len(a.Features)),
		missing:   make([]float64, len(a.Features)),
	}
	for i, name := range a.Features {
		c, ok := a.Coefficients[name]
		if !ok {
			return nil, fmt.Errorf("%w: no coefficient for feature %q", ErrPredictorUnavailable, name)
		}
		m.coef[i] = c
		m.missing[i] = a.MissingDefaults[name]
	}
	return m, nil
}

func (m *FileModel) Features() []string { return m.features }

func (m *FileModel) Version() string { return m.version }

func (m *FileModel) Predict(_ context.Context, X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.coef) {
			return nil, fmt.Errorf("row %d has %d columns, model expects %d", i, len(row), len(m.coef))
		}
		y := m.intercept
		for j, v := range row {
			if math.IsNaN(v) {
				v = m.missing[j]
			}
			y += m.coef[j] * v
		}
		out[i] = y
	}
	return out, nil
}

var _ Predictor = (*FileModel)(nil)
