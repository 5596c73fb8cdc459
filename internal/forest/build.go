package forest

import (
	"fmt"

	"github.com/xweirdfor/xweirdfor/internal/features"
)

// Personality is one member configuration of a fixture ensemble.
type Personality struct {
	Name        string
	Params      Params
	Calibration string
}

// Personalities returns the four standard member configurations, each
// seeded from seed so fixtures stay reproducible.
func Personalities(seed int64) []Personality {
	return []Personality{
		{Name: "conservative", Params: Params{Trees: 100, SubSampleSize: 256, Seed: seed}, Calibration: CalibrationMinMax},
		{Name: "balanced", Params: Params{Trees: 150, SubSampleSize: 256, Seed: seed + 1}, Calibration: CalibrationSigmoid},
		{Name: "aggressive", Params: Params{Trees: 200, SubSampleSize: 128, Seed: seed + 2}, Calibration: CalibrationSigmoid},
		{Name: "subsampled", Params: Params{Trees: 100, SubSampleSize: 64, Seed: seed + 3}, Calibration: CalibrationMinMax},
	}
}

// Build fits one member per personality on vectors and packs them with
// the feature baseline into a validated artifact.
func Build(vectors []features.Vector, personalities []Personality) (*Artifact, error) {
	if len(personalities) == 0 {
		return nil, ErrNoMembers
	}
	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != features.Dim {
			return nil, fmt.Errorf("%w: row %d has %d slots", ErrDimension, i, len(v))
		}
		rows[i] = v
	}

	a := &Artifact{
		Format:       Format,
		Version:      Version,
		FeatureDim:   features.Dim,
		FeatureNames: features.Names(),
		Baseline:     features.FitBaseline(vectors),
	}
	for _, p := range personalities {
		f, err := Fit(rows, p.Params)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", p.Name, err)
		}
		raw := make([]float64, len(rows))
		for i, row := range rows {
			raw[i] = f.Score(row)
		}
		cal, err := FitCalibration(p.Calibration, raw)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", p.Name, err)
		}
		a.Members = append(a.Members, Member{Name: p.Name, Kind: KindIsolationForest, Calibration: cal, Forest: *f})
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
