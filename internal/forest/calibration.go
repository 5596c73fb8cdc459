package forest

import (
	"fmt"
	"math"
	"sort"
)

const (
	CalibrationNone    = "none"
	CalibrationSigmoid = "sigmoid"
	CalibrationMinMax  = "minmax"
)

// Calibration maps a member's raw score onto [0, 1] so members with
// different score ranges can be aggregated.
type Calibration struct {
	Method string  `json:"method"`
	Center float64 `json:"center,omitempty"`
	Scale  float64 `json:"scale,omitempty"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
}

func (c Calibration) Validate() error {
	switch c.Method {
	case "", CalibrationNone:
		return nil
	case CalibrationSigmoid:
		if !(c.Scale > 0) || math.IsInf(c.Scale, 0) || math.IsNaN(c.Center) || math.IsInf(c.Center, 0) {
			return fmt.Errorf("sigmoid calibration needs finite center and scale > 0")
		}
		return nil
	case CalibrationMinMax:
		if math.IsNaN(c.Min) || math.IsNaN(c.Max) || math.IsInf(c.Min, 0) || math.IsInf(c.Max, 0) || !(c.Max > c.Min) {
			return fmt.Errorf("minmax calibration needs finite min < max")
		}
		return nil
	default:
		return fmt.Errorf("unknown calibration method %q", c.Method)
	}
}

// Normalize maps raw onto [0, 1].
func (c Calibration) Normalize(raw float64) float64 {
	var out float64
	switch c.Method {
	case CalibrationSigmoid:
		out = 1 / (1 + math.Exp(-(raw-c.Center)/c.Scale))
	case CalibrationMinMax:
		out = (raw - c.Min) / (c.Max - c.Min)
	default:
		out = raw
	}
	switch {
	case math.IsNaN(out), out < 0:
		return 0
	case out > 1:
		return 1
	}
	return out
}

// FitCalibration derives calibration parameters from reference raw
// scores: the median and standard deviation for sigmoid, the range for
// minmax.
func FitCalibration(method string, raw []float64) (Calibration, error) {
	if len(raw) == 0 {
		return Calibration{}, fmt.Errorf("no reference scores")
	}
	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)

	switch method {
	case "", CalibrationNone:
		return Calibration{Method: CalibrationNone}, nil
	case CalibrationMinMax:
		c := Calibration{Method: CalibrationMinMax, Min: sorted[0], Max: sorted[len(sorted)-1]}
		if c.Max <= c.Min {
			c.Max = c.Min + 1e-6
		}
		return c, nil
	case CalibrationSigmoid:
		var mean float64
		for _, x := range sorted {
			mean += x
		}
		mean /= float64(len(sorted))
		var sq float64
		for _, x := range sorted {
			sq += (x - mean) * (x - mean)
		}
		scale := math.Sqrt(sq / float64(len(sorted)))
		if scale < 1e-6 {
			scale = 1e-6
		}
		return Calibration{Method: CalibrationSigmoid, Center: median(sorted), Scale: scale}, nil
	default:
		return Calibration{}, fmt.Errorf("unknown calibration method %q", method)
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
