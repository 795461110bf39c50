// Package threshold derives an anomaly-error threshold from a trained
// model's behavior on its own training set.
package threshold

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Calibratable is the slice of a trained model the engine needs: its
// reconstruction errors and a place to record the derived threshold.
type Calibratable interface {
	ReconstructionErrors(matrix [][]float64) ([]float64, error)
	SetThreshold(v float64)
}

// Engine derives the threshold as the minimum of two estimators: the error
// mean plus Sigma standard deviations, and the Percentile of the sorted
// error distribution.
type Engine struct {
	Sigma      float64 // multiplier on the error standard deviation
	Percentile float64 // percentile of the sorted error distribution
	logger     zerolog.Logger
}

// NewEngine returns an engine with the default 1.5-sigma / 95th-percentile
// estimators.
func NewEngine() *Engine {
	return &Engine{
		Sigma:      1.5,
		Percentile: 0.95,
		logger:     log.With().Str("component", "threshold").Logger(),
	}
}

// Calibrate computes the anomaly threshold from the model's reconstruction
// errors over the training matrix and records it on the model.
func (e *Engine) Calibrate(model Calibratable, train [][]float64) (float64, error) {
	errs, err := model.ReconstructionErrors(train)
	if err != nil {
		return 0, fmt.Errorf("calibrating threshold: %w", err)
	}

	mean, std := moments(errs)
	statistical := mean + e.Sigma*std

	sorted := append([]float64(nil), errs...)
	sort.Float64s(sorted)
	idx := int(math.Floor(e.Percentile * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	percentile := sorted[idx]

	threshold := math.Min(statistical, percentile)
	model.SetThreshold(threshold)

	e.logger.Info().
		Float64("statistical", statistical).
		Float64("percentile", percentile).
		Float64("threshold", threshold).
		Int("samples", len(errs)).
		Msg("threshold calibrated")
	return threshold, nil
}

// moments returns the sample mean and population standard deviation.
func moments(values []float64) (mean, std float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	std = math.Sqrt(variance / float64(len(values)))
	return mean, std
}
