// Package classify scores feature matrices against a trained, calibrated
// autoencoder and assigns severity tiers with per-feature attribution.
package classify

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"candlewatch/internal/autoencoder"
	"candlewatch/models"
)

// ErrMetadataLength is returned when the optional metadata slice does not
// align with the scored matrix.
var ErrMetadataLength = errors.New("classify: metadata length does not match matrix rows")

// Scorer is the slice of a trained, calibrated model the classifier needs.
type Scorer interface {
	Predict(matrix [][]float64) ([][]float64, error)
	Threshold() (float64, bool)
}

// Major-event heuristic constants: thresholds on per-feature contributions
// that match known crash/spike signatures.
const (
	majorErrorFactor    = 2.0
	broadContribCutoff  = 0.3
	broadContribMin     = 3
	priceChangeCutoff   = 0.4
	volumeSpikeCutoff   = 0.2
	accelerationCutoff  = 0.3
	volumeContribCutoff = 0.2
)

// Classifier assigns severities relative to a calibrated threshold.
type Classifier struct {
	WarningMultiplier  float64
	CriticalMultiplier float64
	logger             zerolog.Logger
}

// NewClassifier returns a classifier with the default 1.0x warning and 1.2x
// critical multipliers.
func NewClassifier() *Classifier {
	return &Classifier{
		WarningMultiplier:  1.0,
		CriticalMultiplier: 1.2,
		logger:             log.With().Str("component", "classifier").Logger(),
	}
}

// Score classifies every row of the matrix. metadata, when non-nil, must be
// index-aligned with the matrix and is passed through opaquely to the
// records. The model must be trained and calibrated. Returned records are
// sorted by descending reconstruction error, ties by original index.
func (c *Classifier) Score(model Scorer, matrix [][]float64, metadata []map[string]any) (*models.ScoreReport, error) {
	threshold, ok := model.Threshold()
	if !ok {
		return nil, autoencoder.ErrNotCalibrated
	}
	if metadata != nil && len(metadata) != len(matrix) {
		return nil, fmt.Errorf("%w: %d metadata rows for %d samples", ErrMetadataLength, len(metadata), len(matrix))
	}

	recon, err := model.Predict(matrix)
	if err != nil {
		return nil, fmt.Errorf("scoring matrix: %w", err)
	}

	warningAt := threshold * c.WarningMultiplier
	criticalAt := threshold * c.CriticalMultiplier

	records := make([]models.AnomalyRecord, len(matrix))
	counts := map[models.Severity]int{
		models.SeverityNormal:   0,
		models.SeverityWarning:  0,
		models.SeverityCritical: 0,
	}

	for i, row := range matrix {
		e := autoencoder.MeanSquaredError(row, recon[i])

		severity := models.SeverityNormal
		switch {
		case e >= criticalAt:
			severity = models.SeverityCritical
		case e >= warningAt:
			severity = models.SeverityWarning
		}
		counts[severity]++

		contributions := make([]models.FeatureContribution, len(row))
		for f := range row {
			name := ""
			if f < models.FeatureCount {
				name = models.FeatureNames[f]
			}
			contributions[f] = models.FeatureContribution{
				Feature: name,
				Value:   math.Abs(row[f] - recon[i][f]),
			}
		}

		rec := models.AnomalyRecord{
			Index:               i,
			ReconstructionError: e,
			Severity:            severity,
			Contributions:       contributions,
			IsMajorEvent:        isMajorEvent(e, threshold, contributions),
		}
		if metadata != nil {
			rec.Metadata = metadata[i]
		}
		records[i] = rec
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReconstructionError > records[j].ReconstructionError
	})

	warnings := counts[models.SeverityWarning] + counts[models.SeverityCritical]
	report := &models.ScoreReport{
		Anomalies:      records,
		SeverityLevels: counts,
		Threshold:      threshold,
		TotalSamples:   len(matrix),
		AnomalyRate:    float64(warnings) / float64(len(matrix)),
	}

	c.logger.Info().
		Int("samples", report.TotalSamples).
		Int("warning", counts[models.SeverityWarning]).
		Int("critical", counts[models.SeverityCritical]).
		Float64("anomaly_rate", report.AnomalyRate).
		Msg("matrix scored")
	return report, nil
}

// isMajorEvent flags reconstruction errors whose contribution pattern
// matches crash/spike signatures: a large error combined with either broad
// feature deviation or one of two known feature pairings.
func isMajorEvent(e, threshold float64, contributions []models.FeatureContribution) bool {
	if e <= majorErrorFactor*threshold {
		return false
	}

	broad := 0
	for _, fc := range contributions {
		if fc.Value > broadContribCutoff {
			broad++
		}
	}
	if broad >= broadContribMin {
		return true
	}

	if len(contributions) != models.FeatureCount {
		return false
	}
	priceAndSpike := contributions[models.IdxPriceChange].Value > priceChangeCutoff &&
		contributions[models.IdxVolumeSpike].Value > volumeSpikeCutoff
	accelAndVolume := contributions[models.IdxPriceAcceleration].Value > accelerationCutoff &&
		contributions[models.IdxVolume].Value > volumeContribCutoff
	return priceAndSpike || accelAndVolume
}
