package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlewatch/internal/autoencoder"
	"candlewatch/models"
)

// stubScorer returns canned reconstructions with a fixed threshold.
type stubScorer struct {
	recon      [][]float64
	threshold  float64
	calibrated bool
}

func (s *stubScorer) Predict(matrix [][]float64) ([][]float64, error) {
	if len(matrix) == 0 {
		return nil, autoencoder.ErrEmptyMatrix
	}
	return s.recon, nil
}

func (s *stubScorer) Threshold() (float64, bool) {
	return s.threshold, s.calibrated
}

func zeroRow() []float64 { return make([]float64, models.FeatureCount) }

// rowWithDiffs builds a reconstruction row whose deviation from a zero input
// is exactly the given per-feature values.
func rowWithDiffs(diffs map[int]float64) []float64 {
	row := zeroRow()
	for f, d := range diffs {
		row[f] = d
	}
	return row
}

func TestScoreRequiresCalibration(t *testing.T) {
	model := &stubScorer{calibrated: false}
	_, err := NewClassifier().Score(model, [][]float64{zeroRow()}, nil)
	require.ErrorIs(t, err, autoencoder.ErrNotCalibrated)
}

func TestScoreMetadataLengthMismatch(t *testing.T) {
	model := &stubScorer{threshold: 1, calibrated: true, recon: [][]float64{zeroRow()}}
	_, err := NewClassifier().Score(model, [][]float64{zeroRow()}, []map[string]any{{}, {}})
	require.ErrorIs(t, err, ErrMetadataLength)
}

func TestSeverityBoundaries(t *testing.T) {
	// Diffs 2, 0.5, 0.5 give an exactly representable error:
	// (4 + 0.25 + 0.25) / 12 = 0.375.
	boundaryRecon := rowWithDiffs(map[int]float64{2: 2, 3: 0.5, 4: 0.5})

	t.Run("error equal to threshold is warning", func(t *testing.T) {
		model := &stubScorer{threshold: 0.375, calibrated: true, recon: [][]float64{boundaryRecon}}
		report, err := NewClassifier().Score(model, [][]float64{zeroRow()}, nil)
		require.NoError(t, err)
		assert.Equal(t, models.SeverityWarning, report.Anomalies[0].Severity)
	})

	t.Run("error equal to critical threshold is critical", func(t *testing.T) {
		// 0.25 * 1.5 == 0.375 exactly.
		c := NewClassifier()
		c.CriticalMultiplier = 1.5
		model := &stubScorer{threshold: 0.25, calibrated: true, recon: [][]float64{boundaryRecon}}
		report, err := c.Score(model, [][]float64{zeroRow()}, nil)
		require.NoError(t, err)
		assert.Equal(t, models.SeverityCritical, report.Anomalies[0].Severity)
	})

	t.Run("error below threshold is normal", func(t *testing.T) {
		model := &stubScorer{threshold: 0.5, calibrated: true, recon: [][]float64{boundaryRecon}}
		report, err := NewClassifier().Score(model, [][]float64{zeroRow()}, nil)
		require.NoError(t, err)
		assert.Equal(t, models.SeverityNormal, report.Anomalies[0].Severity)
	})
}

func TestContributionsAreUnsortedAndNamed(t *testing.T) {
	recon := rowWithDiffs(map[int]float64{models.IdxPriceChange: 0.2, models.IdxRSI: 0.7})
	model := &stubScorer{threshold: 10, calibrated: true, recon: [][]float64{recon}}

	report, err := NewClassifier().Score(model, [][]float64{zeroRow()}, nil)
	require.NoError(t, err)

	contributions := report.Anomalies[0].Contributions
	require.Len(t, contributions, models.FeatureCount)
	for f, fc := range contributions {
		assert.Equal(t, models.FeatureNames[f], fc.Feature)
	}
	// Feature order preserved even though RSI dominates.
	assert.InDelta(t, 0.2, contributions[models.IdxPriceChange].Value, 1e-12)
	assert.InDelta(t, 0.7, contributions[models.IdxRSI].Value, 1e-12)
}

func TestMajorEventHeuristic(t *testing.T) {
	tests := []struct {
		name      string
		diffs     map[int]float64
		threshold float64
		want      bool
	}{
		{
			name:      "broad deviation across three features",
			diffs:     map[int]float64{6: 0.4, 7: 0.4, 8: 0.4},
			threshold: 0.001,
			want:      true,
		},
		{
			name:      "price change with volume spike",
			diffs:     map[int]float64{models.IdxPriceChange: 0.45, models.IdxVolumeSpike: 0.25},
			threshold: 0.001,
			want:      true,
		},
		{
			name:      "acceleration with volume deviation",
			diffs:     map[int]float64{models.IdxPriceAcceleration: 0.35, models.IdxVolume: 0.25},
			threshold: 0.001,
			want:      true,
		},
		{
			name:      "large error but narrow deviation",
			diffs:     map[int]float64{models.IdxRSI: 0.9},
			threshold: 0.001,
			want:      false,
		},
		{
			name:      "matching pattern but modest error",
			diffs:     map[int]float64{6: 0.4, 7: 0.4, 8: 0.4},
			threshold: 10,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &stubScorer{
				threshold:  tt.threshold,
				calibrated: true,
				recon:      [][]float64{rowWithDiffs(tt.diffs)},
			}
			report, err := NewClassifier().Score(model, [][]float64{zeroRow()}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Anomalies[0].IsMajorEvent)
		})
	}
}

func TestScoreSortsByErrorWithStableTies(t *testing.T) {
	small := rowWithDiffs(map[int]float64{0: 0.1})
	big := rowWithDiffs(map[int]float64{0: 0.9})

	model := &stubScorer{
		threshold:  100,
		calibrated: true,
		recon:      [][]float64{small, big, small, big},
	}
	matrix := [][]float64{zeroRow(), zeroRow(), zeroRow(), zeroRow()}

	report, err := NewClassifier().Score(model, matrix, nil)
	require.NoError(t, err)

	indexes := make([]int, len(report.Anomalies))
	for i, rec := range report.Anomalies {
		indexes[i] = rec.Index
	}
	assert.Equal(t, []int{1, 3, 0, 2}, indexes)
}

func TestScoreAggregates(t *testing.T) {
	normal := rowWithDiffs(map[int]float64{0: 0.1})   // e ~ 0.00083
	warning := rowWithDiffs(map[int]float64{0: 1.2})  // e = 0.12
	critical := rowWithDiffs(map[int]float64{0: 2.0}) // e ~ 0.333

	model := &stubScorer{
		threshold:  0.1,
		calibrated: true,
		recon:      [][]float64{normal, warning, critical, normal},
	}
	matrix := [][]float64{zeroRow(), zeroRow(), zeroRow(), zeroRow()}
	metadata := []map[string]any{
		{"time": "a"}, {"time": "b"}, {"time": "c"}, {"time": "d"},
	}

	report, err := NewClassifier().Score(model, matrix, metadata)
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalSamples)
	assert.Equal(t, 0.1, report.Threshold)
	assert.Equal(t, 2, report.SeverityLevels[models.SeverityNormal])
	assert.Equal(t, 1, report.SeverityLevels[models.SeverityWarning])
	assert.Equal(t, 1, report.SeverityLevels[models.SeverityCritical])
	assert.InDelta(t, 0.5, report.AnomalyRate, 1e-12)

	// Metadata follows each record through the sort.
	for _, rec := range report.Anomalies {
		assert.Equal(t, metadata[rec.Index]["time"], rec.Metadata["time"])
	}
}
