package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlewatch/internal/autoencoder"
	"candlewatch/internal/classify"
	"candlewatch/internal/threshold"
	"candlewatch/models"
)

// fakeMember is a canned Member: Predict replays fixed reconstructions and
// ReconstructionErrors replays fixed calibration errors.
type fakeMember struct {
	recon      [][]float64
	calErrs    []float64
	threshold  float64
	calibrated bool

	trainCalls int
	epochsSeen int
}

func (f *fakeMember) Train(train, val [][]float64, epochs, batchSize int, onEpoch func(autoencoder.EpochResult)) ([]autoencoder.EpochResult, error) {
	f.trainCalls++
	f.epochsSeen = epochs
	history := make([]autoencoder.EpochResult, epochs)
	for i := range history {
		history[i] = autoencoder.EpochResult{Epoch: i + 1}
		if onEpoch != nil {
			onEpoch(history[i])
		}
	}
	return history, nil
}

func (f *fakeMember) ReconstructionErrors(matrix [][]float64) ([]float64, error) {
	return f.calErrs, nil
}

func (f *fakeMember) SetThreshold(v float64) {
	f.threshold = v
	f.calibrated = true
}

func (f *fakeMember) Predict(matrix [][]float64) ([][]float64, error) {
	return f.recon, nil
}

func (f *fakeMember) Threshold() (float64, bool) {
	return f.threshold, f.calibrated
}

// Severity is decided by the classifier from each member's reconstruction,
// so members express a vote through the size of a single-feature deviation.
// With threshold 0.25 and default multipliers: normal < 0.25, warning in
// [0.25, 0.3), critical >= 0.3.
const memberThreshold = 0.25

func diffFor(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return 2.0 // e = 4/12 ~ 0.333
	case models.SeverityWarning:
		return 1.8 // e = 3.24/12 = 0.27
	default:
		return 0.5 // e = 0.25/12 ~ 0.021
	}
}

func votingMember(rowSeverities []models.Severity) *fakeMember {
	recon := make([][]float64, len(rowSeverities))
	for i, s := range rowSeverities {
		row := make([]float64, models.FeatureCount)
		row[0] = diffFor(s)
		recon[i] = row
	}
	return &fakeMember{recon: recon, threshold: memberThreshold, calibrated: true}
}

func zeroMatrix(rows int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, models.FeatureCount)
	}
	return m
}

func newCoordinator(t *testing.T, members ...Member) *Coordinator {
	t.Helper()
	c, err := NewWithMembers(members, threshold.NewEngine(), classify.NewClassifier())
	require.NoError(t, err)
	return c
}

func TestNewRejectsEmptyMembers(t *testing.T) {
	_, err := NewWithMembers(nil, threshold.NewEngine(), classify.NewClassifier())
	assert.ErrorIs(t, err, ErrNoMembers)

	_, err = New(nil, threshold.NewEngine(), classify.NewClassifier())
	assert.ErrorIs(t, err, ErrNoMembers)
}

func TestDefaultMemberParamsStaggersSeeds(t *testing.T) {
	sets := DefaultMemberParams(7)
	require.Len(t, sets, 3)
	assert.Equal(t, int64(7), sets[0].Seed)
	assert.Equal(t, int64(8), sets[1].Seed)
	assert.Equal(t, int64(9), sets[2].Seed)
	assert.Greater(t, sets[1].DropoutRate, sets[0].DropoutRate)
	assert.Equal(t, 3, sets[2].LatentSize)
}

func TestScoreMajorityVote(t *testing.T) {
	const (
		n = models.SeverityNormal
		w = models.SeverityWarning
		x = models.SeverityCritical
	)

	// Columns are rows of the matrix, one severity per member per row.
	m0 := votingMember([]models.Severity{x, w, w, n})
	m1 := votingMember([]models.Severity{x, n, x, n})
	m2 := votingMember([]models.Severity{n, n, n, n})

	c := newCoordinator(t, m0, m1, m2)
	report, votes, err := c.Score(zeroMatrix(4), nil)
	require.NoError(t, err)
	require.Len(t, votes, 4)

	// Row 0: two critical votes meet the quorum of 2.
	assert.Equal(t, 2, votes[0].CriticalVotes)
	// Row 1: one warning vote is below quorum.
	assert.Equal(t, 1, votes[1].WarningVotes)
	// Row 2: warning and critical together meet the quorum.
	assert.Equal(t, 1, votes[2].WarningVotes)
	assert.Equal(t, 1, votes[2].CriticalVotes)

	bySeverity := make(map[int]models.Severity)
	for _, rec := range report.Anomalies {
		bySeverity[rec.Index] = rec.Severity
	}
	assert.Equal(t, x, bySeverity[0])
	assert.Equal(t, n, bySeverity[1])
	assert.Equal(t, w, bySeverity[2])
	assert.Equal(t, n, bySeverity[3])

	assert.Equal(t, 2, report.SeverityLevels[n])
	assert.Equal(t, 1, report.SeverityLevels[w])
	assert.Equal(t, 1, report.SeverityLevels[x])
	assert.InDelta(t, 0.5, report.AnomalyRate, 1e-12)
}

func TestScoreConfidenceIsTopVoteShare(t *testing.T) {
	m0 := votingMember([]models.Severity{models.SeverityCritical, models.SeverityNormal})
	m1 := votingMember([]models.Severity{models.SeverityCritical, models.SeverityNormal})
	m2 := votingMember([]models.Severity{models.SeverityNormal, models.SeverityNormal})

	c := newCoordinator(t, m0, m1, m2)
	_, votes, err := c.Score(zeroMatrix(2), nil)
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3.0, votes[0].Confidence, 1e-12)
	assert.InDelta(t, 1.0, votes[1].Confidence, 1e-12)
}

func TestScoreAveragesErrorsAcrossMembers(t *testing.T) {
	m0 := votingMember([]models.Severity{models.SeverityCritical})
	m1 := votingMember([]models.Severity{models.SeverityWarning})
	m2 := votingMember([]models.Severity{models.SeverityNormal})

	c := newCoordinator(t, m0, m1, m2)
	_, votes, err := c.Score(zeroMatrix(1), nil)
	require.NoError(t, err)

	zero := make([]float64, models.FeatureCount)
	want := (autoencoder.MeanSquaredError(zero, m0.recon[0]) +
		autoencoder.MeanSquaredError(zero, m1.recon[0]) +
		autoencoder.MeanSquaredError(zero, m2.recon[0])) / 3
	assert.InDelta(t, want, votes[0].AveragedError, 1e-12)
}

func TestScoreAttributionComesFromFirstMember(t *testing.T) {
	m0 := votingMember([]models.Severity{models.SeverityCritical})
	m0.threshold = 0.125
	m1 := votingMember([]models.Severity{models.SeverityNormal})
	m2 := votingMember([]models.Severity{models.SeverityNormal})

	c := newCoordinator(t, m0, m1, m2)
	report, _, err := c.Score(zeroMatrix(1), nil)
	require.NoError(t, err)

	assert.Equal(t, 0.125, report.Threshold)
	// Contributions mirror member 0's deviation, not the other members'.
	assert.InDelta(t, diffFor(models.SeverityCritical), report.Anomalies[0].Contributions[0].Value, 1e-12)
}

func TestScoreSortsByAveragedError(t *testing.T) {
	const (
		n = models.SeverityNormal
		w = models.SeverityWarning
		x = models.SeverityCritical
	)
	m0 := votingMember([]models.Severity{x, w, w, n})
	m1 := votingMember([]models.Severity{x, n, x, n})
	m2 := votingMember([]models.Severity{n, n, n, n})

	c := newCoordinator(t, m0, m1, m2)
	report, _, err := c.Score(zeroMatrix(4), nil)
	require.NoError(t, err)

	indexes := make([]int, len(report.Anomalies))
	for i, rec := range report.Anomalies {
		indexes[i] = rec.Index
	}
	assert.Equal(t, []int{0, 2, 1, 3}, indexes)
}

func TestScoreQuorumScalesWithMemberCount(t *testing.T) {
	vote := func(severities ...models.Severity) models.Severity {
		t.Helper()
		members := make([]Member, len(severities))
		for i, s := range severities {
			members[i] = votingMember([]models.Severity{s})
		}
		c := newCoordinator(t, members...)
		report, _, err := c.Score(zeroMatrix(1), nil)
		require.NoError(t, err)
		return report.Anomalies[0].Severity
	}

	n, w, x := models.SeverityNormal, models.SeverityWarning, models.SeverityCritical

	// Five members need three votes.
	assert.Equal(t, x, vote(x, x, x, n, n))
	assert.Equal(t, w, vote(x, x, w, n, n))
	assert.Equal(t, n, vote(x, x, n, n, n))

	// Four members need two votes.
	assert.Equal(t, x, vote(x, x, n, n))
	assert.Equal(t, w, vote(x, w, n, n))
	assert.Equal(t, n, vote(x, n, n, n))
}

func TestTrainRunsMembersSequentially(t *testing.T) {
	m0 := votingMember([]models.Severity{models.SeverityNormal})
	m1 := votingMember([]models.Severity{models.SeverityNormal})

	c := newCoordinator(t, m0, m1)

	var seen []int
	histories, err := c.Train(zeroMatrix(4), zeroMatrix(2), 3, 2, func(member int, r autoencoder.EpochResult) {
		seen = append(seen, member)
	})
	require.NoError(t, err)

	require.Len(t, histories, 2)
	assert.Equal(t, 1, m0.trainCalls)
	assert.Equal(t, 1, m1.trainCalls)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, seen)
}

func TestCalibrateSetsEveryMemberThreshold(t *testing.T) {
	m0 := &fakeMember{calErrs: []float64{0.1, 0.1, 0.1, 0.1}}
	m1 := &fakeMember{calErrs: []float64{0.2, 0.2, 0.2, 0.2}}

	c := newCoordinator(t, m0, m1)
	require.NoError(t, c.Calibrate(zeroMatrix(4)))

	// Uniform errors collapse both estimators onto the mean.
	assert.True(t, m0.calibrated)
	assert.True(t, m1.calibrated)
	assert.InDelta(t, 0.1, m0.threshold, 1e-12)
	assert.InDelta(t, 0.2, m1.threshold, 1e-12)
}
