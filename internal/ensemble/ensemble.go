// Package ensemble trains several independently configured autoencoders and
// combines their classifications by majority vote.
package ensemble

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"candlewatch/internal/autoencoder"
	"candlewatch/internal/classify"
	"candlewatch/internal/threshold"
	"candlewatch/models"
)

// ErrNoMembers is returned when a coordinator is built without any member
// configurations.
var ErrNoMembers = errors.New("ensemble: no member configurations")

// Member is the model surface the coordinator drives: training,
// calibration and scoring.
type Member interface {
	Train(train, val [][]float64, epochs, batchSize int, onEpoch func(autoencoder.EpochResult)) ([]autoencoder.EpochResult, error)
	ReconstructionErrors(matrix [][]float64) ([]float64, error)
	SetThreshold(v float64)
	Predict(matrix [][]float64) ([][]float64, error)
	Threshold() (float64, bool)
}

// Coordinator owns a fixed collection of member models. Members are trained
// strictly one after another and share no mutable state.
type Coordinator struct {
	members    []Member
	thresholds *threshold.Engine
	classifier *classify.Classifier
	logger     zerolog.Logger
}

// DefaultMemberParams returns the standard three-member configuration: a
// baseline, a more regularized variant (higher dropout, lower learning
// rate), and a wider variant with a three-dimensional latent space. seed
// staggers member initialization so the members do not collapse into
// identical networks.
func DefaultMemberParams(seed int64) []models.ModelParameters {
	baseline := models.DefaultModelParameters()
	baseline.Seed = seed

	regularized := models.DefaultModelParameters()
	regularized.DropoutRate = 0.3
	regularized.LearningRate = 0.0005
	regularized.Seed = seed + 1

	wide := models.DefaultModelParameters()
	wide.EncoderUnits = []int{24, 12, 6}
	wide.DecoderUnits = []int{6, 12, 24}
	wide.LatentSize = 3
	wide.Seed = seed + 2

	return []models.ModelParameters{baseline, regularized, wide}
}

// New builds a coordinator whose members use the given parameter sets.
func New(paramSets []models.ModelParameters, engine *threshold.Engine, classifier *classify.Classifier) (*Coordinator, error) {
	if len(paramSets) == 0 {
		return nil, ErrNoMembers
	}
	members := make([]Member, len(paramSets))
	for i, p := range paramSets {
		m, err := autoencoder.New(p)
		if err != nil {
			return nil, fmt.Errorf("building member %d: %w", i, err)
		}
		members[i] = m
	}
	return NewWithMembers(members, engine, classifier)
}

// NewWithMembers builds a coordinator around pre-built members.
func NewWithMembers(members []Member, engine *threshold.Engine, classifier *classify.Classifier) (*Coordinator, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	return &Coordinator{
		members:    members,
		thresholds: engine,
		classifier: classifier,
		logger:     log.With().Str("component", "ensemble").Logger(),
	}, nil
}

// Members exposes the member models for diagnostics.
func (c *Coordinator) Members() []Member { return c.members }

// Train trains each member sequentially on the same matrices. Every member
// gets its own epoch budget and early-stops independently. onEpoch, when
// non-nil, receives the member index alongside each epoch result.
func (c *Coordinator) Train(train, val [][]float64, epochs, batchSize int, onEpoch func(member int, r autoencoder.EpochResult)) ([][]autoencoder.EpochResult, error) {
	histories := make([][]autoencoder.EpochResult, len(c.members))
	for i, m := range c.members {
		var cb func(autoencoder.EpochResult)
		if onEpoch != nil {
			member := i
			cb = func(r autoencoder.EpochResult) { onEpoch(member, r) }
		}
		h, err := m.Train(train, val, epochs, batchSize, cb)
		if err != nil {
			return nil, fmt.Errorf("training member %d: %w", i, err)
		}
		histories[i] = h
		c.logger.Info().Int("member", i).Int("epochs_run", len(h)).Msg("member trained")
	}
	return histories, nil
}

// Calibrate derives each member's threshold from the training matrix.
func (c *Coordinator) Calibrate(train [][]float64) error {
	for i, m := range c.members {
		if _, err := c.thresholds.Calibrate(m, train); err != nil {
			return fmt.Errorf("calibrating member %d: %w", i, err)
		}
	}
	return nil
}

// Score classifies the matrix with every member and combines severities by
// majority vote. Feature contributions and the reported threshold come from
// the first member only; errors are averaged across members. votes are
// aligned with the original row order.
func (c *Coordinator) Score(matrix [][]float64, metadata []map[string]any) (*models.ScoreReport, []models.EnsembleVote, error) {
	n := len(c.members)
	quorum := (n + 1) / 2 // ceil(n/2)

	// Per-member records keyed back to the original row index; member
	// reports come out sorted by error.
	byIndex := make([]map[int]models.AnomalyRecord, n)
	var firstThreshold float64
	for mi, m := range c.members {
		report, err := c.classifier.Score(m, matrix, metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("scoring member %d: %w", mi, err)
		}
		if mi == 0 {
			firstThreshold = report.Threshold
		}
		lookup := make(map[int]models.AnomalyRecord, len(report.Anomalies))
		for _, rec := range report.Anomalies {
			lookup[rec.Index] = rec
		}
		byIndex[mi] = lookup
	}

	votes := make([]models.EnsembleVote, len(matrix))
	records := make([]models.AnomalyRecord, len(matrix))
	counts := map[models.Severity]int{
		models.SeverityNormal:   0,
		models.SeverityWarning:  0,
		models.SeverityCritical: 0,
	}

	for i := range matrix {
		vote := models.EnsembleVote{Index: i}
		var errSum float64
		for mi := 0; mi < n; mi++ {
			rec := byIndex[mi][i]
			errSum += rec.ReconstructionError
			switch rec.Severity {
			case models.SeverityCritical:
				vote.CriticalVotes++
			case models.SeverityWarning:
				vote.WarningVotes++
			default:
				vote.NormalVotes++
			}
		}
		vote.AveragedError = errSum / float64(n)

		severity := models.SeverityNormal
		switch {
		case vote.CriticalVotes >= quorum:
			severity = models.SeverityCritical
		case vote.WarningVotes >= quorum || vote.WarningVotes+vote.CriticalVotes >= quorum:
			severity = models.SeverityWarning
		}
		counts[severity]++

		top := vote.NormalVotes
		if vote.WarningVotes > top {
			top = vote.WarningVotes
		}
		if vote.CriticalVotes > top {
			top = vote.CriticalVotes
		}
		vote.Confidence = float64(top) / float64(n)
		votes[i] = vote

		first := byIndex[0][i]
		records[i] = models.AnomalyRecord{
			Index:               i,
			ReconstructionError: vote.AveragedError,
			Severity:            severity,
			Contributions:       first.Contributions,
			IsMajorEvent:        first.IsMajorEvent,
			Metadata:            first.Metadata,
		}
	}

	sort.SliceStable(records, func(a, b int) bool {
		return records[a].ReconstructionError > records[b].ReconstructionError
	})

	warnings := counts[models.SeverityWarning] + counts[models.SeverityCritical]
	report := &models.ScoreReport{
		Anomalies:      records,
		SeverityLevels: counts,
		Threshold:      firstThreshold,
		TotalSamples:   len(matrix),
		AnomalyRate:    float64(warnings) / float64(len(matrix)),
	}

	c.logger.Info().
		Int("members", n).
		Int("samples", report.TotalSamples).
		Float64("anomaly_rate", report.AnomalyRate).
		Msg("ensemble scored")
	return report, votes, nil
}
