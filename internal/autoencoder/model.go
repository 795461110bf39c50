// Package autoencoder implements a feed-forward encoder/decoder network
// trained to reconstruct its own input by minimizing mean squared error.
package autoencoder

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"candlewatch/models"
)

var (
	// ErrEmptyMatrix is returned when a train or input matrix has no rows.
	ErrEmptyMatrix = errors.New("autoencoder: empty matrix")
	// ErrWidthMismatch is returned when a row width differs from the
	// configured input width.
	ErrWidthMismatch = errors.New("autoencoder: row width mismatch")
	// ErrNotTrained is returned when predict/encode/decode is called on an
	// untrained model.
	ErrNotTrained = errors.New("autoencoder: model not trained")
	// ErrNotCalibrated is returned when a trained model is used for
	// classification before a threshold has been calibrated.
	ErrNotCalibrated = errors.New("autoencoder: model not calibrated")
)

// EpochResult is one entry of the training history.
type EpochResult struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
}

// Model is a trainable autoencoder. A model instance is single-writer:
// concurrent training of the same instance is not supported.
type Model struct {
	params       models.ModelParameters
	layers       []*denseLayer
	dropoutAfter map[int]bool
	latentIndex  int
	step         int
	trained      bool
	threshold    *float64
	calibratedAt time.Time
	rng          *rand.Rand
	stopFlag     atomic.Bool
	logger       zerolog.Logger
}

// New builds an untrained model from the given parameters.
func New(params models.ModelParameters) (*Model, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(params.Seed))

	widths := make([]int, 0, len(params.EncoderUnits)+len(params.DecoderUnits)+3)
	widths = append(widths, params.InputSize)
	widths = append(widths, params.EncoderUnits...)
	widths = append(widths, params.LatentSize)
	widths = append(widths, params.DecoderUnits...)
	widths = append(widths, params.InputSize)

	layers := make([]*denseLayer, 0, len(widths)-1)
	for i := 1; i < len(widths); i++ {
		relu := i != len(widths)-1 // final reconstruction layer is linear
		layers = append(layers, newDenseLayer(widths[i-1], widths[i], relu, rng))
	}

	m := &Model{
		params:      params,
		layers:      layers,
		latentIndex: len(params.EncoderUnits),
		rng:         rng,
		logger:      log.With().Str("component", "autoencoder").Logger(),
	}
	// Dropout sits after the first encoder layer and after the penultimate
	// decoder layer, active only while training.
	m.dropoutAfter = map[int]bool{
		0:                 true,
		len(m.layers) - 2: true,
	}
	return m, nil
}

func validateParams(p models.ModelParameters) error {
	if p.InputSize <= 0 {
		return fmt.Errorf("autoencoder: input size must be positive, got %d", p.InputSize)
	}
	if p.LatentSize <= 0 {
		return fmt.Errorf("autoencoder: latent size must be positive, got %d", p.LatentSize)
	}
	for _, u := range p.EncoderUnits {
		if u <= 0 {
			return fmt.Errorf("autoencoder: encoder unit width must be positive, got %d", u)
		}
	}
	for _, u := range p.DecoderUnits {
		if u <= 0 {
			return fmt.Errorf("autoencoder: decoder unit width must be positive, got %d", u)
		}
	}
	if len(p.EncoderUnits) == 0 || len(p.DecoderUnits) == 0 {
		return errors.New("autoencoder: encoder and decoder need at least one layer")
	}
	if p.DropoutRate < 0 || p.DropoutRate >= 1 {
		return fmt.Errorf("autoencoder: dropout rate must be in [0,1), got %g", p.DropoutRate)
	}
	if p.LearningRate <= 0 {
		return fmt.Errorf("autoencoder: learning rate must be positive, got %g", p.LearningRate)
	}
	return nil
}

// Params returns the model's build-time configuration.
func (m *Model) Params() models.ModelParameters { return m.params }

// Trained reports whether the model has completed at least one training run.
func (m *Model) Trained() bool { return m.trained }

// Threshold returns the calibrated anomaly threshold, if any.
func (m *Model) Threshold() (float64, bool) {
	if m.threshold == nil {
		return 0, false
	}
	return *m.threshold, true
}

// SetThreshold records the calibrated threshold and its timestamp.
func (m *Model) SetThreshold(v float64) {
	m.threshold = &v
	m.calibratedAt = time.Now().UTC()
}

// CalibratedAt returns when the threshold was calibrated, zero if never.
func (m *Model) CalibratedAt() time.Time { return m.calibratedAt }

// Stop requests cooperative cancellation of an in-flight training run. The
// flag is checked at epoch boundaries only: partial epochs always complete.
func (m *Model) Stop() { m.stopFlag.Store(true) }

// Dispose releases the learned weight buffers. The model must be rebuilt or
// restored from a snapshot before further use.
func (m *Model) Dispose() {
	m.layers = nil
	m.trained = false
	m.threshold = nil
}

// Train runs mini-batch gradient descent with the Adam optimizer until
// epochs are exhausted, early stopping triggers, or Stop is called. onEpoch,
// if non-nil, is invoked after every completed epoch. Returns the per-epoch
// loss history.
func (m *Model) Train(train, val [][]float64, epochs, batchSize int, onEpoch func(EpochResult)) ([]EpochResult, error) {
	if m.layers == nil {
		return nil, errors.New("autoencoder: model disposed")
	}
	if epochs <= 0 {
		return nil, fmt.Errorf("autoencoder: epochs must be positive, got %d", epochs)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("autoencoder: batch size must be positive, got %d", batchSize)
	}
	if err := m.checkMatrix(train); err != nil {
		return nil, fmt.Errorf("train matrix: %w", err)
	}
	if err := m.checkMatrix(val); err != nil {
		return nil, fmt.Errorf("validation matrix: %w", err)
	}

	m.stopFlag.Store(false)

	history := make([]EpochResult, 0, epochs)
	bestVal := 0.0
	badEpochs := 0

	indexes := make([]int, len(train))
	for i := range indexes {
		indexes[i] = i
	}

	for epoch := 1; epoch <= epochs; epoch++ {
		m.rng.Shuffle(len(indexes), func(i, j int) {
			indexes[i], indexes[j] = indexes[j], indexes[i]
		})

		var lossSum float64
		for start := 0; start < len(indexes); start += batchSize {
			end := start + batchSize
			if end > len(indexes) {
				end = len(indexes)
			}
			lossSum += m.trainBatch(train, indexes[start:end])
		}
		trainLoss := lossSum / float64(len(train))

		var valSum float64
		for _, row := range val {
			valSum += MeanSquaredError(row, m.forward(row))
		}
		valLoss := valSum / float64(len(val))

		result := EpochResult{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss}
		history = append(history, result)
		m.logger.Debug().
			Int("epoch", epoch).
			Float64("train_loss", trainLoss).
			Float64("val_loss", valLoss).
			Msg("epoch complete")
		if onEpoch != nil {
			onEpoch(result)
		}

		if len(history) == 1 || valLoss < bestVal {
			bestVal = valLoss
			badEpochs = 0
		} else {
			badEpochs++
			if m.params.Patience > 0 && badEpochs >= m.params.Patience {
				m.logger.Info().
					Int("epoch", epoch).
					Float64("best_val_loss", bestVal).
					Msg("early stopping")
				break
			}
		}

		if m.stopFlag.Load() {
			m.logger.Info().Int("epoch", epoch).Msg("training stopped by request")
			break
		}
	}

	m.trained = true
	return history, nil
}

// trainBatch runs forward/backward over one mini-batch and applies a single
// Adam update. Returns the summed per-sample loss.
func (m *Model) trainBatch(train [][]float64, batch []int) float64 {
	for _, l := range m.layers {
		l.zeroGrad()
	}

	var lossSum float64
	width := float64(m.params.InputSize)
	for _, idx := range batch {
		x := train[idx]

		// Forward pass, keeping per-layer inputs, pre-activations and
		// dropout masks for backpropagation.
		inputs := make([][]float64, len(m.layers))
		pres := make([][]float64, len(m.layers))
		masks := make([][]float64, len(m.layers))
		cur := x
		for li, l := range m.layers {
			inputs[li] = cur
			pre, act := l.forward(cur)
			pres[li] = pre
			if m.params.DropoutRate > 0 && m.dropoutAfter[li] {
				mask := dropoutMask(l.Out, m.params.DropoutRate, m.rng)
				masks[li] = mask
				dropped := make([]float64, l.Out)
				for o := range act {
					dropped[o] = act[o] * mask[o]
				}
				act = dropped
			}
			cur = act
		}

		lossSum += MeanSquaredError(x, cur)

		// Backward pass from the reconstruction gradient.
		grad := make([]float64, m.params.InputSize)
		for j := range grad {
			grad[j] = 2 * (cur[j] - x[j]) / width
		}
		for li := len(m.layers) - 1; li >= 0; li-- {
			if masks[li] != nil {
				for o := range grad {
					grad[o] *= masks[li][o]
				}
			}
			grad = m.layers[li].backward(grad, pres[li], inputs[li])
		}
	}

	m.step++
	for _, l := range m.layers {
		l.step(m.params.LearningRate, len(batch), m.step)
	}
	return lossSum
}

// forward runs a full inference pass with dropout disabled.
func (m *Model) forward(x []float64) []float64 {
	cur := x
	for _, l := range m.layers {
		_, cur = l.forward(cur)
	}
	return cur
}

// Predict reconstructs each row of the matrix. The model must be trained.
func (m *Model) Predict(matrix [][]float64) ([][]float64, error) {
	if !m.trained {
		return nil, ErrNotTrained
	}
	if err := m.checkMatrix(matrix); err != nil {
		return nil, err
	}
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		out[i] = m.forward(row)
	}
	return out, nil
}

// Encode maps each row into the latent space. Diagnostics path.
func (m *Model) Encode(matrix [][]float64) ([][]float64, error) {
	if !m.trained {
		return nil, ErrNotTrained
	}
	if err := m.checkMatrix(matrix); err != nil {
		return nil, err
	}
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		cur := row
		for li := 0; li <= m.latentIndex; li++ {
			_, cur = m.layers[li].forward(cur)
		}
		out[i] = cur
	}
	return out, nil
}

// Decode reconstructs rows from latent-space representations.
func (m *Model) Decode(latent [][]float64) ([][]float64, error) {
	if !m.trained {
		return nil, ErrNotTrained
	}
	if len(latent) == 0 {
		return nil, ErrEmptyMatrix
	}
	for i, row := range latent {
		if len(row) != m.params.LatentSize {
			return nil, fmt.Errorf("%w: row %d has width %d, want %d",
				ErrWidthMismatch, i, len(row), m.params.LatentSize)
		}
	}
	out := make([][]float64, len(latent))
	for i, row := range latent {
		cur := row
		for li := m.latentIndex + 1; li < len(m.layers); li++ {
			_, cur = m.layers[li].forward(cur)
		}
		out[i] = cur
	}
	return out, nil
}

// ReconstructionErrors returns the per-row mean squared reconstruction error.
func (m *Model) ReconstructionErrors(matrix [][]float64) ([]float64, error) {
	recon, err := m.Predict(matrix)
	if err != nil {
		return nil, err
	}
	errs := make([]float64, len(matrix))
	for i := range matrix {
		errs[i] = MeanSquaredError(matrix[i], recon[i])
	}
	return errs, nil
}

func (m *Model) checkMatrix(matrix [][]float64) error {
	if len(matrix) == 0 {
		return ErrEmptyMatrix
	}
	for i, row := range matrix {
		if len(row) != m.params.InputSize {
			return fmt.Errorf("%w: row %d has width %d, want %d",
				ErrWidthMismatch, i, len(row), m.params.InputSize)
		}
	}
	return nil
}
