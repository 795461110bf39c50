package autoencoder

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"candlewatch/models"

	"github.com/rs/zerolog/log"
)

// Snapshot is the self-describing persistence bundle for a trained model:
// architecture, learned weights, calibrated threshold and the normalization
// stats the weights were trained against. The storage backend is external;
// this package only defines the blob.
type Snapshot struct {
	Params        models.ModelParameters     `json:"params"`
	Layers        []*denseLayer              `json:"layers"`
	Threshold     *float64                   `json:"threshold,omitempty"`
	Normalization *models.NormalizationStats `json:"normalization,omitempty"`
	CalibratedAt  time.Time                  `json:"calibrated_at"`
	SavedAt       time.Time                  `json:"saved_at"`
}

// Snapshot captures the trained model state. stats may be nil when the
// caller manages normalization separately.
func (m *Model) Snapshot(stats *models.NormalizationStats) (*Snapshot, error) {
	if !m.trained || m.layers == nil {
		return nil, ErrNotTrained
	}
	// Deep-copy the weights so the bundle never aliases live buffers.
	layers := make([]*denseLayer, len(m.layers))
	for i, l := range m.layers {
		c := &denseLayer{In: l.In, Out: l.Out, ReLU: l.ReLU}
		c.W = make([][]float64, len(l.W))
		for o, row := range l.W {
			c.W[o] = append([]float64(nil), row...)
		}
		c.B = append([]float64(nil), l.B...)
		layers[i] = c
	}
	return &Snapshot{
		Params:        m.params,
		Layers:        layers,
		Threshold:     m.threshold,
		Normalization: stats,
		CalibratedAt:  m.calibratedAt,
		SavedAt:       time.Now().UTC(),
	}, nil
}

// Restore rebuilds a usable model from a snapshot. The restored model is
// immediately ready for Predict and, when the snapshot carries a threshold,
// for classification.
func Restore(s *Snapshot) (*Model, error) {
	if err := validateParams(s.Params); err != nil {
		return nil, err
	}
	if len(s.Layers) != len(s.Params.EncoderUnits)+len(s.Params.DecoderUnits)+2 {
		return nil, fmt.Errorf("autoencoder: snapshot has %d layers, architecture needs %d",
			len(s.Layers), len(s.Params.EncoderUnits)+len(s.Params.DecoderUnits)+2)
	}

	prev := s.Params.InputSize
	for i, l := range s.Layers {
		if l.In != prev {
			return nil, fmt.Errorf("autoencoder: snapshot layer %d input width %d, want %d", i, l.In, prev)
		}
		if len(l.W) != l.Out || len(l.B) != l.Out {
			return nil, fmt.Errorf("autoencoder: snapshot layer %d weight shape mismatch", i)
		}
		for _, row := range l.W {
			if len(row) != l.In {
				return nil, fmt.Errorf("autoencoder: snapshot layer %d weight shape mismatch", i)
			}
		}
		l.initState()
		prev = l.Out
	}
	if prev != s.Params.InputSize {
		return nil, fmt.Errorf("autoencoder: snapshot output width %d, want %d", prev, s.Params.InputSize)
	}

	m := &Model{
		params:      s.Params,
		layers:      s.Layers,
		latentIndex: len(s.Params.EncoderUnits),
		trained:     true,
		rng:         rand.New(rand.NewSource(s.Params.Seed)),
		logger:      log.With().Str("component", "autoencoder").Logger(),
	}
	m.dropoutAfter = map[int]bool{
		0:                 true,
		len(m.layers) - 2: true,
	}
	if s.Threshold != nil {
		v := *s.Threshold
		m.threshold = &v
		m.calibratedAt = s.CalibratedAt
	}
	return m, nil
}

// Marshal encodes a snapshot as JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a snapshot from JSON. Shape validation happens in
// Restore.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("autoencoder: decoding snapshot: %w", err)
	}
	return &s, nil
}
