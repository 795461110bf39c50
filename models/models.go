package models

import (
	"time"
)

// Candle represents a single OHLCV observation for a fixed time bucket.
// Candles are immutable once produced by the data source and are ordered
// strictly by timestamp.
type Candle struct {
	Timestamp  int64   `json:"timestamp"` // unix milliseconds, bucket open time
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TradeCount int64   `json:"trade_count"`
}

// Time returns the candle open time as a time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// FeatureCount is the fixed width of a feature vector.
const FeatureCount = 12

// Feature vector slot indexes, in canonical order.
const (
	IdxPriceChange = iota
	IdxVolume
	IdxFundingRateProxy
	IdxOpenInterestProxy
	IdxPriceAcceleration
	IdxVolumeSpike
	IdxPriceGap
	IdxPriceMomentum
	IdxVolumeMomentum
	IdxRSI
	IdxBollingerPosition
	IdxMarketRegime
)

// FeatureNames maps each slot index to its name, in canonical order.
var FeatureNames = [FeatureCount]string{
	"price_change",
	"volume",
	"funding_rate_proxy",
	"open_interest_proxy",
	"price_acceleration",
	"volume_spike",
	"price_gap",
	"price_momentum",
	"volume_momentum",
	"rsi",
	"bollinger_position",
	"market_regime",
}

// FeatureVector is the 12-dimensional numeric summary of one candle plus
// bounded history. The field order matches the canonical slot order above.
type FeatureVector struct {
	PriceChange       float64 `json:"price_change"`
	Volume            float64 `json:"volume"`
	FundingRateProxy  float64 `json:"funding_rate_proxy"`
	OpenInterestProxy float64 `json:"open_interest_proxy"`
	PriceAcceleration float64 `json:"price_acceleration"`
	VolumeSpike       float64 `json:"volume_spike"`
	PriceGap          float64 `json:"price_gap"`
	PriceMomentum     float64 `json:"price_momentum"`
	VolumeMomentum    float64 `json:"volume_momentum"`
	RSI               float64 `json:"rsi"`
	BollingerPosition float64 `json:"bollinger_position"`
	MarketRegime      float64 `json:"market_regime"`
}

// Values returns the vector as a slice in canonical feature order.
func (v FeatureVector) Values() []float64 {
	return []float64{
		v.PriceChange,
		v.Volume,
		v.FundingRateProxy,
		v.OpenInterestProxy,
		v.PriceAcceleration,
		v.VolumeSpike,
		v.PriceGap,
		v.PriceMomentum,
		v.VolumeMomentum,
		v.RSI,
		v.BollingerPosition,
		v.MarketRegime,
	}
}

// NormalizationStats holds per-feature min/max fitted once over a dataset.
// It must be treated as read-only after fitting: the same stats have to be
// applied at training and inference time for errors to stay comparable.
type NormalizationStats struct {
	Min [FeatureCount]float64 `json:"min"`
	Max [FeatureCount]float64 `json:"max"`
}

// ModelParameters is the immutable configuration consumed at model-build time.
type ModelParameters struct {
	InputSize    int     `json:"input_size"`
	EncoderUnits []int   `json:"encoder_units"`
	LatentSize   int     `json:"latent_size"`
	DecoderUnits []int   `json:"decoder_units"`
	DropoutRate  float64 `json:"dropout_rate"`
	LearningRate float64 `json:"learning_rate"`
	Patience     int     `json:"patience"`
	Seed         int64   `json:"seed"`
}

// DefaultModelParameters returns the baseline autoencoder configuration.
func DefaultModelParameters() ModelParameters {
	return ModelParameters{
		InputSize:    FeatureCount,
		EncoderUnits: []int{16, 8, 4},
		LatentSize:   2,
		DecoderUnits: []int{4, 8, 16},
		DropoutRate:  0.2,
		LearningRate: 0.001,
		Patience:     5,
		Seed:         1,
	}
}

// Severity classifies a scored row relative to the calibrated threshold.
type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// FeatureContribution pairs a feature name with its absolute reconstruction
// deviation for one scored row.
type FeatureContribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

// AnomalyRecord is the per-row classification result. Immutable after
// creation; consumed by presentation and persistence layers.
type AnomalyRecord struct {
	Index               int                   `json:"index"`
	ReconstructionError float64               `json:"reconstruction_error"`
	Severity            Severity              `json:"severity"`
	Contributions       []FeatureContribution `json:"contributions"`
	IsMajorEvent        bool                  `json:"is_major_event"`
	Metadata            map[string]any        `json:"metadata,omitempty"`
}

// ScoreReport aggregates the classification of one scored matrix. Anomalies
// are ordered by descending reconstruction error, ties by original index.
type ScoreReport struct {
	Anomalies      []AnomalyRecord  `json:"anomalies"`
	SeverityLevels map[Severity]int `json:"severity_levels"`
	Threshold      float64          `json:"threshold"`
	TotalSamples   int              `json:"total_samples"`
	AnomalyRate    float64          `json:"anomaly_rate"`
}

// EnsembleVote is the per-row tally of member severities.
type EnsembleVote struct {
	Index         int     `json:"index"`
	NormalVotes   int     `json:"normal_votes"`
	WarningVotes  int     `json:"warning_votes"`
	CriticalVotes int     `json:"critical_votes"`
	Confidence    float64 `json:"confidence"`
	AveragedError float64 `json:"averaged_error"`
}
