// Package features derives fixed-width numeric feature vectors from ordered
// candle sequences using bounded look-back windows.
package features

import (
	"errors"
	"math"

	"candlewatch/models"
)

// ErrNoCandles is returned when Build is given an empty sequence.
var ErrNoCandles = errors.New("features: empty candle sequence")

// Look-back windows and thresholds for the derived features.
const (
	rsiWindow        = 14
	bollingerWindow  = 20
	regimeWindow     = 24
	momentumLookback = 3
	volumeSurgePct   = 30.0
)

// Build converts an ordered candle sequence into an index-aligned sequence of
// feature vectors. Index i may only reference candles at indexes <= i.
// Zero denominators resolve to the documented defaults rather than NaN so the
// output is always safe to feed into training.
func Build(candles []models.Candle) ([]models.FeatureVector, error) {
	if len(candles) == 0 {
		return nil, ErrNoCandles
	}

	vectors := make([]models.FeatureVector, len(candles))
	priceChanges := make([]float64, len(candles))

	for i := range candles {
		cur := candles[i]

		var priceChange, volumeChange float64
		if i > 0 {
			priceChange = percentChange(candles[i-1].Close, cur.Close)
			volumeChange = percentChange(candles[i-1].Volume, cur.Volume)
		}
		priceChanges[i] = priceChange

		var volatility float64
		if cur.High > cur.Low && cur.Close != 0 {
			volatility = (cur.High - cur.Low) / cur.Close * 100
		}

		var acceleration float64
		if i >= 2 {
			acceleration = priceChange - priceChanges[i-1]
		}

		volumeSpike := math.Max(0, volumeChange-volumeSurgePct)

		var priceGap float64
		if i > 0 && candles[i-1].Close != 0 {
			priceGap = math.Abs(cur.Open-candles[i-1].Close) / candles[i-1].Close * 100
		}

		var priceMomentum, volumeMomentum float64
		if i >= momentumLookback {
			priceMomentum = percentChange(candles[i-momentumLookback].Close, cur.Close)
			volumeMomentum = percentChange(candles[i-momentumLookback].Volume, cur.Volume)
		}

		funding := math.Tanh(priceChange/10)*0.5 +
			math.Tanh(volumeChange/50)*0.3 +
			math.Tanh(volatility/5)*0.2
		funding *= 0.01

		openInterest := math.Log(cur.Volume+1)/10*0.4 +
			float64(cur.TradeCount)/1000*0.3 +
			math.Abs(priceChange)/10*0.3

		vectors[i] = models.FeatureVector{
			PriceChange:       priceChange,
			Volume:            cur.Volume,
			FundingRateProxy:  funding,
			OpenInterestProxy: openInterest,
			PriceAcceleration: acceleration,
			VolumeSpike:       volumeSpike,
			PriceGap:          priceGap,
			PriceMomentum:     priceMomentum,
			VolumeMomentum:    volumeMomentum,
			RSI:               relativeStrength(candles, i),
			BollingerPosition: bollingerPosition(candles, i),
			MarketRegime:      marketRegime(candles, i),
		}
	}

	return vectors, nil
}

// percentChange returns (cur-prev)/prev*100, or 0 when prev is 0.
func percentChange(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}

// relativeStrength computes a 14-period RSI over the trailing window ending
// at index i. With fewer than two points it returns the neutral value 50.
// The losses==0 check runs before gains==0, so a flat series where both
// sums are zero yields 100.
func relativeStrength(candles []models.Candle, i int) float64 {
	start := i - (rsiWindow - 1)
	if start < 0 {
		start = 0
	}
	if i-start < 1 {
		return 50
	}

	var gains, losses float64
	for k := start + 1; k <= i; k++ {
		change := candles[k].Close - candles[k-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	if losses == 0 {
		return 100
	}
	if gains == 0 {
		return 0
	}
	return 100 - 100/(1+gains/losses)
}

// bollingerPosition places the close at index i inside 2-sigma bands over the
// trailing 20-point window, clamped to [-1, 1]. With fewer than 20 points it
// returns the neutral value 0.
func bollingerPosition(candles []models.Candle, i int) float64 {
	start := i - (bollingerWindow - 1)
	if start < 0 {
		return 0
	}

	var sum float64
	for k := start; k <= i; k++ {
		sum += candles[k].Close
	}
	n := float64(i - start + 1)
	mean := sum / n

	var variance float64
	for k := start; k <= i; k++ {
		d := candles[k].Close - mean
		variance += d * d
	}
	std := math.Sqrt(variance / n)

	upper := mean + 2*std
	lower := mean - 2*std
	close := candles[i].Close

	switch {
	case close <= lower:
		return -1
	case close >= upper:
		return 1
	case upper == mean:
		return 0
	default:
		return (close - mean) / (upper - mean)
	}
}

// marketRegime detects a directional regime over the trailing 24-point
// window: ±1 when the absolute total percent change exceeds twice the
// volatility of single-step returns, 0 otherwise or with a short window.
func marketRegime(candles []models.Candle, i int) float64 {
	start := i - (regimeWindow - 1)
	if start < 0 {
		return 0
	}

	totalChange := percentChange(candles[start].Close, candles[i].Close)

	returns := make([]float64, 0, i-start)
	for k := start + 1; k <= i; k++ {
		returns = append(returns, percentChange(candles[k-1].Close, candles[k].Close)/100)
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	volatility := math.Sqrt(variance/float64(len(returns))) * 100

	if math.Abs(totalChange) > 2*volatility {
		if totalChange > 0 {
			return 1
		}
		return -1
	}
	return 0
}
