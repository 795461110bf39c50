package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlewatch/models"
)

func TestFitEmptyDataset(t *testing.T) {
	_, err := Fit(nil)
	require.ErrorIs(t, err, ErrNoVectors)
}

func TestFitTracksMinMax(t *testing.T) {
	vectors := []models.FeatureVector{
		{PriceChange: -5, Volume: 100, RSI: 30},
		{PriceChange: 10, Volume: 50, RSI: 70},
		{PriceChange: 2, Volume: 300, RSI: 50},
	}
	stats, err := Fit(vectors)
	require.NoError(t, err)

	assert.Equal(t, -5.0, stats.Min[models.IdxPriceChange])
	assert.Equal(t, 10.0, stats.Max[models.IdxPriceChange])
	assert.Equal(t, 50.0, stats.Min[models.IdxVolume])
	assert.Equal(t, 300.0, stats.Max[models.IdxVolume])
	assert.Equal(t, 30.0, stats.Min[models.IdxRSI])
	assert.Equal(t, 70.0, stats.Max[models.IdxRSI])
}

func TestTransformBounds(t *testing.T) {
	vectors := []models.FeatureVector{
		{PriceChange: -5, Volume: 100},
		{PriceChange: 10, Volume: 300},
	}
	stats, err := Fit(vectors)
	require.NoError(t, err)

	low := Transform(vectors[0], stats)
	high := Transform(vectors[1], stats)
	assert.Equal(t, 0.0, low[models.IdxPriceChange])
	assert.Equal(t, 1.0, high[models.IdxPriceChange])
	assert.Equal(t, 0.0, low[models.IdxVolume])
	assert.Equal(t, 1.0, high[models.IdxVolume])
}

func TestDegenerateRangeMapsToZero(t *testing.T) {
	// All vectors identical: every feature has max == min.
	vectors := []models.FeatureVector{
		{PriceChange: 7, Volume: 100, RSI: 50},
		{PriceChange: 7, Volume: 100, RSI: 50},
	}
	stats, err := Fit(vectors)
	require.NoError(t, err)

	row := Transform(vectors[0], stats)
	for f, v := range row {
		assert.Zero(t, v, "feature %d", f)
	}
}

func TestRoundTrip(t *testing.T) {
	vectors := []models.FeatureVector{
		{PriceChange: -5, Volume: 100, RSI: 30, VolumeSpike: 0},
		{PriceChange: 10, Volume: 50, RSI: 70, VolumeSpike: 120},
		{PriceChange: 2, Volume: 300, RSI: 50, VolumeSpike: 15},
	}
	stats, err := Fit(vectors)
	require.NoError(t, err)

	for _, v := range vectors {
		orig := v.Values()
		back := Inverse(Transform(v, stats), stats)
		for f := range orig {
			if stats.Max[f] > stats.Min[f] {
				assert.InDelta(t, orig[f], back[f], 1e-9, "feature %d", f)
			} else {
				// degenerate features recover the stored constant
				assert.InDelta(t, stats.Min[f], back[f], 1e-9, "feature %d", f)
			}
		}
	}
}

func TestApplyShape(t *testing.T) {
	vectors := []models.FeatureVector{{PriceChange: 1}, {PriceChange: 2}, {PriceChange: 3}}
	stats, err := Fit(vectors)
	require.NoError(t, err)

	matrix := Apply(vectors, stats)
	require.Len(t, matrix, 3)
	for _, row := range matrix {
		assert.Len(t, row, models.FeatureCount)
	}
}
