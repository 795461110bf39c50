// Package normalize provides min/max feature scaling fitted once over a
// training dataset and reused unchanged at inference time.
package normalize

import (
	"errors"

	"candlewatch/models"
)

// ErrNoVectors is returned when Fit is given an empty dataset.
var ErrNoVectors = errors.New("normalize: empty feature dataset")

// Fit computes per-feature min and max across the whole dataset.
func Fit(vectors []models.FeatureVector) (models.NormalizationStats, error) {
	var stats models.NormalizationStats
	if len(vectors) == 0 {
		return stats, ErrNoVectors
	}

	first := vectors[0].Values()
	for f := 0; f < models.FeatureCount; f++ {
		stats.Min[f] = first[f]
		stats.Max[f] = first[f]
	}
	for _, v := range vectors[1:] {
		row := v.Values()
		for f := 0; f < models.FeatureCount; f++ {
			if row[f] < stats.Min[f] {
				stats.Min[f] = row[f]
			}
			if row[f] > stats.Max[f] {
				stats.Max[f] = row[f]
			}
		}
	}
	return stats, nil
}

// Transform maps one vector into [0,1] per feature. A degenerate feature
// range (max == min) maps every input to 0.
func Transform(v models.FeatureVector, stats models.NormalizationStats) []float64 {
	row := v.Values()
	out := make([]float64, models.FeatureCount)
	for f := 0; f < models.FeatureCount; f++ {
		span := stats.Max[f] - stats.Min[f]
		if span > 0 {
			out[f] = (row[f] - stats.Min[f]) / span
		}
	}
	return out
}

// Apply transforms a whole dataset into a normalized matrix.
func Apply(vectors []models.FeatureVector, stats models.NormalizationStats) [][]float64 {
	matrix := make([][]float64, len(vectors))
	for i, v := range vectors {
		matrix[i] = Transform(v, stats)
	}
	return matrix
}

// Inverse is the exact algebraic inverse of Transform for non-degenerate
// features; degenerate features recover their stored min. Diagnostics only.
func Inverse(row []float64, stats models.NormalizationStats) []float64 {
	out := make([]float64, len(row))
	for f := range row {
		if f >= models.FeatureCount {
			out[f] = row[f]
			continue
		}
		out[f] = row[f]*(stats.Max[f]-stats.Min[f]) + stats.Min[f]
	}
	return out
}
