// Package visual flags pixel statistics typical of heavy recompression or
// synthetic fill.
package visual

import (
	"github.com/fixbounty/fraudguard/internal/imaging"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Pattern names reported by the analyzer.
const (
	PatternUniform         = "suspiciously_uniform"
	PatternLowVariance     = "low_variance"
	PatternNarrowRange     = "narrow_dynamic_range"
	PatternExtremeExposure = "extreme_exposure"
)

// sampleSize is the edge of the normalized grid statistics are taken over.
const sampleSize = 64

// Thresholds on normalized (0-1) channel values.
const (
	uniformStdDev     = 0.02
	lowVarianceStdDev = 0.06
	narrowRange       = 0.15
	darkMean          = 0.04
	brightMean        = 0.96
)

// severity is how many score points a pattern costs.
var severity = map[string]int{
	PatternUniform:         5,
	PatternLowVariance:     2,
	PatternNarrowRange:     2,
	PatternExtremeExposure: 1,
}

// Analyzer computes per-channel statistics and scores visual anomalies.
type Analyzer struct{}

// NewAnalyzer creates a new visual anomaly analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze never fails: undecodable input yields the neutral score.
func (a *Analyzer) Analyze(data []byte) models.VisualAnomalyResult {
	img, _, err := imaging.Decode(data)
	if err != nil {
		log.Warn().Err(err).Msg("Visual analysis skipped")
		return models.VisualAnomalyResult{
			HasAnomalies:       false,
			SuspiciousPatterns: []string{},
			ConfidenceScore:    models.NeutralScore,
		}
	}

	r, g, b := imaging.Channels(imaging.Resize(img, sampleSize, sampleSize))
	channels := []models.ChannelStats{channelStats(r), channelStats(g), channelStats(b)}
	patterns := detectPatterns(channels)

	penalty := 0
	for _, p := range patterns {
		penalty += severity[p]
	}

	return models.VisualAnomalyResult{
		HasAnomalies:       len(patterns) > 0,
		SuspiciousPatterns: patterns,
		ConfidenceScore:    models.ClampScore(models.MaxScore - penalty),
		Channels:           channels,
	}
}

func channelStats(values []float64) models.ChannelStats {
	mean, std := stat.MeanStdDev(values, nil)
	return models.ChannelStats{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
}

func detectPatterns(channels []models.ChannelStats) []string {
	patterns := []string{}

	maxStd, allNarrow := 0.0, true
	meanSum := 0.0
	for _, c := range channels {
		maxStd = max(maxStd, c.StdDev)
		if c.Max-c.Min >= narrowRange {
			allNarrow = false
		}
		meanSum += c.Mean
	}
	luminance := meanSum / float64(len(channels))

	switch {
	case maxStd < uniformStdDev:
		patterns = append(patterns, PatternUniform)
	case maxStd < lowVarianceStdDev:
		patterns = append(patterns, PatternLowVariance)
	}
	if allNarrow && maxStd >= uniformStdDev {
		patterns = append(patterns, PatternNarrowRange)
	}
	if luminance < darkMean || luminance > brightMean {
		patterns = append(patterns, PatternExtremeExposure)
	}
	return patterns
}
