// Package sampling decides which submissions also go through the slow,
// expensive fraud checks.
package sampling

import (
	"math/rand/v2"
	"sync"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/models"
)

// Source yields uniformly distributed values in [0, 1).
type Source interface {
	Float64() float64
}

// Policy holds the tier boundaries and rates.
type Policy struct {
	AutoApproveThreshold  float64
	MediumRewardThreshold float64
	HighRewardThreshold   float64
	LowRate               float64
	MediumRate            float64
	HighRate              float64
}

// DefaultPolicy returns the standard sampling tiers.
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.DefaultConfig().Sampling)
}

// PolicyFromConfig builds a Policy from configuration.
func PolicyFromConfig(cfg config.SamplingConfig) Policy {
	return Policy{
		AutoApproveThreshold:  cfg.AutoApproveThreshold,
		MediumRewardThreshold: cfg.MediumRewardThreshold,
		HighRewardThreshold:   cfg.HighRewardThreshold,
		LowRate:               cfg.LowRate,
		MediumRate:            cfg.MediumRate,
		HighRate:              cfg.HighRate,
	}
}

// Sampler applies a Policy using an injected random source.
type Sampler struct {
	policy Policy
	mu     sync.Mutex
	src    Source
}

// NewSampler creates a sampler. A nil src uses a randomly seeded PCG.
func NewSampler(policy Policy, src Source) *Sampler {
	if src == nil {
		src = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Sampler{policy: policy, src: src}
}

// RiskLevel tiers a submission by verifier confidence and reward.
func (s *Sampler) RiskLevel(aiConfidence, rewardAmount float64) models.RiskLevel {
	p := s.policy
	switch {
	case aiConfidence < p.AutoApproveThreshold:
		return models.RiskCritical
	case rewardAmount >= p.HighRewardThreshold:
		return models.RiskHigh
	case rewardAmount >= p.MediumRewardThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// SamplingRate is the probability the slow checks run for a submission.
func (s *Sampler) SamplingRate(aiConfidence, rewardAmount float64) float64 {
	switch s.RiskLevel(aiConfidence, rewardAmount) {
	case models.RiskCritical:
		return 1.0
	case models.RiskHigh:
		return s.policy.HighRate
	case models.RiskMedium:
		return s.policy.MediumRate
	default:
		return s.policy.LowRate
	}
}

// ShouldSample draws the sampling decision. Low-confidence submissions are
// always sampled without consuming a random draw.
func (s *Sampler) ShouldSample(aiConfidence, rewardAmount float64) bool {
	return s.Determine(aiConfidence, rewardAmount).ShouldSample
}

// Determine returns the full sampling strategy for a submission.
func (s *Sampler) Determine(aiConfidence, rewardAmount float64) models.SamplingStrategy {
	level := s.RiskLevel(aiConfidence, rewardAmount)
	rate := s.SamplingRate(aiConfidence, rewardAmount)

	sample := true
	if level != models.RiskCritical {
		s.mu.Lock()
		sample = s.src.Float64() < rate
		s.mu.Unlock()
	}

	return models.SamplingStrategy{
		ShouldSample: sample,
		SamplingRate: rate,
		RiskLevel:    level,
	}
}

// Candidate is one submission considered for capacity planning.
type Candidate struct {
	AIConfidence float64
	RewardAmount float64
}

// ExpectedSamples sums sampling rates over a batch: the expected number of
// slow-check jobs it produces.
func (s *Sampler) ExpectedSamples(batch []Candidate) float64 {
	total := 0.0
	for _, c := range batch {
		total += s.SamplingRate(c.AIConfidence, c.RewardAmount)
	}
	return total
}
