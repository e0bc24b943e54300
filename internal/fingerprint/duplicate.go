package fingerprint

import (
	"context"

	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/rs/zerolog/log"
)

// Source lists stored fingerprints of every submission except one.
type Source interface {
	ListFingerprints(ctx context.Context, excludeSubmissionID string) ([]models.FingerprintRecord, error)
}

// DuplicateDetector compares a fingerprint with those of other submissions.
type DuplicateDetector struct {
	source    Source
	threshold int
}

// NewDuplicateDetector creates a detector. Fingerprints within threshold
// bits of each other count as the same image; 0 means exact matches only.
func NewDuplicateDetector(source Source, threshold int) *DuplicateDetector {
	if threshold < 0 {
		threshold = 0
	}
	return &DuplicateDetector{source: source, threshold: threshold}
}

// Check reports every other submission whose stored fingerprint matches fp.
// A failed store lookup reports no duplicates.
func (d *DuplicateDetector) Check(ctx context.Context, fp models.Fingerprint, excludeSubmissionID string) models.DuplicateCheckResult {
	result := models.DuplicateCheckResult{
		MatchingSubmissionIDs: []string{},
		MatchingFingerprints:  []models.Fingerprint{},
	}

	records, err := d.source.ListFingerprints(ctx, excludeSubmissionID)
	if err != nil {
		log.Warn().Err(err).Str("submission_id", excludeSubmissionID).Msg("Fingerprint lookup failed, skipping duplicate check")
		return result
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		if excludeSubmissionID != "" && rec.SubmissionID == excludeSubmissionID {
			continue
		}
		if seen[rec.SubmissionID] || !d.matches(fp, rec.Fingerprint) {
			continue
		}
		seen[rec.SubmissionID] = true
		result.MatchingSubmissionIDs = append(result.MatchingSubmissionIDs, rec.SubmissionID)
		result.MatchingFingerprints = append(result.MatchingFingerprints, rec.Fingerprint)
	}

	result.IsDuplicate = len(result.MatchingSubmissionIDs) > 0
	return result
}

func (d *DuplicateDetector) matches(a, b models.Fingerprint) bool {
	if a == b {
		return true
	}
	if d.threshold == 0 {
		return false
	}
	dist, err := Distance(a, b)
	if err != nil {
		return false
	}
	return dist <= d.threshold
}
