package metadata

import (
	"strings"
	"time"

	"github.com/fixbounty/fraudguard/internal/models"
)

// Field names reported in an AuthenticityAssessment.
const (
	FieldAll               = "all"
	FieldCameraInfo        = "camera_info"
	FieldTimestamp         = "timestamp"
	FieldEditingSoftware   = "editing_software"
	FieldModifiedTimestamp = "modified_timestamp"
)

const (
	missingFieldPenalty    = 4
	suspiciousFieldPenalty = 2
	// Scores are held below this whenever a critical field is missing.
	incompleteScoreCap = 6
)

// DefaultModifyTolerance is how far capture and modify times may drift
// before the image counts as edited. Minute granularity absorbs camera
// clock rounding.
const DefaultModifyTolerance = time.Minute

// editorSignatures are desktop image editors whose software tag marks an
// image as post-processed.
var editorSignatures = []string{
	"photoshop",
	"lightroom",
	"gimp",
	"affinity photo",
	"pixelmator",
	"paint.net",
	"corel",
	"capture one",
	"snapseed",
	"facetune",
	"picsart",
}

// Scorer turns extracted metadata into an authenticity assessment.
type Scorer struct {
	modifyTolerance time.Duration
}

// NewScorer creates a scorer. A non-positive tolerance uses DefaultModifyTolerance.
func NewScorer(modifyTolerance time.Duration) *Scorer {
	if modifyTolerance <= 0 {
		modifyTolerance = DefaultModifyTolerance
	}
	return &Scorer{modifyTolerance: modifyTolerance}
}

// Assess scores meta on a 0-10 scale. A nil meta scores 0.
func (s *Scorer) Assess(meta *models.ImageMetadata) models.AuthenticityAssessment {
	if meta == nil {
		return models.AuthenticityAssessment{
			IsComplete:            false,
			MissingCriticalFields: []string{FieldAll},
			SuspiciousFields:      []string{},
			ConfidenceScore:       0,
		}
	}

	missing := []string{}
	suspicious := []string{}

	if !meta.HasCamera() {
		missing = append(missing, FieldCameraInfo)
	}
	if meta.CaptureTime == nil {
		missing = append(missing, FieldTimestamp)
	}

	if IsEditingSoftware(meta.Software) {
		suspicious = append(suspicious, FieldEditingSoftware)
	}

	if meta.CaptureTime != nil && meta.ModifyTime != nil {
		drift := meta.ModifyTime.Sub(*meta.CaptureTime)
		if drift < 0 {
			drift = -drift
		}
		if drift > s.modifyTolerance {
			suspicious = append(suspicious, FieldModifiedTimestamp)
		}
	}

	if len(missing) == 0 && len(suspicious) == 0 {
		return models.AuthenticityAssessment{
			IsComplete:            true,
			MissingCriticalFields: missing,
			SuspiciousFields:      suspicious,
			ConfidenceScore:       models.MaxScore,
		}
	}

	score := models.MaxScore - missingFieldPenalty*len(missing) - suspiciousFieldPenalty*len(suspicious)
	if len(missing) > 0 {
		score = min(score, incompleteScoreCap)
	}

	return models.AuthenticityAssessment{
		IsComplete:            len(missing) == 0,
		MissingCriticalFields: missing,
		SuspiciousFields:      suspicious,
		ConfidenceScore:       models.ClampScore(score),
	}
}

// IsEditingSoftware reports whether a software tag names a known desktop or
// mobile photo editor.
func IsEditingSoftware(software string) bool {
	if software == "" {
		return false
	}
	lower := strings.ToLower(software)
	for _, sig := range editorSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
