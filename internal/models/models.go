// Package models defines the core data structures used throughout the application.
package models

import (
	"time"
)

// Score ranges and neutral values shared by every detector.
const (
	MinScore          = 0
	MaxScore          = 10
	NeutralScore      = 5
	NeutralLikelihood = 0.5
)

// ImageRole identifies which photo of a submission an image is.
type ImageRole string

const (
	RoleBefore       ImageRole = "before"
	RoleAfter        ImageRole = "after"
	RoleSubmittedFix ImageRole = "submitted_fix"
)

// Valid reports whether r is a known image role.
func (r ImageRole) Valid() bool {
	switch r {
	case RoleBefore, RoleAfter, RoleSubmittedFix:
		return true
	}
	return false
}

// GPSPoint is a latitude/longitude pair in decimal degrees.
type GPSPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ImageMetadata holds capture metadata embedded in an image. Every field is
// optional; absence is itself a signal.
type ImageMetadata struct {
	CameraMake   string     `json:"camera_make,omitempty"`
	CameraModel  string     `json:"camera_model,omitempty"`
	CaptureTime  *time.Time `json:"capture_time,omitempty"`
	ModifyTime   *time.Time `json:"modify_time,omitempty"`
	Software     string     `json:"software,omitempty"`
	ShutterSpeed string     `json:"shutter_speed,omitempty"`
	ISO          *int       `json:"iso,omitempty"`
	GPS          *GPSPoint  `json:"gps,omitempty"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
}

// HasCamera reports whether both camera make and model are present.
func (m *ImageMetadata) HasCamera() bool {
	return m != nil && m.CameraMake != "" && m.CameraModel != ""
}

// AuthenticityAssessment is the rule-engine verdict over ImageMetadata.
type AuthenticityAssessment struct {
	IsComplete            bool     `json:"is_complete"`
	MissingCriticalFields []string `json:"missing_critical_fields"`
	SuspiciousFields      []string `json:"suspicious_fields"`
	ConfidenceScore       int      `json:"confidence_score"`
}

// Fingerprint is a perceptual hash of image content rendered as hex.
type Fingerprint string

// FingerprintRecord is a stored fingerprint attached to a submission.
type FingerprintRecord struct {
	SubmissionID string      `json:"submission_id"`
	ImageRole    ImageRole   `json:"image_role"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	CreatedAt    time.Time   `json:"created_at"`
}

// DuplicateCheckResult reports matches of a fingerprint against other submissions.
type DuplicateCheckResult struct {
	IsDuplicate           bool          `json:"is_duplicate"`
	MatchingSubmissionIDs []string      `json:"matching_submission_ids"`
	MatchingFingerprints  []Fingerprint `json:"matching_fingerprints"`
}

// GpsMatchResult compares embedded GPS with the expected location.
// DistanceMeters is -1 when the match could not be evaluated.
type GpsMatchResult struct {
	Matches         bool    `json:"matches"`
	DistanceMeters  float64 `json:"distance_meters"`
	ConfidenceScore int     `json:"confidence_score"`
}

// ChannelStats are normalized (0-1) statistics of one color channel.
type ChannelStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// VisualAnomalyResult is the output of the visual anomaly analyzer.
type VisualAnomalyResult struct {
	HasAnomalies       bool           `json:"has_anomalies"`
	SuspiciousPatterns []string       `json:"suspicious_patterns"`
	ConfidenceScore    int            `json:"confidence_score"`
	Channels           []ChannelStats `json:"channels,omitempty"`
}

// AiForensicsResult is the generative-image likelihood and its evidence.
type AiForensicsResult struct {
	Confidence float64            `json:"confidence"`
	Patterns   []string           `json:"patterns"`
	Scores     map[string]float64 `json:"scores"`
}

// AiMetadataIndicators is the metadata part of the generative-image check.
type AiMetadataIndicators struct {
	Indicators []string `json:"indicators"`
	IsLikelyAI bool     `json:"is_likely_ai"`
}

// FraudScores holds the per-signal and combined scores, each 0-10.
type FraudScores struct {
	Exif      float64 `json:"exif"`
	Duplicate float64 `json:"duplicate"`
	GPS       float64 `json:"gps"`
	Visual    float64 `json:"visual"`
	Overall   float64 `json:"overall"`
}

// FraudCheckResult is the fast-check verdict consumed by the submission flow.
type FraudCheckResult struct {
	ID                   string      `json:"id"`
	SubmissionID         string      `json:"submission_id,omitempty"`
	Passed               bool        `json:"passed"`
	Flags                []string    `json:"flags"`
	Scores               FraudScores `json:"scores"`
	RequiresManualReview bool        `json:"requires_manual_review"`
	Fingerprint          Fingerprint `json:"fingerprint,omitempty"`
	ProcessingTimeMs     int64       `json:"processing_time_ms"`
	CreatedAt            time.Time   `json:"created_at"`
}

// RiskLevel tiers a submission for slow-check sampling.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SamplingStrategy decides whether the slow checks run for a submission.
type SamplingStrategy struct {
	ShouldSample bool      `json:"should_sample"`
	SamplingRate float64   `json:"sampling_rate"`
	RiskLevel    RiskLevel `json:"risk_level"`
}

// JobStatus is the lifecycle state of a slow-check job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// SlowCheckJob is a deferred verification request.
type SlowCheckJob struct {
	ID             string     `json:"id"`
	SubmissionID   string     `json:"submission_id"`
	ImageReference string     `json:"image_reference"`
	ImageRole      ImageRole  `json:"image_role"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
}

// FraudFlag is a discovered issue recorded for audit and manual follow-up.
type FraudFlag struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Detector     string    `json:"detector"`
	Detail       string    `json:"detail"`
	CreatedAt    time.Time `json:"created_at"`
}

// VerifierResult is the AI "does the after-photo look fixed" verdict.
type VerifierResult struct {
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// Decision is the outcome of evaluating one submission.
type Decision struct {
	SubmissionID    string            `json:"submission_id"`
	Fraud           *FraudCheckResult `json:"fraud"`
	Verifier        *VerifierResult   `json:"verifier,omitempty"`
	Sampling        SamplingStrategy  `json:"sampling"`
	SlowCheckQueued bool              `json:"slow_check_queued"`
	AutoApprove     bool              `json:"auto_approve"`
	Warnings        []Warning         `json:"warnings,omitempty"`
}

// Warning represents a non-fatal issue during processing.
type Warning struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// APIKey represents an API key for authentication.
type APIKey struct {
	ID                string     `json:"id"`
	KeyHash           string     `json:"-"` // Never expose
	Name              string     `json:"name"`
	RequestsPerMinute int        `json:"requests_per_minute"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// AuditLog represents an API request audit entry.
type AuditLog struct {
	ID           string    `json:"id"`
	APIKeyID     string    `json:"api_key_id"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	RequestSize  int64     `json:"request_size"`
	SubmissionID string    `json:"submission_id,omitempty"`
	ImageBytes   int64     `json:"image_bytes"`
	ResponseCode int       `json:"response_code"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// SlowCheckRequest is the request body for queueing slow checks.
type SlowCheckRequest struct {
	SubmissionID   string    `json:"submission_id"`
	ImageReference string    `json:"image_reference"`
	ImageRole      ImageRole `json:"image_role"`
}

// ClampScore limits s to the 0-10 score range.
func ClampScore(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

// ClampUnit limits v to [0, 1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
