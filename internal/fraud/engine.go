// Package fraud runs the fast fraud checks on a submitted image and folds
// the detector signals into one verdict.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/fingerprint"
	"github.com/fixbounty/fraudguard/internal/metadata"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/visual"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrEmptyImage is returned when a check is requested without image bytes.
var ErrEmptyImage = errors.New("fraud: no image data")

// FingerprintStore reads and appends fingerprints of checked images.
type FingerprintStore interface {
	fingerprint.Source
	SaveFingerprint(ctx context.Context, rec *models.FingerprintRecord) error
}

// CheckRecorder appends fast-check results to an audit trail.
type CheckRecorder interface {
	SaveFraudCheck(ctx context.Context, result *models.FraudCheckResult) error
}

// Request is one image to check.
type Request struct {
	SubmissionID string
	ImageRole    models.ImageRole
	Image        []byte
	ExpectedGPS  *models.GPSPoint
}

// Engine orchestrates the fast fraud-check pipeline.
type Engine struct {
	extractor    *metadata.Extractor
	detectors    []Detector
	weights      map[string]float64
	fingerprints FingerprintStore
	recorder     CheckRecorder

	passingThreshold      float64
	manualReviewThreshold float64
	exifReviewFloor       float64
}

// NewEngine wires the standard detectors. recorder may be nil.
func NewEngine(cfg config.FraudConfig, fingerprints FingerprintStore, recorder CheckRecorder) *Engine {
	detectors := []Detector{
		NewAuthenticityDetector(metadata.NewScorer(cfg.ModifyTimestampTolerance)),
		NewDuplicateDetector(fingerprint.NewEngine(), fingerprint.NewDuplicateDetector(fingerprints, cfg.DuplicateHammingThreshold)),
		NewGPSDetector(cfg.GPSRadiusMeters),
		NewVisualDetector(visual.NewAnalyzer()),
	}
	return newEngine(cfg, detectors, fingerprints, recorder)
}

func newEngine(cfg config.FraudConfig, detectors []Detector, fingerprints FingerprintStore, recorder CheckRecorder) *Engine {
	return &Engine{
		extractor: metadata.NewExtractor(),
		detectors: detectors,
		weights: map[string]float64{
			DetectorExif:      cfg.ExifWeight,
			DetectorDuplicate: cfg.DuplicateWeight,
			DetectorGPS:       cfg.GPSWeight,
			DetectorVisual:    cfg.VisualWeight,
		},
		fingerprints:          fingerprints,
		recorder:              recorder,
		passingThreshold:      cfg.PassingThreshold,
		manualReviewThreshold: cfg.ManualReviewThreshold,
		exifReviewFloor:       float64(cfg.ExifReviewFloor),
	}
}

// RunFastChecks runs every detector concurrently and combines their
// signals. Detector failures degrade that signal to neutral; only an empty
// image is an error.
func (e *Engine) RunFastChecks(ctx context.Context, req Request) (*models.FraudCheckResult, error) {
	if len(req.Image) == 0 {
		return nil, ErrEmptyImage
	}
	startTime := time.Now()

	in := NewInput(req.SubmissionID, req.Image, req.ExpectedGPS, e.extractor)
	signals := e.runDetectors(ctx, in)
	result := e.combine(signals)

	result.ID = uuid.New().String()
	result.SubmissionID = req.SubmissionID
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	result.CreatedAt = time.Now()

	e.persist(ctx, req, result)

	log.Info().
		Str("id", result.ID).
		Str("submission_id", req.SubmissionID).
		Bool("passed", result.Passed).
		Bool("manual_review", result.RequiresManualReview).
		Float64("overall", result.Scores.Overall).
		Strs("flags", result.Flags).
		Int64("duration_ms", result.ProcessingTimeMs).
		Msg("Fast fraud check complete")

	return result, nil
}

type namedSignal struct {
	name string
	Signal
}

func (e *Engine) runDetectors(ctx context.Context, in *Input) []namedSignal {
	signals := make([]namedSignal, len(e.detectors))
	var wg sync.WaitGroup

	for i, d := range e.detectors {
		wg.Add(1)
		go func(idx int, d Detector) {
			defer wg.Done()
			signals[idx] = namedSignal{name: d.Name(), Signal: e.detect(ctx, d, in)}
		}(i, d)
	}

	wg.Wait()
	return signals
}

func (e *Engine) detect(ctx context.Context, d Detector, in *Input) (sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("detector", d.Name()).Msg("Detector panicked, using neutral score")
			sig = neutralSignal(d.Name())
		}
	}()

	sig, err := d.Detect(ctx, in)
	if err != nil {
		log.Warn().Err(err).Str("detector", d.Name()).Msg("Detector failed, using neutral score")
		return neutralSignal(d.Name())
	}
	sig.Score = math.Max(models.MinScore, math.Min(models.MaxScore, sig.Score))
	return sig
}

func neutralSignal(name string) Signal {
	return Signal{Score: models.NeutralScore, Flags: []string{name + FlagCheckFailedTail}}
}

func (e *Engine) combine(signals []namedSignal) *models.FraudCheckResult {
	result := &models.FraudCheckResult{Flags: []string{}}
	scores := map[string]float64{
		DetectorExif:      models.NeutralScore,
		DetectorDuplicate: models.NeutralScore,
		DetectorGPS:       models.NeutralScore,
		DetectorVisual:    models.NeutralScore,
	}

	duplicate := false
	for _, s := range signals {
		scores[s.name] = s.Score
		result.Flags = append(result.Flags, s.Flags...)
		if s.Duplicate {
			duplicate = true
		}
		if s.Fingerprint != "" {
			result.Fingerprint = s.Fingerprint
		}
	}

	var weighted, total float64
	for _, name := range []string{DetectorExif, DetectorDuplicate, DetectorGPS, DetectorVisual} {
		w := e.weights[name]
		weighted += scores[name] * w
		total += w
	}
	overall := float64(models.NeutralScore)
	if total > 0 {
		overall = round2(weighted / total)
	}

	result.Scores = models.FraudScores{
		Exif:      scores[DetectorExif],
		Duplicate: scores[DetectorDuplicate],
		GPS:       scores[DetectorGPS],
		Visual:    scores[DetectorVisual],
		Overall:   overall,
	}
	result.Passed = overall >= e.passingThreshold && !duplicate
	result.RequiresManualReview = !result.Passed ||
		overall < e.manualReviewThreshold ||
		result.Scores.Exif < e.exifReviewFloor

	return result
}

// persist writes the fingerprint and the audit record even when the caller
// has already given up waiting, so a late result still joins the duplicate
// corpus.
func (e *Engine) persist(ctx context.Context, req Request, result *models.FraudCheckResult) {
	ctx = context.WithoutCancel(ctx)
	if req.SubmissionID != "" && result.Fingerprint != "" && e.fingerprints != nil {
		role := req.ImageRole
		if role == "" {
			role = models.RoleSubmittedFix
		}
		rec := &models.FingerprintRecord{
			SubmissionID: req.SubmissionID,
			ImageRole:    role,
			Fingerprint:  result.Fingerprint,
			CreatedAt:    result.CreatedAt,
		}
		if err := e.fingerprints.SaveFingerprint(ctx, rec); err != nil {
			log.Error().Err(err).Str("submission_id", req.SubmissionID).Msg("Failed to save fingerprint")
		}
	}

	if e.recorder != nil {
		if err := e.recorder.SaveFraudCheck(ctx, result); err != nil {
			log.Error().Err(err).Str("id", result.ID).Msg("Failed to save fraud check")
		}
	}
}

// Describe summarizes a result on one line for logs and the CLI.
func Describe(r *models.FraudCheckResult) string {
	verdict := "passed"
	if !r.Passed {
		verdict = "failed"
	}
	if r.RequiresManualReview {
		verdict += ", manual review"
	}
	return fmt.Sprintf("%s (overall %.2f, %d flags)", verdict, r.Scores.Overall, len(r.Flags))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
