// Package submission evaluates a fix submission end to end: the fast fraud
// checks, the AI verifier and the slow-check sampling decision.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/fraud"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/sampling"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FlagFastCheckTimeout marks a result whose fast checks did not finish in time.
const FlagFastCheckTimeout = "fast_check_timeout"

// FastChecker runs the synchronous fraud checks.
type FastChecker interface {
	RunFastChecks(ctx context.Context, req fraud.Request) (*models.FraudCheckResult, error)
}

// Verifier judges whether the after photo shows the issue fixed.
type Verifier interface {
	Verify(ctx context.Context, before, after []byte, description string) (*models.VerifierResult, error)
}

// SlowQueue queues deferred checks without blocking.
type SlowQueue interface {
	EnqueueAsync(submissionID, imageReference string, role models.ImageRole)
}

// Request is one submission to evaluate.
type Request struct {
	SubmissionID string
	Description  string
	RewardAmount float64
	ExpectedGPS  *models.GPSPoint

	// After is the photo submitted as proof of the fix. Before is optional.
	After  []byte
	Before []byte

	// ImageReference locates After for the slow checks. When empty and an
	// archive is configured, After is archived and referenced from there.
	ImageReference string
	ImageRole      models.ImageRole
}

// Service evaluates submissions.
type Service struct {
	checker  FastChecker
	recorder fraud.CheckRecorder
	verifier Verifier
	sampler  *sampling.Sampler
	queue    SlowQueue
	archive  *Archive

	fastCheckTimeout     time.Duration
	verifierTimeout      time.Duration
	autoApproveThreshold float64
}

// NewService creates a submission service. recorder keeps the stand-in
// result of a timed-out fast check. recorder, verifier, queue and archive
// may be nil.
func NewService(cfg *config.Config, checker FastChecker, recorder fraud.CheckRecorder, verifier Verifier, sampler *sampling.Sampler, queue SlowQueue, archive *Archive) *Service {
	return &Service{
		checker:              checker,
		recorder:             recorder,
		verifier:             verifier,
		sampler:              sampler,
		queue:                queue,
		archive:              archive,
		fastCheckTimeout:     cfg.Fraud.FastCheckTimeout,
		verifierTimeout:      cfg.Fraud.VerifierTimeout,
		autoApproveThreshold: cfg.Sampling.AutoApproveThreshold,
	}
}

// Evaluate runs the fast checks and the verifier, then decides whether the
// slow checks should also run. Only an empty image is an error; a slow or
// failing collaborator routes the submission to manual review.
func (s *Service) Evaluate(ctx context.Context, req Request) (*models.Decision, error) {
	if len(req.After) == 0 {
		return nil, fraud.ErrEmptyImage
	}
	if req.SubmissionID == "" {
		req.SubmissionID = uuid.New().String()
	}
	if req.ImageRole == "" {
		req.ImageRole = models.RoleSubmittedFix
	}

	decision := &models.Decision{SubmissionID: req.SubmissionID}

	result, err := s.fastCheck(ctx, req)
	if err != nil {
		return nil, err
	}
	decision.Fraud = result

	confidence := 0.0
	if s.verifier != nil {
		v, err := s.verify(ctx, req)
		if err != nil {
			log.Warn().Err(err).Str("submission_id", req.SubmissionID).Msg("Verifier failed")
			decision.Warnings = append(decision.Warnings, models.Warning{Source: "verifier", Message: err.Error()})
		} else {
			decision.Verifier = v
			confidence = float64(v.Confidence)
		}
	}

	decision.Sampling = s.sampler.Determine(confidence, req.RewardAmount)
	if decision.Sampling.ShouldSample {
		decision.SlowCheckQueued = s.queueSlowChecks(req, decision)
	}

	decision.AutoApprove = result.Passed &&
		!result.RequiresManualReview &&
		decision.Verifier != nil &&
		confidence >= s.autoApproveThreshold

	log.Info().
		Str("submission_id", req.SubmissionID).
		Bool("auto_approve", decision.AutoApprove).
		Str("risk_level", string(decision.Sampling.RiskLevel)).
		Bool("slow_check_queued", decision.SlowCheckQueued).
		Msg("Submission evaluated")

	return decision, nil
}

type fastCheckOutcome struct {
	result *models.FraudCheckResult
	err    error
}

func (s *Service) fastCheck(ctx context.Context, req Request) (*models.FraudCheckResult, error) {
	if s.fastCheckTimeout <= 0 {
		return s.checker.RunFastChecks(ctx, s.fraudRequest(req))
	}

	ctx, cancel := context.WithTimeout(ctx, s.fastCheckTimeout)
	defer cancel()

	done := make(chan fastCheckOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fastCheckOutcome{err: fmt.Errorf("fast checks panicked: %v", r)}
			}
		}()
		result, err := s.checker.RunFastChecks(ctx, s.fraudRequest(req))
		done <- fastCheckOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		log.Warn().
			Str("submission_id", req.SubmissionID).
			Dur("timeout", s.fastCheckTimeout).
			Msg("Fast checks timed out, routing to manual review")
		result := timedOutResult(req.SubmissionID)
		if s.recorder != nil {
			if err := s.recorder.SaveFraudCheck(context.WithoutCancel(ctx), result); err != nil {
				log.Error().Err(err).Str("id", result.ID).Msg("Failed to save timed-out fraud check")
			}
		}
		return result, nil
	}
}

func (s *Service) fraudRequest(req Request) fraud.Request {
	return fraud.Request{
		SubmissionID: req.SubmissionID,
		ImageRole:    req.ImageRole,
		Image:        req.After,
		ExpectedGPS:  req.ExpectedGPS,
	}
}

// timedOutResult stands in for fast checks that did not finish: neutral
// scores, not passed, manual review.
func timedOutResult(submissionID string) *models.FraudCheckResult {
	return &models.FraudCheckResult{
		ID:           uuid.New().String(),
		SubmissionID: submissionID,
		Passed:       false,
		Flags:        []string{FlagFastCheckTimeout},
		Scores: models.FraudScores{
			Exif:      models.NeutralScore,
			Duplicate: models.NeutralScore,
			GPS:       models.NeutralScore,
			Visual:    models.NeutralScore,
			Overall:   models.NeutralScore,
		},
		RequiresManualReview: true,
		CreatedAt:            time.Now(),
	}
}

func (s *Service) verify(ctx context.Context, req Request) (*models.VerifierResult, error) {
	if s.verifierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.verifierTimeout)
		defer cancel()
	}
	v, err := s.verifier.Verify(ctx, req.Before, req.After, req.Description)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("verifier timed out after %s", s.verifierTimeout)
		}
		return nil, err
	}
	return v, nil
}

func (s *Service) queueSlowChecks(req Request, decision *models.Decision) bool {
	if s.queue == nil {
		return false
	}

	ref := req.ImageReference
	if ref == "" && s.archive != nil {
		var err error
		ref, err = s.archive.Save(req.SubmissionID, req.ImageRole, req.After)
		if err != nil {
			log.Error().Err(err).Str("submission_id", req.SubmissionID).Msg("Failed to archive image for slow checks")
		}
	}
	if ref == "" {
		decision.Warnings = append(decision.Warnings, models.Warning{
			Source:  "slow_checks",
			Message: "sampled but no image reference is available",
		})
		return false
	}

	s.queue.EnqueueAsync(req.SubmissionID, ref, req.ImageRole)
	return true
}
