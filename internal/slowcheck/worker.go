package slowcheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/fingerprint"
	"github.com/fixbounty/fraudguard/internal/forensics"
	"github.com/fixbounty/fraudguard/internal/metadata"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Detector names recorded on flags.
const (
	DetectorAIForensics   = "ai_forensics"
	DetectorNearDuplicate = "near_duplicate"
)

// Store is what the worker needs from persistence.
type Store interface {
	fingerprint.Source
	ClaimSlowCheckJobs(ctx context.Context, limit int) ([]*models.SlowCheckJob, error)
	ClaimSlowCheckJob(ctx context.Context, id string) (*models.SlowCheckJob, error)
	CompleteSlowCheckJob(ctx context.Context, id string, t time.Time) error
	FailSlowCheckJob(ctx context.Context, id, reason string, maxAttempts int) error
	ReleaseSlowCheckJob(ctx context.Context, id string) error
	ReclaimStaleSlowCheckJobs(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error)
	InsertFlag(ctx context.Context, flag *models.FraudFlag) (bool, error)
}

// ImageLoader resolves an image reference to bytes.
type ImageLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Worker drains the slow-check queue. Jobs may be delivered more than once;
// flags are keyed by submission and detector so reruns add nothing.
type Worker struct {
	cfg        config.SlowCheckConfig
	store      Store
	loader     ImageLoader
	extractor  *metadata.Extractor
	forensics  *forensics.Detector
	hasher     *fingerprint.Engine
	duplicates *fingerprint.DuplicateDetector
	semaphore  chan struct{}
}

// NewWorker creates a worker.
func NewWorker(cfg config.SlowCheckConfig, store Store, loader ImageLoader) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 10 * time.Minute
	}
	return &Worker{
		cfg:        cfg,
		store:      store,
		loader:     loader,
		extractor:  metadata.NewExtractor(),
		forensics:  forensics.NewDetector(),
		hasher:     fingerprint.NewEngine(),
		duplicates: fingerprint.NewDuplicateDetector(store, cfg.NearDuplicateDistance),
		semaphore:  make(chan struct{}, concurrency),
	}
}

// Run polls for pending jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("concurrency", cap(w.semaphore)).
		Dur("claim_lease", w.cfg.ClaimLease).
		Msg("Slow-check worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Slow-check poll failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Slow-check worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce requeues jobs whose claim lease has expired, then claims one batch
// of pending jobs and processes it, returning how many jobs were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := w.reclaim(ctx); err != nil {
		return 0, err
	}

	jobs, err := w.store.ClaimSlowCheckJobs(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *models.SlowCheckJob) {
			defer wg.Done()
			w.semaphore <- struct{}{}
			defer func() { <-w.semaphore }()
			w.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

// reclaim returns jobs left in processing by a crashed or killed worker.
func (w *Worker) reclaim(ctx context.Context) error {
	n, err := w.store.ReclaimStaleSlowCheckJobs(ctx, time.Now().Add(-w.cfg.ClaimLease), w.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Int64("count", n).Msg("Reclaimed stale slow-check jobs")
	}
	return nil
}

// ProcessByID claims and processes a single announced job. A job that is
// already claimed or finished is skipped.
func (w *Worker) ProcessByID(ctx context.Context, id string) error {
	job, err := w.store.ClaimSlowCheckJob(ctx, id)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", id, err)
	}
	if job == nil {
		log.Debug().Str("job_id", id).Msg("Announced job already taken")
		return nil
	}

	w.semaphore <- struct{}{}
	defer func() { <-w.semaphore }()
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *models.SlowCheckJob) (err error) {
	logger := log.With().Str("job_id", job.ID).Str("submission_id", job.SubmissionID).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil && ctx.Err() != nil {
			logger.Info().Err(err).Msg("Slow check interrupted, releasing job")
			if rerr := w.store.ReleaseSlowCheckJob(context.WithoutCancel(ctx), job.ID); rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to release job")
			}
			return
		}
		if err != nil {
			logger.Warn().Err(err).Int("attempt", job.Attempts).Msg("Slow check failed")
			attempts := w.cfg.MaxAttempts
			if errors.Is(err, ErrUnsupportedReference) {
				attempts = 0
			}
			if ferr := w.store.FailSlowCheckJob(context.WithoutCancel(ctx), job.ID, err.Error(), attempts); ferr != nil {
				logger.Error().Err(ferr).Msg("Failed to record job failure")
			}
		}
	}()

	data, err := w.loader.Load(ctx, job.ImageReference)
	if err != nil {
		return err
	}

	flags := w.analyze(ctx, job, data)
	for _, f := range flags {
		inserted, err := w.store.InsertFlag(ctx, f)
		if err != nil {
			return fmt.Errorf("record %s flag: %w", f.Detector, err)
		}
		if inserted {
			logger.Warn().Str("detector", f.Detector).Str("detail", f.Detail).Msg("Fraud flag recorded")
		}
	}

	if err := w.store.CompleteSlowCheckJob(ctx, job.ID, time.Now()); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	logger.Info().
		Int("flags", len(flags)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("Slow check complete")
	return nil
}

// analyze runs the expensive detectors and returns the flags they raise.
func (w *Worker) analyze(ctx context.Context, job *models.SlowCheckJob, data []byte) []*models.FraudFlag {
	var flags []*models.FraudFlag
	now := time.Now()

	meta := w.extractor.Extract(data)
	ai := w.forensics.Analyze(data, meta)
	if ai.Confidence >= w.cfg.AIFlagThreshold {
		flags = append(flags, &models.FraudFlag{
			ID:           uuid.New().String(),
			SubmissionID: job.SubmissionID,
			Detector:     DetectorAIForensics,
			Detail:       fmt.Sprintf("%s image likely generated (confidence %.2f): %s", job.ImageRole, ai.Confidence, strings.Join(ai.Patterns, ", ")),
			CreatedAt:    now,
		})
	}

	fp, err := w.hasher.Compute(data)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Skipping near-duplicate sweep")
		return flags
	}
	dup := w.duplicates.Check(ctx, fp, job.SubmissionID)
	if dup.IsDuplicate {
		flags = append(flags, &models.FraudFlag{
			ID:           uuid.New().String(),
			SubmissionID: job.SubmissionID,
			Detector:     DetectorNearDuplicate,
			Detail:       fmt.Sprintf("%s image resembles submissions %s", job.ImageRole, strings.Join(dup.MatchingSubmissionIDs, ", ")),
			CreatedAt:    now,
		})
	}
	return flags
}
