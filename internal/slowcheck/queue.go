// Package slowcheck queues deferred, expensive fraud checks and runs them in
// the background.
package slowcheck

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const enqueueTimeout = 10 * time.Second

// JobStore persists queued jobs.
type JobStore interface {
	InsertSlowCheckJob(ctx context.Context, job *models.SlowCheckJob) error
}

// Notifier announces a stored job to workers.
type Notifier interface {
	NotifyJob(ctx context.Context, job *models.SlowCheckJob) error
}

// Queue records slow-check jobs. Enqueuing the same submission twice stores
// two jobs; workers record their findings idempotently.
type Queue struct {
	store    JobStore
	notifier Notifier
	wg       sync.WaitGroup
}

// NewQueue creates a queue. notifier may be nil.
func NewQueue(store JobStore, notifier Notifier) *Queue {
	return &Queue{store: store, notifier: notifier}
}

// Enqueue stores a job and reports whether it was stored. Failures are
// logged, never returned.
func (q *Queue) Enqueue(ctx context.Context, submissionID, imageReference string, role models.ImageRole) bool {
	submissionID = strings.TrimSpace(submissionID)
	imageReference = strings.TrimSpace(imageReference)
	if submissionID == "" || imageReference == "" || !role.Valid() {
		log.Warn().
			Str("submission_id", submissionID).
			Str("image_role", string(role)).
			Msg("Refusing to queue slow check with incomplete job")
		return false
	}

	job := &models.SlowCheckJob{
		ID:             uuid.New().String(),
		SubmissionID:   submissionID,
		ImageReference: imageReference,
		ImageRole:      role,
		Status:         models.JobPending,
		EnqueuedAt:     time.Now(),
	}
	if err := q.store.InsertSlowCheckJob(ctx, job); err != nil {
		log.Error().Err(err).Str("submission_id", submissionID).Msg("Failed to queue slow check")
		return false
	}

	if q.notifier != nil {
		if err := q.notifier.NotifyJob(ctx, job); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to announce slow check, worker will poll it")
		}
	}

	log.Info().
		Str("job_id", job.ID).
		Str("submission_id", submissionID).
		Str("image_role", string(role)).
		Msg("Slow check queued")
	return true
}

// EnqueueAsync queues a job without blocking the caller.
func (q *Queue) EnqueueAsync(submissionID, imageReference string, role models.ImageRole) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("submission_id", submissionID).Msg("Panic queueing slow check")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		q.Enqueue(ctx, submissionID, imageReference, role)
	}()
}

// Wait blocks until pending EnqueueAsync calls finish.
func (q *Queue) Wait() {
	q.wg.Wait()
}
