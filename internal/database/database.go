// Package database provides the data access layer with support for multiple backends.
package database

import (
	"context"
	"time"

	"github.com/fixbounty/fraudguard/internal/models"
)

// Store defines the interface for data persistence.
type Store interface {
	// Fingerprints are append-only.
	SaveFingerprint(ctx context.Context, rec *models.FingerprintRecord) error
	ListFingerprints(ctx context.Context, excludeSubmissionID string) ([]models.FingerprintRecord, error)

	// Fraud flags, unique per (submission, detector)
	InsertFlag(ctx context.Context, flag *models.FraudFlag) (bool, error)
	ListFlags(ctx context.Context, submissionID string) ([]*models.FraudFlag, error)

	// Slow-check jobs
	InsertSlowCheckJob(ctx context.Context, job *models.SlowCheckJob) error
	GetSlowCheckJob(ctx context.Context, id string) (*models.SlowCheckJob, error)
	ClaimSlowCheckJobs(ctx context.Context, limit int) ([]*models.SlowCheckJob, error)
	ClaimSlowCheckJob(ctx context.Context, id string) (*models.SlowCheckJob, error)
	CompleteSlowCheckJob(ctx context.Context, id string, t time.Time) error
	FailSlowCheckJob(ctx context.Context, id, reason string, maxAttempts int) error
	ReleaseSlowCheckJob(ctx context.Context, id string) error
	ReclaimStaleSlowCheckJobs(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error)
	ListSlowCheckJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.SlowCheckJob, error)

	// Fast-check audit trail
	SaveFraudCheck(ctx context.Context, result *models.FraudCheckResult) error
	GetFraudCheck(ctx context.Context, id string) (*models.FraudCheckResult, error)
	ListFraudChecks(ctx context.Context, limit, offset int) ([]*models.FraudCheckResult, error)

	// API Keys
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string, t time.Time) error
	DeleteAPIKey(ctx context.Context, id string) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)

	// Audit logs
	LogRequest(ctx context.Context, log *models.AuditLog) error
	GetAuditLogs(ctx context.Context, limit, offset int) ([]*models.AuditLog, error)

	// Lifecycle
	Close() error
	Migrate() error
}
