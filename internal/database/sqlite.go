// Package database provides SQLite implementation of the Store interface.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fixbounty/fraudguard/internal/models"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted in configuration.
const (
	DriverCGO    = "sqlite"
	DriverPureGo = "sqlite-purego"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store using the named driver.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var db *sql.DB
	var err error
	switch driver {
	case DriverCGO, "":
		db, err = sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	case DriverPureGo:
		db, err = sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS fingerprints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			submission_id TEXT NOT NULL,
			image_role TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (submission_id, image_role, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fingerprints_submission ON fingerprints(submission_id)`,
		`CREATE TABLE IF NOT EXISTS fraud_flags (
			id TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL,
			detector TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (submission_id, detector)
		)`,
		`CREATE TABLE IF NOT EXISTS slow_check_jobs (
			id TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL,
			image_reference TEXT NOT NULL,
			image_role TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at DATETIME NOT NULL,
			completed_at DATETIME,
			claimed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slow_jobs_status ON slow_check_jobs(status, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS fraud_checks (
			id TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL,
			passed INTEGER NOT NULL,
			requires_manual_review INTEGER NOT NULL,
			exif_score REAL NOT NULL,
			duplicate_score REAL NOT NULL,
			gps_score REAL NOT NULL,
			visual_score REAL NOT NULL,
			overall_score REAL NOT NULL,
			flags TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			processing_time_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_checks_created ON fraud_checks(created_at)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			requests_per_minute INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			api_key_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			request_size INTEGER NOT NULL,
			submission_id TEXT NOT NULL DEFAULT '',
			image_bytes INTEGER NOT NULL DEFAULT 0,
			response_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Columns added after the first release.
	for _, c := range []struct{ table, column, decl string }{
		{"slow_check_jobs", "claimed_at", "DATETIME"},
		{"audit_logs", "submission_id", "TEXT NOT NULL DEFAULT ''"},
		{"audit_logs", "image_bytes", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := s.addColumn(c.table, c.column, c.decl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) addColumn(table, column, decl string) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveFingerprint records a checked image. Re-saving the same fingerprint
// for the same submission and role is a no-op.
func (s *SQLiteStore) SaveFingerprint(ctx context.Context, rec *models.FingerprintRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fingerprints (submission_id, image_role, fingerprint, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.SubmissionID, rec.ImageRole, rec.Fingerprint, rec.CreatedAt.UTC())
	return err
}

// ListFingerprints returns every stored fingerprint not belonging to
// excludeSubmissionID, oldest first.
func (s *SQLiteStore) ListFingerprints(ctx context.Context, excludeSubmissionID string) ([]models.FingerprintRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, image_role, fingerprint, created_at
		FROM fingerprints WHERE submission_id != ? ORDER BY id`, excludeSubmissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.FingerprintRecord
	for rows.Next() {
		var r models.FingerprintRecord
		if err := rows.Scan(&r.SubmissionID, &r.ImageRole, &r.Fingerprint, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// InsertFlag records a flag and reports whether it was new. A second flag
// from the same detector for the same submission is ignored.
func (s *SQLiteStore) InsertFlag(ctx context.Context, flag *models.FraudFlag) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fraud_flags (id, submission_id, detector, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		flag.ID, flag.SubmissionID, flag.Detector, flag.Detail, flag.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFlags returns the flags recorded for a submission.
func (s *SQLiteStore) ListFlags(ctx context.Context, submissionID string) ([]*models.FraudFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, detector, detail, created_at
		FROM fraud_flags WHERE submission_id = ? ORDER BY created_at, detector`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []*models.FraudFlag
	for rows.Next() {
		var f models.FraudFlag
		if err := rows.Scan(&f.ID, &f.SubmissionID, &f.Detector, &f.Detail, &f.CreatedAt); err != nil {
			return nil, err
		}
		flags = append(flags, &f)
	}
	return flags, rows.Err()
}

const jobColumns = `id, submission_id, image_reference, image_role, status, attempts, last_error, enqueued_at, completed_at, claimed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.SlowCheckJob, error) {
	var j models.SlowCheckJob
	if err := row.Scan(&j.ID, &j.SubmissionID, &j.ImageReference, &j.ImageRole, &j.Status,
		&j.Attempts, &j.LastError, &j.EnqueuedAt, &j.CompletedAt, &j.ClaimedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// InsertSlowCheckJob stores a new pending job.
func (s *SQLiteStore) InsertSlowCheckJob(ctx context.Context, job *models.SlowCheckJob) error {
	if job.Status == "" {
		job.Status = models.JobPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slow_check_jobs (id, submission_id, image_reference, image_role, status, attempts, last_error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SubmissionID, job.ImageReference, job.ImageRole, job.Status,
		job.Attempts, job.LastError, job.EnqueuedAt.UTC())
	return err
}

// GetSlowCheckJob retrieves a job by ID.
func (s *SQLiteStore) GetSlowCheckJob(ctx context.Context, id string) (*models.SlowCheckJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM slow_check_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimSlowCheckJobs moves up to limit pending jobs to processing, oldest
// first, and returns them.
func (s *SQLiteStore) ClaimSlowCheckJobs(ctx context.Context, limit int) ([]*models.SlowCheckJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM slow_check_jobs WHERE status = ? ORDER BY enqueued_at, id LIMIT ?`,
		models.JobPending, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var jobs []*models.SlowCheckJob
	for _, id := range ids {
		job, err := claim(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	return jobs, tx.Commit()
}

// ClaimSlowCheckJob claims a single job by ID. It returns nil when the job
// does not exist or is not pending.
func (s *SQLiteStore) ClaimSlowCheckJob(ctx context.Context, id string) (*models.SlowCheckJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := claim(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

func claim(ctx context.Context, tx *sql.Tx, id string) (*models.SlowCheckJob, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE slow_check_jobs SET status = ?, attempts = attempts + 1, claimed_at = ?
		WHERE id = ? AND status = ?`,
		models.JobProcessing, time.Now().UTC(), id, models.JobPending)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM slow_check_jobs WHERE id = ?`, id))
}

// CompleteSlowCheckJob marks a job done.
func (s *SQLiteStore) CompleteSlowCheckJob(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE slow_check_jobs SET status = ?, last_error = '', completed_at = ? WHERE id = ?`,
		models.JobDone, t.UTC(), id)
	return err
}

// FailSlowCheckJob records a failed attempt. The job returns to pending
// until it has been attempted maxAttempts times.
func (s *SQLiteStore) FailSlowCheckJob(ctx context.Context, id, reason string, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE slow_check_jobs
		SET status = CASE WHEN attempts >= ? THEN ? ELSE ? END, last_error = ?
		WHERE id = ?`,
		maxAttempts, models.JobFailed, models.JobPending, reason, id)
	return err
}

// ReleaseSlowCheckJob returns a processing job to pending without counting
// the attempt. Used when a worker shuts down mid-job.
func (s *SQLiteStore) ReleaseSlowCheckJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE slow_check_jobs
		SET status = ?, attempts = MAX(attempts - 1, 0), claimed_at = NULL
		WHERE id = ? AND status = ?`,
		models.JobPending, id, models.JobProcessing)
	return err
}

// ReclaimStaleSlowCheckJobs returns jobs claimed before cutoff and still
// processing to pending. The claim counts as an attempt, so a job that keeps
// stalling its worker ends up failed after maxAttempts claims.
func (s *SQLiteStore) ReclaimStaleSlowCheckJobs(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE slow_check_jobs
		SET status = CASE WHEN attempts >= ? THEN ? ELSE ? END,
			last_error = 'claim lease expired', claimed_at = NULL
		WHERE status = ? AND (claimed_at IS NULL OR claimed_at < ?)`,
		maxAttempts, models.JobFailed, models.JobPending, models.JobProcessing, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// ListSlowCheckJobs returns the most recent jobs, optionally filtered by status.
func (s *SQLiteStore) ListSlowCheckJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.SlowCheckJob, error) {
	query := `SELECT ` + jobColumns + ` FROM slow_check_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY enqueued_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.SlowCheckJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const fraudCheckColumns = `id, submission_id, passed, requires_manual_review, exif_score, duplicate_score,
	gps_score, visual_score, overall_score, flags, fingerprint, processing_time_ms, created_at`

func scanFraudCheck(row scanner) (*models.FraudCheckResult, error) {
	var r models.FraudCheckResult
	var flagsJSON string
	if err := row.Scan(&r.ID, &r.SubmissionID, &r.Passed, &r.RequiresManualReview,
		&r.Scores.Exif, &r.Scores.Duplicate, &r.Scores.GPS, &r.Scores.Visual, &r.Scores.Overall,
		&flagsJSON, &r.Fingerprint, &r.ProcessingTimeMs, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(flagsJSON), &r.Flags); err != nil {
		return nil, fmt.Errorf("decode flags of fraud check %s: %w", r.ID, err)
	}
	return &r, nil
}

// SaveFraudCheck appends a fast-check result to the audit trail.
func (s *SQLiteStore) SaveFraudCheck(ctx context.Context, r *models.FraudCheckResult) error {
	flags := r.Flags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_checks (`+fraudCheckColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubmissionID, r.Passed, r.RequiresManualReview,
		r.Scores.Exif, r.Scores.Duplicate, r.Scores.GPS, r.Scores.Visual, r.Scores.Overall,
		string(flagsJSON), r.Fingerprint, r.ProcessingTimeMs, r.CreatedAt.UTC())
	return err
}

// GetFraudCheck retrieves a fast-check result by ID.
func (s *SQLiteStore) GetFraudCheck(ctx context.Context, id string) (*models.FraudCheckResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fraudCheckColumns+` FROM fraud_checks WHERE id = ?`, id)
	r, err := scanFraudCheck(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListFraudChecks returns paginated fast-check results, newest first.
func (s *SQLiteStore) ListFraudChecks(ctx context.Context, limit, offset int) ([]*models.FraudCheckResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fraudCheckColumns+`
		FROM fraud_checks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.FraudCheckResult
	for rows.Next() {
		r, err := scanFraudCheck(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateAPIKey stores a new API key.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, name, requests_per_minute, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.Name, key.RequestsPerMinute, key.CreatedAt.UTC())
	return err
}

// GetAPIKeyByHash retrieves an API key by its hash.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, name, requests_per_minute, created_at, last_used_at
		FROM api_keys WHERE key_hash = ?`, hash)

	var key models.APIKey
	err := row.Scan(&key.ID, &key.KeyHash, &key.Name, &key.RequestsPerMinute,
		&key.CreatedAt, &key.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// UpdateAPIKeyLastUsed updates the last used timestamp.
func (s *SQLiteStore) UpdateAPIKeyLastUsed(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, t.UTC(), id)
	return err
}

// DeleteAPIKey removes an API key.
func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// ListAPIKeys returns all API keys.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, requests_per_minute, created_at, last_used_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.RequestsPerMinute, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// LogRequest stores an audit log entry.
func (s *SQLiteStore) LogRequest(ctx context.Context, log *models.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, api_key_id, endpoint, method, request_size, submission_id, image_bytes, response_code, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.APIKeyID, log.Endpoint, log.Method, log.RequestSize,
		log.SubmissionID, log.ImageBytes, log.ResponseCode, log.DurationMs, log.Timestamp.UTC())
	return err
}

// GetAuditLogs returns paginated audit logs.
func (s *SQLiteStore) GetAuditLogs(ctx context.Context, limit, offset int) ([]*models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, api_key_id, endpoint, method, request_size, submission_id, image_bytes, response_code, duration_ms, timestamp
		FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.APIKeyID, &l.Endpoint, &l.Method,
			&l.RequestSize, &l.SubmissionID, &l.ImageBytes, &l.ResponseCode, &l.DurationMs, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

