package slowcheck

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/database"
	"github.com/fixbounty/fraudguard/internal/fingerprint"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root   string
	store  *database.SQLiteStore
	queue  *Queue
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := database.NewSQLiteStore(database.DriverPureGo, filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(root, 0755))

	cfg := config.DefaultConfig().SlowChecks
	cfg.MaxAttempts = 2
	return &fixture{
		root:   root,
		store:  store,
		queue:  NewQueue(store, nil),
		worker: NewWorker(cfg, store, NewLoader(root, time.Second)),
	}
}

func (f *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, name), data, 0644))
	return name
}

func generatedImage(t *testing.T) []byte {
	return testsupport.PNGWithText(t, testsupport.SolidImage(512, 512, color.RGBA{R: 90, G: 140, B: 200, A: 255}),
		"parameters", "a freshly repaved road, photorealistic, steps: 30")
}

func cameraImage(t *testing.T) []byte {
	return testsupport.JPEGWithExif(t, testsupport.NoisyImage(400, 300, 11), testsupport.ExifTags{
		Make:             "Apple",
		Model:            "iPhone 15",
		DateTimeOriginal: "2024:06:01 09:30:00",
	})
}

func flagsByDetector(t *testing.T, store *database.SQLiteStore, submissionID string) map[string]*models.FraudFlag {
	t.Helper()
	flags, err := store.ListFlags(context.Background(), submissionID)
	require.NoError(t, err)
	out := map[string]*models.FraudFlag{}
	for _, fl := range flags {
		out[fl.Detector] = fl
	}
	return out
}

func TestWorkerFlagsGeneratedImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.write(t, "gen.png", generatedImage(t))

	require.True(t, f.queue.Enqueue(ctx, "sub-1", ref, models.RoleAfter))
	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	flags := flagsByDetector(t, f.store, "sub-1")
	require.Contains(t, flags, DetectorAIForensics)
	assert.Contains(t, flags[DetectorAIForensics].Detail, "generator_parameters")
	assert.NotContains(t, flags, DetectorNearDuplicate)

	done, err := f.store.ListSlowCheckJobs(ctx, models.JobDone, 10)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestWorkerClosesCleanJobSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.write(t, "camera.jpg", cameraImage(t))

	require.True(t, f.queue.Enqueue(ctx, "sub-1", ref, models.RoleAfter))
	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, flagsByDetector(t, f.store, "sub-1"))
	done, err := f.store.ListSlowCheckJobs(ctx, models.JobDone, 10)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestWorkerFindsNearDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := cameraImage(t)
	ref := f.write(t, "reused.jpg", img)

	fp, err := fingerprint.NewEngine().Compute(img)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveFingerprint(ctx, &models.FingerprintRecord{SubmissionID: "sub-old", ImageRole: models.RoleAfter, Fingerprint: fp, CreatedAt: time.Now()}))
	// its own fingerprint must not count
	require.NoError(t, f.store.SaveFingerprint(ctx, &models.FingerprintRecord{SubmissionID: "sub-new", ImageRole: models.RoleAfter, Fingerprint: fp, CreatedAt: time.Now()}))

	require.True(t, f.queue.Enqueue(ctx, "sub-new", ref, models.RoleAfter))
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	flags := flagsByDetector(t, f.store, "sub-new")
	require.Contains(t, flags, DetectorNearDuplicate)
	assert.Contains(t, flags[DetectorNearDuplicate].Detail, "sub-old")
	assert.NotContains(t, flags[DetectorNearDuplicate].Detail, "sub-new")
}

func TestWorkerIsIdempotentAcrossRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.write(t, "gen.png", generatedImage(t))

	for i := 0; i < 3; i++ {
		require.True(t, f.queue.Enqueue(ctx, "sub-1", ref, models.RoleAfter))
	}
	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	flags, err := f.store.ListFlags(ctx, "sub-1")
	require.NoError(t, err)
	assert.Len(t, flags, 1)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.queue.Enqueue(ctx, "sub-1", "missing.jpg", models.RoleAfter))

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	pending, err := f.store.ListSlowCheckJobs(ctx, models.JobPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.NotEmpty(t, pending[0].LastError)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	failed, err := f.store.ListSlowCheckJobs(ctx, models.JobFailed, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestWorkerFailsUnsupportedReferenceImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.queue.Enqueue(ctx, "sub-1", "ftp://example.com/a.jpg", models.RoleAfter))

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	failed, err := f.store.ListSlowCheckJobs(ctx, models.JobFailed, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestProcessByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.write(t, "gen.png", generatedImage(t))
	require.True(t, f.queue.Enqueue(ctx, "sub-1", ref, models.RoleAfter))

	jobs, err := f.store.ListSlowCheckJobs(ctx, models.JobPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, f.worker.ProcessByID(ctx, jobs[0].ID))
	assert.Contains(t, flagsByDetector(t, f.store, "sub-1"), DetectorAIForensics)

	// second delivery of the same announcement is a no-op
	require.NoError(t, f.worker.ProcessByID(ctx, jobs[0].ID))
	require.NoError(t, f.worker.ProcessByID(ctx, "unknown"))
}

func TestRunOnceReclaimsExpiredClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.write(t, "gen.png", generatedImage(t))
	require.True(t, f.queue.Enqueue(ctx, "sub-1", ref, models.RoleAfter))

	// a worker claimed the job and died
	claimed, err := f.store.ClaimSlowCheckJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// still inside the lease
	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	cfg := config.DefaultConfig().SlowChecks
	cfg.MaxAttempts = 2
	cfg.ClaimLease = time.Millisecond
	w := NewWorker(cfg, f.store, NewLoader(f.root, time.Second))
	time.Sleep(10 * time.Millisecond)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := f.store.GetSlowCheckJob(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, flagsByDetector(t, f.store, "sub-1"), DetectorAIForensics)
}

type blockingLoader struct {
	started chan struct{}
}

func (l *blockingLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	close(l.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestShutdownReleasesJobWithoutCountingAttempt(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.queue.Enqueue(context.Background(), "sub-1", "slow.jpg", models.RoleAfter))

	loader := &blockingLoader{started: make(chan struct{})}
	cfg := config.DefaultConfig().SlowChecks
	cfg.MaxAttempts = 1
	w := NewWorker(cfg, f.store, loader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(ctx)
		done <- err
	}()

	select {
	case <-loader.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not picked up")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	pending, err := f.store.ListSlowCheckJobs(context.Background(), models.JobPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Nil(t, pending[0].ClaimedAt)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
