package fraud

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/fingerprint"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	records []models.FingerprintRecord
	checks  []*models.FraudCheckResult
	listErr error
	// listDelay holds ListFingerprints to simulate a slow corpus.
	listDelay time.Duration
}

func (m *memoryStore) ListFingerprints(_ context.Context, exclude string) ([]models.FingerprintRecord, error) {
	time.Sleep(m.listDelay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.FingerprintRecord
	for _, r := range m.records {
		if r.SubmissionID != exclude {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) SaveFingerprint(ctx context.Context, rec *models.FingerprintRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memoryStore) SaveFraudCheck(ctx context.Context, r *models.FraudCheckResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, r)
	return nil
}

var site = models.GPSPoint{Latitude: 40.7128, Longitude: -74.0060}

func cameraPhoto(t *testing.T, seed uint64) []byte {
	lat, lon := site.Latitude, site.Longitude
	return testsupport.JPEGWithExif(t, testsupport.NoisyImage(320, 240, seed), testsupport.ExifTags{
		Make:             "Google",
		Model:            "Pixel 8",
		DateTimeOriginal: "2024:05:01 10:00:00",
		DateTime:         "2024:05:01 10:00:00",
		Latitude:         &lat,
		Longitude:        &lon,
	})
}

func TestRunFastChecksEmptyImage(t *testing.T) {
	e := NewEngine(config.DefaultConfig().Fraud, &memoryStore{}, nil)
	_, err := e.RunFastChecks(context.Background(), Request{SubmissionID: "sub-1"})
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestRunFastChecksCleanCameraPhoto(t *testing.T) {
	store := &memoryStore{}
	e := NewEngine(config.DefaultConfig().Fraud, store, store)

	res, err := e.RunFastChecks(context.Background(), Request{
		SubmissionID: "sub-1",
		ImageRole:    models.RoleAfter,
		Image:        cameraPhoto(t, 1),
		ExpectedGPS:  &site,
	})
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.False(t, res.RequiresManualReview)
	assert.Empty(t, res.Flags)
	assert.Equal(t, models.FraudScores{Exif: 10, Duplicate: 10, GPS: 10, Visual: 10, Overall: 10}, res.Scores)
	assert.NotEmpty(t, res.ID)
	assert.NotEmpty(t, res.Fingerprint)

	require.Len(t, store.records, 1)
	assert.Equal(t, "sub-1", store.records[0].SubmissionID)
	assert.Equal(t, models.RoleAfter, store.records[0].ImageRole)
	assert.Equal(t, res.Fingerprint, store.records[0].Fingerprint)
	require.Len(t, store.checks, 1)
	assert.Equal(t, res.ID, store.checks[0].ID)
}

func TestRunFastChecksPersistsAfterDeadline(t *testing.T) {
	store := &memoryStore{listDelay: 50 * time.Millisecond}
	e := NewEngine(config.DefaultConfig().Fraud, store, store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res, err := e.RunFastChecks(ctx, Request{SubmissionID: "sub-1", Image: cameraPhoto(t, 9), ExpectedGPS: &site})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.records, 1)
	assert.Equal(t, res.Fingerprint, store.records[0].Fingerprint)
	assert.Equal(t, models.RoleSubmittedFix, store.records[0].ImageRole)
	require.Len(t, store.checks, 1)
	assert.Equal(t, res.ID, store.checks[0].ID)
}

func TestRunFastChecksMissingMetadataGoesToReview(t *testing.T) {
	e := NewEngine(config.DefaultConfig().Fraud, &memoryStore{}, nil)

	res, err := e.RunFastChecks(context.Background(), Request{
		SubmissionID: "sub-1",
		Image:        testsupport.PNG(t, testsupport.NoisyImage(320, 240, 2)),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{FlagMissingExif}, res.Flags)
	assert.Equal(t, 0.0, res.Scores.Exif)
	assert.Equal(t, float64(models.NeutralScore), res.Scores.GPS)
	assert.InDelta(t, 5.5, res.Scores.Overall, 1e-9)
	assert.False(t, res.Passed)
	assert.True(t, res.RequiresManualReview)
}

func TestRunFastChecksDetectsReuse(t *testing.T) {
	store := &memoryStore{}
	e := NewEngine(config.DefaultConfig().Fraud, store, nil)
	img := cameraPhoto(t, 3)

	first, err := e.RunFastChecks(context.Background(), Request{SubmissionID: "sub-1", Image: img, ExpectedGPS: &site})
	require.NoError(t, err)
	assert.True(t, first.Passed)

	second, err := e.RunFastChecks(context.Background(), Request{SubmissionID: "sub-2", Image: img, ExpectedGPS: &site})
	require.NoError(t, err)
	assert.False(t, second.Passed)
	assert.True(t, second.RequiresManualReview)
	assert.Contains(t, second.Flags, FlagDuplicate)
	assert.Equal(t, 0.0, second.Scores.Duplicate)
}

func TestRunFastChecksNeverMatchesOwnSubmission(t *testing.T) {
	store := &memoryStore{}
	e := NewEngine(config.DefaultConfig().Fraud, store, nil)
	img := cameraPhoto(t, 4)

	for i := 0; i < 2; i++ {
		res, err := e.RunFastChecks(context.Background(), Request{SubmissionID: "sub-1", Image: img, ExpectedGPS: &site})
		require.NoError(t, err)
		assert.NotContains(t, res.Flags, FlagDuplicate)
		assert.True(t, res.Passed)
	}
}

func TestRunFastChecksGPSMismatch(t *testing.T) {
	e := NewEngine(config.DefaultConfig().Fraud, &memoryStore{}, nil)
	elsewhere := models.GPSPoint{Latitude: 40.7228, Longitude: -74.0060} // ~1.1 km north

	res, err := e.RunFastChecks(context.Background(), Request{SubmissionID: "sub-1", Image: cameraPhoto(t, 5), ExpectedGPS: &elsewhere})
	require.NoError(t, err)
	assert.Contains(t, res.Flags, FlagGPSMismatch)
	assert.Less(t, res.Scores.GPS, 10.0)
}

func TestRunFastChecksUndecodableImageDegrades(t *testing.T) {
	store := &memoryStore{}
	e := NewEngine(config.DefaultConfig().Fraud, store, nil)

	res, err := e.RunFastChecks(context.Background(), Request{SubmissionID: "sub-1", Image: []byte("definitely not an image")})
	require.NoError(t, err)

	assert.Contains(t, res.Flags, DetectorDuplicate+FlagCheckFailedTail)
	assert.Equal(t, float64(models.NeutralScore), res.Scores.Duplicate)
	assert.Equal(t, float64(models.NeutralScore), res.Scores.Visual)
	assert.True(t, res.RequiresManualReview)
	assert.Empty(t, res.Fingerprint)
	assert.Empty(t, store.records)
}

func TestRunFastChecksStoreFailureFailsOpen(t *testing.T) {
	store := &memoryStore{listErr: errors.New("db locked")}
	e := NewEngine(config.DefaultConfig().Fraud, store, nil)

	res, err := e.RunFastChecks(context.Background(), Request{SubmissionID: "sub-1", Image: cameraPhoto(t, 6), ExpectedGPS: &site})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 10.0, res.Scores.Duplicate)
}

type fakeDetector struct {
	name  string
	sig   Signal
	err   error
	panic bool
}

func (f fakeDetector) Name() string { return f.name }

func (f fakeDetector) Detect(context.Context, *Input) (Signal, error) {
	if f.panic {
		panic("boom")
	}
	return f.sig, f.err
}

func engineWith(detectors ...Detector) *Engine {
	return newEngine(config.DefaultConfig().Fraud, detectors, nil, nil)
}

func TestCombineWeightsAndThresholds(t *testing.T) {
	tests := []struct {
		name      string
		exif      float64
		duplicate Signal
		gps       float64
		visual    float64
		overall   float64
		passed    bool
		review    bool
	}{
		{"all clean", 10, Signal{Score: 10}, 10, 10, 10, true, false},
		{"passing but below review threshold", 8, Signal{Score: 10}, 2, 2, 6.1, true, true},
		{"low exif always reviewed", 6, Signal{Score: 10}, 10, 10, 8.6, true, true},
		{"duplicate never passes", 10, Signal{Score: 0, Duplicate: true}, 10, 10, 7.5, false, true},
		{"below passing", 2, Signal{Score: 10}, 5, 5, 5.2, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := engineWith(
				fakeDetector{name: DetectorExif, sig: Signal{Score: tt.exif}},
				fakeDetector{name: DetectorDuplicate, sig: tt.duplicate},
				fakeDetector{name: DetectorGPS, sig: Signal{Score: tt.gps}},
				fakeDetector{name: DetectorVisual, sig: Signal{Score: tt.visual}},
			)
			res, err := e.RunFastChecks(context.Background(), Request{Image: []byte{1}})
			require.NoError(t, err)
			assert.InDelta(t, tt.overall, res.Scores.Overall, 1e-9)
			assert.Equal(t, tt.passed, res.Passed)
			assert.Equal(t, tt.review, res.RequiresManualReview)
		})
	}
}

func TestDetectorFailuresAreNeutral(t *testing.T) {
	e := engineWith(
		fakeDetector{name: DetectorExif, sig: Signal{Score: 10}},
		fakeDetector{name: DetectorDuplicate, err: fingerprint.ErrUndecodable},
		fakeDetector{name: DetectorGPS, panic: true},
		fakeDetector{name: DetectorVisual, sig: Signal{Score: 42}},
	)

	res, err := e.RunFastChecks(context.Background(), Request{Image: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, float64(models.NeutralScore), res.Scores.Duplicate)
	assert.Equal(t, float64(models.NeutralScore), res.Scores.GPS)
	assert.Equal(t, 10.0, res.Scores.Visual, "scores are clamped")
	assert.Equal(t, []string{"duplicate_check_failed", "gps_check_failed"}, res.Flags)
}

func TestFlagsFollowDetectorOrder(t *testing.T) {
	e := engineWith(
		fakeDetector{name: DetectorExif, sig: Signal{Score: 6, Flags: []string{"missing_timestamp"}}},
		fakeDetector{name: DetectorDuplicate, sig: Signal{Score: 0, Duplicate: true, Flags: []string{FlagDuplicate}}},
		fakeDetector{name: DetectorGPS, sig: Signal{Score: 3, Flags: []string{FlagGPSMismatch}}},
		fakeDetector{name: DetectorVisual, sig: Signal{Score: 5, Flags: []string{"visual_suspiciously_uniform"}}},
	)

	res, err := e.RunFastChecks(context.Background(), Request{Image: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"missing_timestamp", FlagDuplicate, FlagGPSMismatch, "visual_suspiciously_uniform"}, res.Flags)
}

func TestInputExtractsMetadataOnce(t *testing.T) {
	e := NewEngine(config.DefaultConfig().Fraud, &memoryStore{}, nil)
	in := NewInput("sub-1", cameraPhoto(t, 7), nil, e.extractor)
	first := in.Metadata()
	require.NotNil(t, first)
	assert.Same(t, first, in.Metadata())
	assert.Equal(t, "Google", first.CameraMake)
}
