package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	records []models.FingerprintRecord
	lists   int
	err     error
}

func (m *memoryStore) ListFingerprints(_ context.Context, exclude string) ([]models.FingerprintRecord, error) {
	m.lists++
	if m.err != nil {
		return nil, m.err
	}
	var out []models.FingerprintRecord
	for _, r := range m.records {
		if r.SubmissionID != exclude {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) SaveFingerprint(_ context.Context, rec *models.FingerprintRecord) error {
	m.records = append(m.records, *rec)
	return nil
}

func setup(t *testing.T) (*miniredis.Miniredis, *memoryStore, *FingerprintCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewClient(config.CacheConfig{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := &memoryStore{records: []models.FingerprintRecord{
		{SubmissionID: "sub-1", ImageRole: models.RoleAfter, Fingerprint: "00000000000000ff"},
		{SubmissionID: "sub-2", ImageRole: models.RoleAfter, Fingerprint: "ff00000000000000"},
	}}
	return mr, store, NewFingerprintCache(client, store, time.Minute)
}

func TestListReadsThroughOnce(t *testing.T) {
	mr, store, c := setup(t)
	ctx := context.Background()

	first, err := c.ListFingerprints(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "sub-2", first[0].SubmissionID)
	assert.True(t, mr.Exists(fingerprintsKey))

	second, err := c.ListFingerprints(ctx, "")
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, 1, store.lists)
}

func TestSaveInvalidates(t *testing.T) {
	mr, store, c := setup(t)
	ctx := context.Background()

	_, err := c.ListFingerprints(ctx, "")
	require.NoError(t, err)

	require.NoError(t, c.SaveFingerprint(ctx, &models.FingerprintRecord{SubmissionID: "sub-3", Fingerprint: "0f0f0f0f0f0f0f0f"}))
	assert.False(t, mr.Exists(fingerprintsKey))

	all, err := c.ListFingerprints(ctx, "sub-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 2, store.lists)
}

func TestEntryExpires(t *testing.T) {
	mr, store, c := setup(t)
	ctx := context.Background()

	_, err := c.ListFingerprints(ctx, "")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = c.ListFingerprints(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, store.lists)
}

func TestRedisDownFallsBackToStore(t *testing.T) {
	mr, store, c := setup(t)
	mr.Close()

	recs, err := c.ListFingerprints(context.Background(), "sub-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "sub-1", recs[0].SubmissionID)
	assert.Equal(t, 1, store.lists)
}

func TestStoreErrorPropagates(t *testing.T) {
	_, store, c := setup(t)
	store.err = errors.New("disk gone")

	_, err := c.ListFingerprints(context.Background(), "")
	assert.Error(t, err)
}

func TestCorruptEntryIsReplaced(t *testing.T) {
	mr, store, c := setup(t)
	require.NoError(t, mr.Set(fingerprintsKey, "not json"))

	recs, err := c.ListFingerprints(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 1, store.lists)
}
