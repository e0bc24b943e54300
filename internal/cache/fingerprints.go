// Package cache provides an optional Redis read-through cache in front of
// the fingerprint store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const fingerprintsKey = "fraudguard:fingerprints"

// FingerprintStore is the persistent store behind the cache.
type FingerprintStore interface {
	ListFingerprints(ctx context.Context, excludeSubmissionID string) ([]models.FingerprintRecord, error)
	SaveFingerprint(ctx context.Context, rec *models.FingerprintRecord) error
}

// FingerprintCache keeps the full fingerprint list in Redis. The entry
// expires after ttl and is deleted whenever a fingerprint is saved through
// the cache, so reads never miss a fingerprint written by this process.
// The store stays the source of truth; any Redis failure falls through to it.
type FingerprintCache struct {
	client *redis.Client
	store  FingerprintStore
	ttl    time.Duration
}

// NewClient builds a Redis client from configuration.
func NewClient(cfg config.CacheConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewFingerprintCache wraps store with a Redis cache.
func NewFingerprintCache(client *redis.Client, store FingerprintStore, ttl time.Duration) *FingerprintCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FingerprintCache{client: client, store: store, ttl: ttl}
}

// ListFingerprints returns stored fingerprints of every submission except
// excludeSubmissionID.
func (c *FingerprintCache) ListFingerprints(ctx context.Context, excludeSubmissionID string) ([]models.FingerprintRecord, error) {
	all, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.FingerprintRecord, 0, len(all))
	for _, rec := range all {
		if excludeSubmissionID != "" && rec.SubmissionID == excludeSubmissionID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveFingerprint writes through to the store and invalidates the cached list.
func (c *FingerprintCache) SaveFingerprint(ctx context.Context, rec *models.FingerprintRecord) error {
	if err := c.store.SaveFingerprint(ctx, rec); err != nil {
		return err
	}
	if err := c.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate fingerprint cache")
	}
	return nil
}

// Invalidate drops the cached list.
func (c *FingerprintCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, fingerprintsKey).Err(); err != nil {
		return fmt.Errorf("delete fingerprint cache: %w", err)
	}
	return nil
}

func (c *FingerprintCache) load(ctx context.Context) ([]models.FingerprintRecord, error) {
	raw, err := c.client.Get(ctx, fingerprintsKey).Bytes()
	switch {
	case err == nil:
		var records []models.FingerprintRecord
		if err := json.Unmarshal(raw, &records); err == nil {
			return records, nil
		}
		log.Warn().Msg("Discarding undecodable fingerprint cache entry")
	case errors.Is(err, redis.Nil):
		log.Debug().Msg("Fingerprint cache miss")
	default:
		log.Warn().Err(err).Msg("Fingerprint cache unavailable, reading store")
	}

	records, err := c.store.ListFingerprints(ctx, "")
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(records)
	if err == nil {
		if err := c.client.Set(ctx, fingerprintsKey, payload, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Msg("Failed to populate fingerprint cache")
		}
	}
	return records, nil
}
