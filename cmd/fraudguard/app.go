package main

import (
	"context"
	"fmt"

	"github.com/fixbounty/fraudguard/internal/broker"
	"github.com/fixbounty/fraudguard/internal/cache"
	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/database"
	"github.com/fixbounty/fraudguard/internal/fraud"
	"github.com/fixbounty/fraudguard/internal/llm"
	"github.com/fixbounty/fraudguard/internal/sampling"
	"github.com/fixbounty/fraudguard/internal/slowcheck"
	"github.com/fixbounty/fraudguard/internal/submission"
	"github.com/fixbounty/fraudguard/internal/verify"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	redis     *redis.Client
	publisher *broker.Publisher

	engine  *fraud.Engine
	queue   *slowcheck.Queue
	service *submission.Service
	worker  *slowcheck.Worker
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := database.NewSQLiteStore(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	var fingerprints fraud.FingerprintStore = store
	if cfg.Cache.Addr != "" {
		a.redis = cache.NewClient(cfg.Cache)
		fingerprints = cache.NewFingerprintCache(a.redis, store, cfg.Cache.TTL)
		log.Info().Str("addr", cfg.Cache.Addr).Msg("Fingerprint cache enabled")
	}

	var notifier slowcheck.Notifier
	if cfg.Broker.URL != "" {
		a.publisher, err = broker.NewPublisher(cfg.Broker)
		if err != nil {
			log.Warn().Err(err).Msg("Broker unavailable, slow checks will be polled")
		} else {
			notifier = a.publisher
		}
	}

	provider, err := llm.NewProvider(&cfg.LLM)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	var verifier submission.Verifier
	if provider != nil {
		verifier = verify.NewFixVerifier(provider)
		log.Info().Str("provider", provider.Name()).Msg("Fix verifier enabled")
	} else {
		log.Warn().Msg("No LLM provider configured, submissions will not be auto-approved")
	}

	a.engine = fraud.NewEngine(cfg.Fraud, fingerprints, store)
	a.queue = slowcheck.NewQueue(store, notifier)
	sampler := sampling.NewSampler(sampling.PolicyFromConfig(cfg.Sampling), nil)
	a.service = submission.NewService(cfg, a.engine, store, verifier, sampler, a.queue, submission.NewArchive(cfg.SlowChecks.ImageRoot))
	a.worker = slowcheck.NewWorker(cfg.SlowChecks, store, slowcheck.NewLoader(cfg.SlowChecks.ImageRoot, cfg.SlowChecks.FetchTimeout))

	return a, nil
}

// runWorker drains slow-check jobs until ctx is cancelled, by polling and,
// when a broker is configured, by consuming job announcements.
func (a *app) runWorker(ctx context.Context) error {
	errCh := make(chan error, 2)
	running := 1

	go func() { errCh <- a.worker.Run(ctx) }()

	if a.cfg.Broker.URL != "" {
		running++
		consumer := broker.NewConsumer(a.cfg.Broker, a.worker.ProcessByID, a.cfg.SlowChecks.Concurrency)
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Slow-check consumer stopped, relying on polling")
			}
			errCh <- nil
		}()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil && ctx.Err() == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *app) close() {
	if a.queue != nil {
		a.queue.Wait()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}
