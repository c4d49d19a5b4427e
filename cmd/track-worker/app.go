package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/ShipTrack/config"
	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/cache/rediscache"
	"github.com/BearBump/ShipTrack/internal/integrations/carrier"
	"github.com/BearBump/ShipTrack/internal/integrations/carrier/emulatorv1"
	"github.com/BearBump/ShipTrack/internal/integrations/carrier/fake"
	"github.com/BearBump/ShipTrack/internal/services/poller"
	"github.com/BearBump/ShipTrack/internal/storage/pgtracking"
)

type workerFactories struct {
	newStorage       func(cfg *config.Config) (repo poller.Repository, closeFn func(), err error)
	newProducer      func(cfg *config.Config) poller.Producer
	newRateLimiter   func(cfg *config.Config) cache.RateLimiter
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (poller.Repository, func(), error) {
			st, err := pgtracking.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRateLimiter: func(cfg *config.Config) cache.RateLimiter {
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			// Без base_url работаем на локальном fake.
			if cfg.ShipTrack.PartnerAPIBaseURL != "" {
				return emulatorv1.New(cfg.ShipTrack.PartnerAPIBaseURL, cfg.ShipTrack.PartnerAPIKey)
			}
			return fake.New()
		},
	}
}

func plannerConfig(st config.ShipTrackConfig) poller.PlannerConfig {
	sec := func(v int) time.Duration { return time.Duration(v) * time.Second }
	// нулевые значения NewPlanner заменит дефолтами
	return poller.PlannerConfig{
		ActiveMinDelay: sec(st.WorkerNextSyncInTransitMinSeconds),
		ActiveMaxDelay: sec(st.WorkerNextSyncInTransitMaxSeconds),
		DefaultDelay:   sec(st.WorkerNextSyncDefaultSeconds),
		Backoff1:       sec(st.WorkerBackoff1Seconds),
		Backoff2:       sec(st.WorkerBackoff2Seconds),
		Backoff3:       sec(st.WorkerBackoff3Seconds),
		Backoff4:       sec(st.WorkerBackoff4Seconds),
	}
}

func buildPoller(cfg *config.Config, f workerFactories) (*poller.Poller, func(), error) {
	st := cfg.ShipTrack
	topic := cfg.Kafka.RawEventsTopicName
	if topic == "" {
		topic = "events.raw"
	}

	pollInterval := time.Duration(st.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := st.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := st.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(st.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(st.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	p := poller.New(repo, f.newCarrierClient(cfg), f.newProducer(cfg), f.newRateLimiter(cfg), topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithPlanner(plannerConfig(st)).
		WithCarrierRateLimits(st.WorkerCarrierRateLimits)

	slog.Info("partner poller configured",
		"topic", topic, "poll_interval", pollInterval, "batch", batchSize,
		"concurrency", concurrency, "rate_limit_per_minute", rlPerMin)
	return p, closeFn, nil
}

// RunTrackWorker runs the partner poller and its service HTTP server.
func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	p, closeFn, err := buildPoller(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	httpOpts.poller = p
	httpOpts.cfg = cfg

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	if httpOpts.httpAddr != "" {
		go func() { httpErr <- runWorkerHTTPServer(ctx, httpOpts) }()
	}

	pollErr := make(chan error, 1)
	go func() { pollErr <- p.Run(ctx) }()

	select {
	case err := <-pollErr:
		return err
	case err := <-httpErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("worker http server stopped", "err", err)
		return err
	}
}
