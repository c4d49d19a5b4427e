package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipTrack/config"
	"github.com/BearBump/ShipTrack/internal/api/ingest_api"
	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/cache/rediscache"
	"github.com/BearBump/ShipTrack/internal/logger"
	"github.com/BearBump/ShipTrack/internal/services/dedup"
	"github.com/BearBump/ShipTrack/internal/services/eta"
	"github.com/BearBump/ShipTrack/internal/services/etaworker"
	"github.com/BearBump/ShipTrack/internal/services/ingest"
	"github.com/BearBump/ShipTrack/internal/services/normalizer"
	"github.com/BearBump/ShipTrack/internal/services/ordering"
	"github.com/BearBump/ShipTrack/internal/services/shipments"
	"github.com/BearBump/ShipTrack/internal/storage/pgtracking"
)

type trackAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     trackAPIOpts
	api      *ingest_api.API
	handler  kafka.Handler
	consumer *kafka.Consumer
	producer *kafka.Producer
	closeDB  func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	st := cfg.ShipTrack
	logger.Setup(st.LogLevel, "track-api")

	grpcAddr := st.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := st.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := st.IngestConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-api"
	}
	rawTopic := cfg.Kafka.RawEventsTopicName
	if rawTopic == "" {
		rawTopic = "events.raw"
	}

	loc := time.UTC
	if st.TimeZone != "" {
		if loc, err = time.LoadLocation(st.TimeZone); err != nil {
			panic(fmt.Sprintf("bad time_zone %q: %v", st.TimeZone, err))
		}
	}

	db := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	rc := rediscache.New(cfg.Redis.Addr())

	producer := kafka.NewProducer(cfg.Kafka.Brokers())

	norm := normalizer.New(db, db, rc, normalizer.Config{
		MappingTTL:    seconds(st.CodeMappingTTLSeconds, 5*time.Minute),
		FacilityTTL:   seconds(st.FacilityCacheTTLSeconds, 10*time.Minute),
		Abbreviations: st.LocationAbbreviations,
	})
	dd := dedup.New(db, rc, seconds(st.DedupMarkerTTLSeconds, 24*time.Hour))
	orderer := ordering.New(db, ordering.Config{
		FutureThreshold:  seconds(st.AnomalyFutureSeconds, 0),
		VeryOldThreshold: time.Duration(st.AnomalyVeryOldDays) * 24 * time.Hour,
		DuplicateWindow:  seconds(st.AnomalyDuplicateWindowSeconds, 0),
	})
	engine, err := eta.New(db, eta.Config{Location: loc, Holidays: st.Holidays})
	if err != nil {
		panic(err)
	}
	enqueuer := etaworker.NewEnqueuer(producer, cfg.Kafka.EtaRecalcTopicName)
	shipmentSvc := shipments.New(db, rc, seconds(st.CurrentStatusTTLSeconds, 10*time.Minute))

	acceptor := ingest.NewAcceptor(producer, ingest.AcceptConfig{
		Topic:           rawTopic,
		MaxBatchSize:    st.MaxBatchSize,
		FutureTolerance: seconds(st.FutureToleranceSeconds, 0),
	})
	processor := ingest.NewProcessor(norm, db, dd, orderer, enqueuer, shipmentSvc)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), rawTopic, consumerGroup).WithRetry(time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	slog.Info("track-api configured", "raw_topic", rawTopic, "group", consumerGroup, "time_zone", loc.String())

	return &trackAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: trackAPIOpts{
			grpcAddr:      grpcAddr,
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         rawTopic,
			consumerGroup: consumerGroup,
		},
		api:      ingest_api.New(acceptor, shipmentSvc, engine, enqueuer),
		handler:  processor.HandleMessage,
		consumer: consumer,
		producer: producer,
		closeDB:  db.Close,
	}
}

// seconds converts a config value, using def when it is not positive.
func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgtracking.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgtracking.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		slog.Warn("postgres is not ready, retrying", "err", err)
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.api, a.consumer, a.handler)
}
