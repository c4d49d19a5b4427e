package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipTrack/config"
	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/logger"
	"github.com/BearBump/ShipTrack/internal/services/eta"
	"github.com/BearBump/ShipTrack/internal/services/etaworker"
	"github.com/BearBump/ShipTrack/internal/storage/pgtracking"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	st := cfg.ShipTrack
	logger.Setup(st.LogLevel, "eta-worker")

	topic := cfg.Kafka.EtaRecalcTopicName
	if topic == "" {
		topic = "eta.recalculate"
	}
	group := st.EtaConsumerGroup
	if group == "" {
		group = "eta-worker"
	}
	httpAddr := st.EtaWorkerHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8083"
	}

	loc := time.UTC
	if st.TimeZone != "" {
		if loc, err = time.LoadLocation(st.TimeZone); err != nil {
			panic(fmt.Sprintf("bad time_zone %q: %v", st.TimeZone, err))
		}
	}

	db, err := pgtracking.New(cfg.Database.ConnString())
	if err != nil {
		panic(err)
	}
	defer db.Close()

	engine, err := eta.New(db, eta.Config{Location: loc, Holidays: st.Holidays})
	if err != nil {
		panic(err)
	}

	producer := kafka.NewProducer(cfg.Kafka.Brokers())
	defer func() { _ = producer.Close() }()

	worker := etaworker.NewWorker(etaworker.NewJob(db, engine), producer, etaworker.Config{
		MaxAttempts:     st.EtaMaxAttempts,
		InitialBackoff:  time.Duration(st.EtaInitialBackoffMillis) * time.Millisecond,
		MaxBackoff:      time.Duration(st.EtaMaxBackoffSeconds) * time.Second,
		DeadLetterTopic: cfg.Kafka.EtaDeadLetterTopicName,
	})

	// повтор только если не удалось записать в DLQ
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group).WithRetry(5 * time.Second)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = runEtaWorker(ctx, etaWorkerOpts{
		httpAddr:      httpAddr,
		topic:         topic,
		consumerGroup: group,
	}, worker, consumer)
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
