package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/metrics"
	"github.com/BearBump/ShipTrack/internal/services/etaworker"
)

type etaWorkerOpts struct {
	httpAddr      string
	topic         string
	consumerGroup string
	onListen      func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
}

// runEtaWorker consumes eta.recalculate until ctx is cancelled. The consumer
// stopping on its own is fatal for the process.
func runEtaWorker(ctx context.Context, opts etaWorkerOpts, w *etaworker.Worker, consumer kafkaConsumer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	if opts.httpAddr != "" {
		lis, err := net.Listen("tcp", opts.httpAddr)
		if err != nil {
			return err
		}
		if opts.onListen != nil {
			opts.onListen(lis.Addr().String())
		}
		go func() { httpErr <- serveHTTP(ctx, lis, w) }()
	}

	consumerErr := make(chan error, 1)
	go func() {
		slog.Info("eta worker started", "topic", opts.topic, "group", opts.consumerGroup)
		consumerErr <- consumer.Consume(ctx, w.Handle)
	}()

	select {
	case err := <-consumerErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("eta consumer stopped", "err", err)
		return err
	case err := <-httpErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
}

func newRouter(w *etaworker.Worker) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/stats", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(w.Stats())
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

func serveHTTP(ctx context.Context, lis net.Listener, w *etaworker.Worker) error {
	srv := &http.Server{Handler: newRouter(w), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("eta worker HTTP listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
