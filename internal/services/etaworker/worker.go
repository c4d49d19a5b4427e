package etaworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/broker/messages"
	"github.com/BearBump/ShipTrack/internal/metrics"
)

type Runner interface {
	Run(ctx context.Context, shipmentID uint64, reason string) error
}

type Config struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DeadLetterTopic string
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		DeadLetterTopic: "eta.recalculate.dlq",
	}
}

// Worker consumes eta.recalculate messages and retries the job with exponential backoff.
type Worker struct {
	job Runner
	dlq Publisher
	cfg Config
	now func() time.Time

	received     atomic.Int64
	succeeded    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	lastErr      atomic.Value // string
}

func NewWorker(job Runner, dlq Publisher, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	return &Worker{job: job, dlq: dlq, cfg: cfg, now: time.Now}
}

type Stats struct {
	Received     int64  `json:"received"`
	Succeeded    int64  `json:"succeeded"`
	Retried      int64  `json:"retried"`
	DeadLettered int64  `json:"dead_lettered"`
	LastError    string `json:"last_error,omitempty"`
}

func (w *Worker) Stats() Stats {
	s := Stats{
		Received:     w.received.Load(),
		Succeeded:    w.succeeded.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
	}
	if v, ok := w.lastErr.Load().(string); ok {
		s.LastError = v
	}
	return s
}

// Handle matches kafka.Handler. Returning nil acknowledges the message;
// only cancellation or a failed dead-letter publish leave it uncommitted.
func (w *Worker) Handle(ctx context.Context, _, value []byte) error {
	w.received.Add(1)

	var msg messages.EtaRecalcRequested
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("bad eta recalculation message", "err", err)
		metrics.EtaRecalculations.WithLabelValues("malformed").Inc()
		return nil
	}

	attempts := 0
	op := func() error {
		attempts++
		err := w.job.Run(ctx, msg.ShipmentID, msg.Reason)
		if err != nil && attempts < w.cfg.MaxAttempts {
			w.retried.Add(1)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(w.backoff(), uint64(w.cfg.MaxAttempts-1)), ctx))
	if err == nil {
		w.succeeded.Add(1)
		metrics.EtaRecalculations.WithLabelValues("ok").Inc()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.lastErr.Store(err.Error())
	slog.Error("eta recalculation permanently failed",
		"shipment_id", msg.ShipmentID, "reason", msg.Reason, "attempts", attempts, "err", err)

	failed := messages.EtaRecalcFailed{
		ID:         msg.ID,
		ShipmentID: msg.ShipmentID,
		Reason:     msg.Reason,
		Error:      err.Error(),
		Attempts:   attempts,
		FailedAt:   w.now().UTC(),
	}
	if perr := w.dlq.PublishJSON(ctx, w.cfg.DeadLetterTopic, strconv.FormatUint(msg.ShipmentID, 10), failed); perr != nil {
		return errors.Wrap(perr, "publish eta dead letter")
	}
	w.deadLettered.Add(1)
	metrics.EtaRecalculations.WithLabelValues("dead_letter").Inc()
	return nil
}

func (w *Worker) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}
