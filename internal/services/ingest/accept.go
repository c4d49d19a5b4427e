package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/broker/messages"
	"github.com/BearBump/ShipTrack/internal/metrics"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/normalizer"
)

var tracer = otel.Tracer("github.com/BearBump/ShipTrack/internal/services/ingest")

var (
	ErrEmptyBatch    = errors.New("batch is empty")
	ErrBatchTooLarge = errors.New("batch too large")
)

type Publisher interface {
	PublishJSONBatch(ctx context.Context, topic string, msgs []kafka.Message) error
}

type AcceptConfig struct {
	Topic           string
	MaxBatchSize    int
	FutureTolerance time.Duration
}

func DefaultAcceptConfig() AcceptConfig {
	return AcceptConfig{
		Topic:           "events.raw",
		MaxBatchSize:    1000,
		FutureTolerance: 2 * time.Hour,
	}
}

// RowError describes one rejected item; Line is the CSV line or the 1-based array index.
type RowError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type AcceptResult struct {
	Accepted int        `json:"accepted"`
	Rejected []RowError `json:"rejected,omitempty"`
}

// Acceptor validates shape only and enqueues; processing happens on the consumer side.
type Acceptor struct {
	pub Publisher
	cfg AcceptConfig
	now func() time.Time
}

func NewAcceptor(pub Publisher, cfg AcceptConfig) *Acceptor {
	def := DefaultAcceptConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = def.FutureTolerance
	}
	return &Acceptor{pub: pub, cfg: cfg, now: time.Now}
}

// Accept enqueues a single event; a shape problem is returned as an error.
func (a *Acceptor) Accept(ctx context.Context, raw models.RawEvent) error {
	res, err := a.AcceptBatch(ctx, []models.RawEvent{raw})
	if err != nil {
		return err
	}
	if len(res.Rejected) > 0 {
		return &ShapeError{Problems: []string{res.Rejected[0].Error}}
	}
	return nil
}

// AcceptBatch rejects the whole batch only when it is empty or over the cap;
// bad items are reported per row and the rest are enqueued.
func (a *Acceptor) AcceptBatch(ctx context.Context, raws []models.RawEvent) (*AcceptResult, error) {
	lines := make([]int, len(raws))
	for i := range raws {
		lines[i] = i + 1
	}
	return a.accept(ctx, raws, lines, nil)
}

func (a *Acceptor) accept(ctx context.Context, raws []models.RawEvent, lines []int, rejected []RowError) (_ *AcceptResult, err error) {
	ctx, span := tracer.Start(ctx, "ingest.accept")
	span.SetAttributes(attribute.Int("ingest.items", len(raws)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(raws) == 0 && len(rejected) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(raws)+len(rejected) > a.cfg.MaxBatchSize {
		return nil, errors.Wrapf(ErrBatchTooLarge, "%d items, max %d", len(raws)+len(rejected), a.cfg.MaxBatchSize)
	}

	now := a.now()
	res := &AcceptResult{Rejected: rejected}
	msgs := make([]kafka.Message, 0, len(raws))
	for i, raw := range raws {
		if problems := a.CheckShape(raw, now); len(problems) > 0 {
			res.Rejected = append(res.Rejected, RowError{Line: lines[i], Error: strings.Join(problems, "; ")})
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   normalizer.NormalizeCode(raw.TrackingNumber),
			Value: messages.NewRawEventReceived(raw, now),
		})
	}

	if err := a.pub.PublishJSONBatch(ctx, a.cfg.Topic, msgs); err != nil {
		return nil, errors.Wrap(err, "enqueue raw events")
	}
	res.Accepted = len(msgs)

	for _, m := range msgs {
		src := m.Value.(messages.RawEventReceived).Event.Source
		if src == "" {
			src = models.SourceWebhook
		}
		metrics.EventsAccepted.WithLabelValues(src).Inc()
	}
	if n := len(res.Rejected); n > 0 {
		metrics.EventsRejected.WithLabelValues("shape").Add(float64(n))
	}
	span.SetAttributes(attribute.Int("ingest.accepted", res.Accepted), attribute.Int("ingest.rejected", len(res.Rejected)))
	return res, nil
}

// CheckShape is the synchronous edge check: required fields and a bounded future timestamp.
func (a *Acceptor) CheckShape(raw models.RawEvent, now time.Time) []string {
	var problems []string
	if strings.TrimSpace(raw.EventID) == "" {
		problems = append(problems, "event_id is required")
	}
	if normalizer.NormalizeCode(raw.TrackingNumber) == "" {
		problems = append(problems, "tracking_number is required")
	}
	if strings.TrimSpace(raw.EventCode) == "" {
		problems = append(problems, "event_code is required")
	}
	if raw.EventTime.IsZero() {
		problems = append(problems, "event_time is required")
	} else if raw.EventTime.After(now.Add(a.cfg.FutureTolerance)) {
		problems = append(problems, fmt.Sprintf("event_time %s is more than %s in the future",
			raw.EventTime.UTC().Format(time.RFC3339), a.cfg.FutureTolerance))
	}
	return problems
}

type ShapeError struct {
	Problems []string
}

func (e *ShapeError) Error() string {
	return "invalid event: " + strings.Join(e.Problems, "; ")
}
