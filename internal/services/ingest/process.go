package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/BearBump/ShipTrack/internal/broker/messages"
	"github.com/BearBump/ShipTrack/internal/metrics"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/eta"
)

type Normalizer interface {
	Normalize(ctx context.Context, raw models.RawEvent) (*models.NormalizedEvent, error)
	Validate(ev *models.NormalizedEvent) models.ValidationResult
}

type ShipmentLookup interface {
	GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
}

type Deduplicator interface {
	Insert(ctx context.Context, ev *models.TrackingEvent) (*models.TrackingEvent, bool, error)
	MarkProcessed(ctx context.Context, key string)
}

type Orderer interface {
	ProcessEventOrdering(ctx context.Context, shipment *models.Shipment, event *models.TrackingEvent) (*models.OrderingResult, error)
}

type EtaScheduler interface {
	Enqueue(ctx context.Context, shipmentID uint64, reason string) error
}

type StateCache interface {
	Refresh(ctx context.Context, trackingNumber string) error
}

// Processing outcomes.
const (
	OutcomeStored          = "stored"
	OutcomeRecovered       = "recovered"
	OutcomeDuplicate       = "duplicate"
	OutcomeInvalid         = "invalid"
	OutcomeUnknownShipment = "unknown_shipment"
)

type ProcessResult struct {
	Outcome  string
	Event    *models.TrackingEvent
	Ordering *models.OrderingResult
	Errors   []string
}

// Processor runs the consumer side: normalize, validate, dedup-insert, order,
// then schedule ETA work.
type Processor struct {
	norm      Normalizer
	shipments ShipmentLookup
	dedup     Deduplicator
	orderer   Orderer
	eta       EtaScheduler
	state     StateCache
}

// NewProcessor: state может быть nil.
func NewProcessor(norm Normalizer, shipments ShipmentLookup, dedup Deduplicator, orderer Orderer, eta EtaScheduler, state StateCache) *Processor {
	return &Processor{norm: norm, shipments: shipments, dedup: dedup, orderer: orderer, eta: eta, state: state}
}

// HandleMessage matches kafka.Handler for the raw-event topic. An undecodable
// message is dropped; any returned error means the message is redelivered.
func (p *Processor) HandleMessage(ctx context.Context, _, value []byte) error {
	var msg messages.RawEventReceived
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("bad raw event message", "err", err)
		metrics.EventsRejected.WithLabelValues("decode").Inc()
		return nil
	}
	_, err := p.Process(ctx, msg.Event, msg.ReceivedAt)
	return err
}

// Process returns an error only for infrastructure failures; rejected input
// is reported through the outcome. receivedAt is when the edge accepted the
// event and is the reference for time anomalies.
func (p *Processor) Process(ctx context.Context, raw models.RawEvent, receivedAt time.Time) (_ *ProcessResult, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ingest.process")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.EventsProcessed.WithLabelValues("error").Inc()
		}
		span.End()
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	ev, err := p.norm.Normalize(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(err, "normalize")
	}
	span.SetAttributes(
		attribute.String("event.tracking_number", ev.TrackingNumber),
		attribute.String("event.code", ev.Code),
		attribute.String("event.source", ev.Source),
	)

	if v := p.norm.Validate(ev); !v.Valid {
		slog.Warn("event rejected", "event_id", ev.SourceEventID, "tracking_number", ev.TrackingNumber, "errors", strings.Join(v.Errors, "; "))
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		return p.done(&ProcessResult{Outcome: OutcomeInvalid, Errors: v.Errors}), nil
	}

	sh, err := p.shipments.GetShipmentByTrackingNumber(ctx, ev.TrackingNumber)
	if errors.Is(err, models.ErrNotFound) {
		slog.Warn("event for unknown shipment skipped", "event_id", ev.SourceEventID, "tracking_number", ev.TrackingNumber)
		return p.done(&ProcessResult{Outcome: OutcomeUnknownShipment}), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load shipment")
	}

	stored, dup, err := p.dedup.Insert(ctx, toTrackingEvent(sh.ID, ev, receivedAt))
	if err != nil {
		return nil, err
	}
	if dup && stored == nil {
		slog.Info("duplicate event ignored", "event_id", ev.SourceEventID, "tracking_number", ev.TrackingNumber)
		return p.done(&ProcessResult{Outcome: OutcomeDuplicate}), nil
	}

	// Дубликат без маркера мог не дойти до ordering (redelivery после ошибки):
	// свёртка идемпотентна, поэтому прогоняем её ещё раз.
	ord, err := p.orderer.ProcessEventOrdering(ctx, sh, stored)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("ordering.status_changed", ord.StatusChanged),
		attribute.Int("ordering.anomalies", len(ord.SequenceAnalysis.Anomalies)),
	)

	outcome := OutcomeStored
	if dup {
		if !ord.StatusChanged && !stateBehind(sh, stored) {
			p.dedup.MarkProcessed(ctx, stored.IdempotencyKey)
			slog.Info("duplicate event ignored", "event_id", ev.SourceEventID, "tracking_number", ev.TrackingNumber)
			return p.done(&ProcessResult{Outcome: OutcomeDuplicate}), nil
		}
		outcome = OutcomeRecovered
		slog.Warn("unfinished event reprocessed", "event_id", stored.ID, "tracking_number", sh.TrackingNumber)
	}

	if eta.ShouldRecalculateETA(stored.Code) {
		if err := p.eta.Enqueue(ctx, sh.ID, "event:"+stored.Code); err != nil {
			// следующий триггер пересчитает ETA
			slog.Error("eta enqueue failed", "shipment_id", sh.ID, "event_id", stored.ID, "err", err)
		}
	}
	if p.state != nil {
		if err := p.state.Refresh(ctx, sh.TrackingNumber); err != nil {
			slog.Warn("shipment cache refresh failed", "tracking_number", sh.TrackingNumber, "err", err)
		}
	}
	p.dedup.MarkProcessed(ctx, stored.IdempotencyKey)

	return p.done(&ProcessResult{Outcome: outcome, Event: stored, Ordering: ord}), nil
}

func (p *Processor) done(r *ProcessResult) *ProcessResult {
	metrics.EventsProcessed.WithLabelValues(r.Outcome).Inc()
	return r
}

// stateBehind reports whether the shipment's last event precedes e.
func stateBehind(sh *models.Shipment, e *models.TrackingEvent) bool {
	if sh.LastEventID == nil || sh.LastEventAt == nil {
		return true
	}
	last := &models.TrackingEvent{ID: *sh.LastEventID, EventTime: *sh.LastEventAt}
	return last.Before(e)
}

func toTrackingEvent(shipmentID uint64, ev *models.NormalizedEvent, receivedAt time.Time) *models.TrackingEvent {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return &models.TrackingEvent{
		ShipmentID:    shipmentID,
		SourceEventID: ev.SourceEventID,
		Code:          ev.Code,
		EventTime:     ev.EventTime,
		FacilityID:    ev.FacilityID,
		Location:      ev.Location,
		Description:   ev.Description,
		Remarks:       ev.Remarks,
		RawPayload:    ev.RawPayload,
		Source:        ev.Source,
		CreatedAt:     receivedAt.UTC(),
	}
}
