package etaworker

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/broker/messages"
)

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Enqueuer schedules ETA recalculation on the dedicated topic, out of the ingestion path.
type Enqueuer struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

func NewEnqueuer(pub Publisher, topic string) *Enqueuer {
	if topic == "" {
		topic = "eta.recalculate"
	}
	return &Enqueuer{pub: pub, topic: topic, now: time.Now}
}

func (e *Enqueuer) Enqueue(ctx context.Context, shipmentID uint64, reason string) error {
	msg := messages.EtaRecalcRequested{
		ID:          uuid.New(),
		ShipmentID:  shipmentID,
		Reason:      reason,
		RequestedAt: e.now().UTC(),
	}
	if err := e.pub.PublishJSON(ctx, e.topic, strconv.FormatUint(shipmentID, 10), msg); err != nil {
		return errors.Wrapf(err, "enqueue eta recalculation for shipment %d", shipmentID)
	}
	return nil
}
