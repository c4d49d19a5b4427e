package messages

import (
	"time"

	"github.com/google/uuid"

	"github.com/BearBump/ShipTrack/internal/models"
)

// RawEventReceived is queued on events.raw after edge validation; key = tracking number.
type RawEventReceived struct {
	MessageID  uuid.UUID       `json:"message_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Event      models.RawEvent `json:"event"`
}

func NewRawEventReceived(ev models.RawEvent, now time.Time) RawEventReceived {
	return RawEventReceived{MessageID: uuid.New(), ReceivedAt: now.UTC(), Event: ev}
}

// EtaRecalcRequested is queued on eta.recalculate; key = shipment id.
type EtaRecalcRequested struct {
	ID          uuid.UUID `json:"id"`
	ShipmentID  uint64    `json:"shipment_id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// EtaRecalcFailed goes to the dead-letter topic once retries are exhausted.
type EtaRecalcFailed struct {
	ID         uuid.UUID `json:"id"`
	ShipmentID uint64    `json:"shipment_id"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}
