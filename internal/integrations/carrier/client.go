package carrier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/models"
)

var ErrRateLimited = errors.New("partner api rate limit")

// Event is one scan reported by a partner tracking API, in the partner's own codes.
type Event struct {
	ID           string
	Code         string
	Time         time.Time
	FacilityCode string
	Location     string
	Description  string
	Remarks      string
	Payload      map[string]any
}

type TrackingResult struct {
	Events []Event
}

type Client interface {
	GetTracking(ctx context.Context, carrierCode, trackingNumber string) (TrackingResult, error)
}

// RawEvent converts a partner event into the ingestion record for the partner_api channel.
// Partners that do not send ids get a stable one, so repeated polls deduplicate.
func (e Event) RawEvent(carrierCode, trackingNumber string) models.RawEvent {
	id := e.ID
	if id == "" {
		id = StableEventID(carrierCode, trackingNumber, e.Code, e.Time)
	}
	extra := map[string]any{"carrier_code": carrierCode}
	for k, v := range e.Payload {
		extra[k] = v
	}
	raw := models.RawEvent{
		EventID:        id,
		TrackingNumber: trackingNumber,
		EventCode:      e.Code,
		EventTime:      e.Time.UTC(),
		FacilityCode:   e.FacilityCode,
		Location:       e.Location,
		Description:    e.Description,
		Remarks:        e.Remarks,
		Source:         models.SourcePartnerAPI,
		Extra:          extra,
	}
	// фиксируем плоский payload до сериализации в Kafka
	if b, err := json.Marshal(raw.Payload()); err == nil {
		raw.Original = b
	}
	return raw
}

func StableEventID(carrierCode, trackingNumber, code string, at time.Time) string {
	sum := sha256.Sum256([]byte(carrierCode + "|" + trackingNumber + "|" + code + "|" + at.UTC().Format(time.RFC3339Nano)))
	return "p-" + hex.EncodeToString(sum[:12])
}
