package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/ShipTrack/internal/integrations/carrier"
	"github.com/BearBump/ShipTrack/internal/models"
)

var route = []string{
	models.EventCodeCreated,
	models.EventCodePickedUp,
	models.EventCodeInTransit,
	models.EventCodeArrivedAtHub,
	models.EventCodeOutForDelivery,
	models.EventCodeDelivered,
}

// FakeClient: локальная заглушка партнёрского API для демо без внешнего сервиса.
// Каждое отправление детерминированно продвигается по маршруту: один шаг за step.
type FakeClient struct {
	epoch time.Time
	step  time.Duration
	now   func() time.Time
}

func New() *FakeClient {
	now := time.Now().UTC()
	return &FakeClient{epoch: now.Truncate(time.Hour), step: time.Hour, now: time.Now}
}

func (f *FakeClient) GetTracking(ctx context.Context, carrierCode, trackingNumber string) (carrier.TrackingResult, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(carrierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	// треки стартуют с разным сдвигом, чтобы не шли строем
	start := f.epoch.Add(-time.Duration(v%uint32(len(route))) * f.step)
	reached := int(f.now().Sub(start)/f.step) + 1
	if reached > len(route) {
		reached = len(route)
	}

	res := carrier.TrackingResult{Events: make([]carrier.Event, 0, reached)}
	for i := 0; i < reached; i++ {
		res.Events = append(res.Events, carrier.Event{
			Code:        route[i],
			Time:        start.Add(time.Duration(i) * f.step),
			Description: "fake partner update",
		})
	}
	return res, nil
}
