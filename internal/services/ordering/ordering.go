package ordering

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/metrics"
	"github.com/BearBump/ShipTrack/internal/models"
)

type Repository interface {
	UpdateShipmentState(
		ctx context.Context,
		shipmentID uint64,
		decide func(sh *models.Shipment, history []*models.TrackingEvent) (*models.ShipmentState, error),
	) (*models.Shipment, error)
}

type Config struct {
	FutureThreshold  time.Duration
	VeryOldThreshold time.Duration
	DuplicateWindow  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FutureThreshold:  2 * time.Hour,
		VeryOldThreshold: 365 * 24 * time.Hour,
		DuplicateWindow:  60 * time.Minute,
	}
}

type Processor struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

func New(repo Repository, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.FutureThreshold <= 0 {
		cfg.FutureThreshold = def.FutureThreshold
	}
	if cfg.VeryOldThreshold <= 0 {
		cfg.VeryOldThreshold = def.VeryOldThreshold
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}
	return &Processor{repo: repo, cfg: cfg, now: time.Now}
}

// ProcessEventOrdering folds the stored event into the shipment state under the
// shipment row lock. Anomalies are reported, never rejected. Time anomalies are
// measured against the event's ingestion time (CreatedAt), or the clock when unset.
func (p *Processor) ProcessEventOrdering(ctx context.Context, shipment *models.Shipment, event *models.TrackingEvent) (*models.OrderingResult, error) {
	if shipment == nil || event == nil {
		return nil, errors.New("shipment and event are required")
	}
	now := event.CreatedAt
	if now.IsZero() {
		now = p.now()
	}

	var res *models.OrderingResult
	_, err := p.repo.UpdateShipmentState(ctx, shipment.ID, func(sh *models.Shipment, history []*models.TrackingEvent) (*models.ShipmentState, error) {
		history = withEvent(history, event)
		r, state := p.decide(sh, event, history, now)
		res = r
		return state, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "order event %d", event.ID)
	}

	for _, a := range res.SequenceAnalysis.Anomalies {
		metrics.Anomalies.WithLabelValues(a.Type).Inc()
		slog.Warn("event sequence anomaly",
			"shipment_id", shipment.ID,
			"tracking_number", shipment.TrackingNumber,
			"event_id", event.ID,
			"code", event.Code,
			"type", a.Type,
			"message", a.Message,
		)
	}
	if res.StatusChanged {
		metrics.StatusChanges.WithLabelValues(res.NewStatus).Inc()
	}
	return res, nil
}

func (p *Processor) decide(sh *models.Shipment, ev *models.TrackingEvent, history []*models.TrackingEvent, now time.Time) (*models.OrderingResult, *models.ShipmentState) {
	status, location := FoldState(history)
	if status == "" {
		status = sh.CurrentStatus
	}
	if location == nil {
		location = sh.CurrentLocation
	}
	last := history[len(history)-1]

	res := &models.OrderingResult{
		StatusChanged: status != sh.CurrentStatus,
		OldStatus:     sh.CurrentStatus,
		NewStatus:     status,
		IsLatestEvent: last.ID == ev.ID,
		SequenceAnalysis: models.SequenceAnalysis{
			Anomalies:     DetectAnomalies(p.cfg, now, ev, history),
			SequenceScore: SequenceScore(history),
		},
	}

	unchanged := !res.StatusChanged &&
		equalLocation(location, sh.CurrentLocation) &&
		sh.LastEventID != nil && *sh.LastEventID == last.ID
	if unchanged {
		return res, nil
	}
	return res, &models.ShipmentState{
		Status:      status,
		Location:    location,
		LastEventAt: last.EventTime,
		LastEventID: last.ID,
	}
}

// withEvent returns history sorted by (event_time, id) and guaranteed to contain ev.
func withEvent(history []*models.TrackingEvent, ev *models.TrackingEvent) []*models.TrackingEvent {
	found := false
	for _, e := range history {
		if e.ID == ev.ID {
			found = true
			break
		}
	}
	out := make([]*models.TrackingEvent, 0, len(history)+1)
	out = append(out, history...)
	if !found {
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func equalLocation(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
