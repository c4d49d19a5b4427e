package eta

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/BearBump/ShipTrack/internal/models"
)

var tracer = otel.Tracer("github.com/BearBump/ShipTrack/internal/services/eta")

type Repository interface {
	GetActiveLane(ctx context.Context, originID, destinationID uint64, serviceType string) (*models.EtaLane, error)
	ListActiveRules(ctx context.Context) ([]*models.EtaRule, error)
	FirstEventByCode(ctx context.Context, shipmentID uint64, code string) (*models.TrackingEvent, error)
	SetEstimatedDelivery(ctx context.Context, shipmentID uint64, eta time.Time) error
}

type Config struct {
	// Location is used for weekday, pickup hour and holiday checks. Defaults to UTC.
	Location *time.Location
	// Holidays in YYYY-MM-DD.
	Holidays []string
}

type Engine struct {
	repo     Repository
	loc      *time.Location
	holidays map[string]struct{}
}

func New(repo Repository, cfg Config) (*Engine, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(h))
		if err != nil {
			return nil, errors.Wrapf(err, "bad holiday %q", h)
		}
		holidays[d.Format(time.DateOnly)] = struct{}{}
	}
	return &Engine{repo: repo, loc: loc, holidays: holidays}, nil
}

// ShouldRecalculateETA reports whether an event code materially affects timing.
func ShouldRecalculateETA(code string) bool {
	switch code {
	case models.EventCodePickedUp,
		models.EventCodeArrivedAtHub,
		models.EventCodeOutForDelivery,
		models.EventCodeException,
		models.EventCodeCustomsClearance:
		return true
	}
	return false
}

// CalculateETA returns nil without error when no active lane is configured.
func (e *Engine) CalculateETA(ctx context.Context, sh *models.Shipment, pickup time.Time) (_ *time.Time, err error) {
	ctx, span := tracer.Start(ctx, "eta.calculate")
	span.SetAttributes(attribute.Int64("shipment.id", int64(sh.ID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lane, err := e.lane(ctx, sh)
	if err != nil || lane == nil {
		return nil, err
	}

	hours := lane.BaseHours
	local := pickup.In(e.loc)
	if adj, ok := lane.DayAdjustment(weekdayName(local)); ok {
		hours += adj
	}

	rc := e.ruleContext(sh, lane, pickup, hours)
	rules, err := e.matching(ctx, rc)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		hours = Apply(hours, r.Adjustments)
	}

	if lane.MinHours != nil && hours < *lane.MinHours {
		hours = *lane.MinHours
	}
	if lane.MaxHours != nil && hours > *lane.MaxHours {
		hours = *lane.MaxHours
	}

	eta := pickup.Add(time.Duration(hours * float64(time.Hour))).UTC()
	span.SetAttributes(
		attribute.Float64("eta.hours", hours),
		attribute.Int("eta.rules_applied", len(rules)),
	)
	return &eta, nil
}

// GetApplicableRules is the diagnostics view: active rules matching the
// shipment's current context, priority descending.
func (e *Engine) GetApplicableRules(ctx context.Context, sh *models.Shipment) ([]*models.EtaRule, error) {
	pickup, err := e.PickupTime(ctx, sh)
	if err != nil {
		return nil, err
	}
	lane, err := e.lane(ctx, sh)
	if err != nil {
		return nil, err
	}
	var hours float64
	if lane != nil {
		hours = lane.BaseHours
		if adj, ok := lane.DayAdjustment(weekdayName(pickup.In(e.loc))); ok {
			hours += adj
		}
	}
	return e.matching(ctx, e.ruleContext(sh, lane, pickup, hours))
}

// RecalculateETA derives pickup time from history and persists a non-nil ETA.
func (e *Engine) RecalculateETA(ctx context.Context, sh *models.Shipment) (*time.Time, error) {
	pickup, err := e.PickupTime(ctx, sh)
	if err != nil {
		return nil, err
	}
	eta, err := e.CalculateETA(ctx, sh, pickup)
	if err != nil || eta == nil {
		return nil, err
	}
	if err := e.repo.SetEstimatedDelivery(ctx, sh.ID, *eta); err != nil {
		return nil, errors.Wrap(err, "save eta")
	}
	return eta, nil
}

// PickupTime: самое раннее PICKED_UP событие, иначе время создания отправления.
func (e *Engine) PickupTime(ctx context.Context, sh *models.Shipment) (time.Time, error) {
	ev, err := e.repo.FirstEventByCode(ctx, sh.ID, models.EventCodePickedUp)
	if errors.Is(err, models.ErrNotFound) {
		return sh.CreatedAt, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "load pickup event")
	}
	return ev.EventTime, nil
}

func (e *Engine) lane(ctx context.Context, sh *models.Shipment) (*models.EtaLane, error) {
	if sh.OriginFacilityID == nil || sh.DestinationFacilityID == nil {
		return nil, nil
	}
	lane, err := e.repo.GetActiveLane(ctx, *sh.OriginFacilityID, *sh.DestinationFacilityID, sh.ServiceType)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load lane")
	}
	if !lane.Active {
		return nil, nil
	}
	return lane, nil
}

func (e *Engine) matching(ctx context.Context, rc RuleContext) ([]*models.EtaRule, error) {
	rules, err := e.repo.ListActiveRules(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load rules")
	}
	out := make([]*models.EtaRule, 0, len(rules))
	for _, r := range rules {
		if Matches(r, rc) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// ruleContext builds the rule context; lane may be nil (no base_hours, no holiday flag).
func (e *Engine) ruleContext(sh *models.Shipment, lane *models.EtaLane, pickup time.Time, hours float64) RuleContext {
	local := pickup.In(e.loc)
	rc := RuleContext{
		KeyPickupHour:      local.Hour(),
		KeyPickupWeekday:   weekdayName(local),
		KeyIsWeekendPickup: local.Weekday() == time.Saturday || local.Weekday() == time.Sunday,
	}
	if sh.ServiceType != "" {
		rc[KeyServiceType] = sh.ServiceType
	}
	if sh.CarrierCode != "" {
		rc[KeyCarrierCode] = sh.CarrierCode
	}
	if sh.OriginFacilityID != nil {
		rc[KeyOriginFacility] = *sh.OriginFacilityID
	}
	if sh.DestinationFacilityID != nil {
		rc[KeyDestinationFacility] = *sh.DestinationFacilityID
	}
	if lane != nil {
		rc[KeyBaseHours] = lane.BaseHours
		due := pickup.Add(time.Duration(hours * float64(time.Hour))).In(e.loc)
		_, holiday := e.holidays[due.Format(time.DateOnly)]
		rc[KeyIsHolidayDelivery] = holiday
	}
	return rc
}

func weekdayName(t time.Time) string {
	return strings.ToLower(t.Weekday().String())
}
