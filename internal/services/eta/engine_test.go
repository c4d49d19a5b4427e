package eta

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/BearBump/ShipTrack/internal/models"
)

type laneKey struct {
	o, d    uint64
	service string
}

type fakeRepo struct {
	lanes   map[laneKey]*models.EtaLane
	rules   []*models.EtaRule
	pickups map[uint64]*models.TrackingEvent
	saved   map[uint64]time.Time

	rulesErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		lanes:   map[laneKey]*models.EtaLane{},
		pickups: map[uint64]*models.TrackingEvent{},
		saved:   map[uint64]time.Time{},
	}
}

func (f *fakeRepo) GetActiveLane(_ context.Context, o, d uint64, service string) (*models.EtaLane, error) {
	l, ok := f.lanes[laneKey{o, d, service}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return l, nil
}

func (f *fakeRepo) ListActiveRules(context.Context) ([]*models.EtaRule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	var out []*models.EtaRule
	for _, r := range f.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) FirstEventByCode(_ context.Context, shipmentID uint64, _ string) (*models.TrackingEvent, error) {
	e, ok := f.pickups[shipmentID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e, nil
}

func (f *fakeRepo) SetEstimatedDelivery(_ context.Context, shipmentID uint64, eta time.Time) error {
	f.saved[shipmentID] = eta
	return nil
}

func fp(f float64) *float64 { return &f }
func up(u uint64) *uint64   { return &u }

type EngineSuite struct {
	suite.Suite

	repo   *fakeRepo
	engine *Engine
	sh     *models.Shipment
	monday time.Time
}

func (s *EngineSuite) SetupTest() {
	s.repo = newFakeRepo()
	var err error
	s.engine, err = New(s.repo, Config{Holidays: []string{"2026-04-13"}})
	s.Require().NoError(err)
	s.sh = &models.Shipment{ID: 10, ServiceType: "standard", OriginFacilityID: up(1), DestinationFacilityID: up(2)}
	s.monday = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

func (s *EngineSuite) lane(service string, base float64) *models.EtaLane {
	l := &models.EtaLane{OriginFacilityID: 1, DestinationFacilityID: 2, ServiceType: service, BaseHours: base, Active: true}
	s.repo.lanes[laneKey{1, 2, service}] = l
	return l
}

func (s *EngineSuite) hoursFromPickup(pickup time.Time) float64 {
	eta, err := s.engine.CalculateETA(context.Background(), s.sh, pickup)
	s.Require().NoError(err)
	s.Require().NotNil(eta)
	return eta.Sub(pickup).Hours()
}

func (s *EngineSuite) TestBaseOnly() {
	s.lane("standard", 48)
	eta, err := s.engine.CalculateETA(context.Background(), s.sh, s.monday)
	s.Require().NoError(err)
	s.Require().Equal(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), *eta)
	s.Require().Equal(time.Wednesday, eta.Weekday())
}

func (s *EngineSuite) TestExpressMultiplier() {
	s.sh.ServiceType = "express"
	s.lane("express", 24)
	s.repo.rules = []*models.EtaRule{{
		ID: 1, Name: "express", RuleType: models.RuleTypeServiceModifier, Priority: 100, Active: true,
		Conditions:  []models.Condition{models.Equals{Field: KeyServiceType, Value: "express"}},
		Adjustments: []models.Adjustment{models.Multiplier{Factor: 0.5}},
	}}
	s.Require().Equal(12.0, s.hoursFromPickup(s.monday))
}

func (s *EngineSuite) TestMinFloor() {
	l := s.lane("standard", 20)
	l.MinHours = fp(24)
	s.Require().Equal(24.0, s.hoursFromPickup(s.monday))
}

func (s *EngineSuite) TestMaxCap() {
	l := s.lane("standard", 72)
	l.MaxHours = fp(48)
	s.Require().Equal(48.0, s.hoursFromPickup(s.monday))
}

func (s *EngineSuite) TestPriorityOrderCompounds() {
	s.sh.ServiceType = "express"
	s.lane("express", 24)
	// в репозитории порядок обратный, движок сортирует по priority
	s.repo.rules = []*models.EtaRule{
		{
			ID: 2, Name: "evening cutoff", RuleType: models.RuleTypeCutoffTime, Priority: 70, Active: true,
			Conditions:  []models.Condition{models.Range{Field: KeyPickupHour, Gte: fp(18), Lt: fp(22)}},
			Adjustments: []models.Adjustment{models.AddHours{Hours: 6}},
		},
		{
			ID: 1, Name: "express", RuleType: models.RuleTypeServiceModifier, Priority: 100, Active: true,
			Conditions:  []models.Condition{models.Equals{Field: KeyServiceType, Value: "express"}},
			Adjustments: []models.Adjustment{models.Multiplier{Factor: 0.5}},
		},
	}
	pickup := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	s.Require().Equal(18.0, s.hoursFromPickup(pickup))

	// 22:00 вне полуинтервала [18, 22)
	pickup = time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	s.Require().Equal(12.0, s.hoursFromPickup(pickup))
}

func (s *EngineSuite) TestStoredAdjustmentOrderIsKept() {
	s.sh.ServiceType = "express"
	s.lane("express", 24)

	stored, err := json.Marshal(models.EncodeAdjustments([]models.Adjustment{
		models.Multiplier{Factor: 0.5}, models.AddHours{Hours: 6},
	}))
	s.Require().NoError(err)
	var raw any
	s.Require().NoError(json.Unmarshal(stored, &raw))
	adjs, err := models.ParseAdjustments(raw)
	s.Require().NoError(err)

	s.repo.rules = []*models.EtaRule{{
		ID: 1, Name: "express then handling", RuleType: models.RuleTypeServiceModifier, Priority: 100, Active: true,
		Adjustments: adjs,
	}}
	// (24 * 0.5) + 6, а не (24 + 6) * 0.5
	s.Require().Equal(18.0, s.hoursFromPickup(s.monday))
}

func (s *EngineSuite) TestNoLane() {
	eta, err := s.engine.CalculateETA(context.Background(), s.sh, s.monday)
	s.Require().NoError(err)
	s.Require().Nil(eta)

	s.lane("standard", 24)
	eta, err = s.engine.CalculateETA(context.Background(), &models.Shipment{ID: 3, ServiceType: "standard"}, s.monday)
	s.Require().NoError(err)
	s.Require().Nil(eta)

	s.repo.lanes[laneKey{1, 2, "standard"}].Active = false
	eta, err = s.engine.CalculateETA(context.Background(), s.sh, s.monday)
	s.Require().NoError(err)
	s.Require().Nil(eta)
}

func (s *EngineSuite) TestDayAdjustment() {
	l := s.lane("standard", 24)
	l.DayAdjustments = map[string]float64{"friday": 48}
	friday := time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC)
	s.Require().Equal(72.0, s.hoursFromPickup(friday))
	s.Require().Equal(24.0, s.hoursFromPickup(s.monday))
}

func (s *EngineSuite) TestHolidayAndTimeZone() {
	bkk := time.FixedZone("ICT", 7*3600)
	var err error
	s.engine, err = New(s.repo, Config{Location: bkk, Holidays: []string{"2026-04-13", " 2026-04-14 "}})
	s.Require().NoError(err)

	s.lane("standard", 24)
	s.repo.rules = []*models.EtaRule{{
		ID: 5, Name: "songkran", RuleType: models.RuleTypeHolidayAdjustment, Priority: 50, Active: true,
		Conditions:  []models.Condition{models.Equals{Field: KeyIsHolidayDelivery, Value: true}},
		Adjustments: []models.Adjustment{models.AddDays{Days: 1}},
	}}

	// 2026-04-12 03:00 UTC = 10:00 ICT, база даёт 13 апреля
	pickup := time.Date(2026, 4, 12, 3, 0, 0, 0, time.UTC)
	s.Require().Equal(48.0, s.hoursFromPickup(pickup))

	// 2026-04-11 18:00 UTC = 12 апреля 01:00 ICT по местному времени
	pickup = time.Date(2026, 4, 11, 18, 0, 0, 0, time.UTC)
	s.Require().Equal(48.0, s.hoursFromPickup(pickup))

	// 2026-04-11 16:00 UTC = 11 апреля 23:00 ICT, база попадает на 12 апреля
	pickup = time.Date(2026, 4, 11, 16, 0, 0, 0, time.UTC)
	s.Require().Equal(24.0, s.hoursFromPickup(pickup))
}

func (s *EngineSuite) TestWeekendAndMissingKeys() {
	s.lane("standard", 24)
	s.repo.rules = []*models.EtaRule{
		{
			ID: 1, Name: "weekend", Priority: 10, Active: true,
			Conditions:  []models.Condition{models.Equals{Field: KeyIsWeekendPickup, Value: true}},
			Adjustments: []models.Adjustment{models.AddHours{Hours: 24}},
		},
		{
			ID: 2, Name: "carrier", Priority: 5, Active: true,
			Conditions:  []models.Condition{models.NotIn{Field: KeyCarrierCode, Values: []any{"FLASH"}}},
			Adjustments: []models.Adjustment{models.AddHours{Hours: 100}},
		},
	}
	sunday := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	// carrier_code пустой -> ключа нет -> not_in не срабатывает
	s.Require().Equal(48.0, s.hoursFromPickup(sunday))

	s.sh.CarrierCode = "KERRY"
	s.Require().Equal(148.0, s.hoursFromPickup(sunday))
}

func (s *EngineSuite) TestRulesError() {
	s.lane("standard", 24)
	s.repo.rulesErr = errors.New("bad rule config")
	_, err := s.engine.CalculateETA(context.Background(), s.sh, s.monday)
	s.Require().Error(err)
}

func (s *EngineSuite) TestGetApplicableRules() {
	s.sh.ServiceType = "express"
	s.lane("express", 24)
	s.repo.rules = []*models.EtaRule{
		{ID: 1, Name: "low", Priority: 1, Active: true},
		{ID: 2, Name: "express", Priority: 100, Active: true,
			Conditions: []models.Condition{models.In{Field: KeyServiceType, Values: []any{"EXPRESS", "same_day"}}}},
		{ID: 3, Name: "disabled", Priority: 200, Active: false},
		{ID: 4, Name: "long lanes", Priority: 50, Active: true,
			Conditions: []models.Condition{models.Range{Field: KeyBaseHours, Gte: fp(48)}}},
	}
	rules, err := s.engine.GetApplicableRules(context.Background(), s.sh)
	s.Require().NoError(err)
	s.Require().Len(rules, 2)
	s.Require().Equal("express", rules[0].Name)
	s.Require().Equal("low", rules[1].Name)
}

func (s *EngineSuite) TestRecalculateETA() {
	s.lane("standard", 48)
	pickup := s.monday.Add(-6 * time.Hour)
	s.repo.pickups[s.sh.ID] = &models.TrackingEvent{Code: models.EventCodePickedUp, EventTime: pickup}

	eta, err := s.engine.RecalculateETA(context.Background(), s.sh)
	s.Require().NoError(err)
	s.Require().Equal(pickup.Add(48*time.Hour), *eta)
	s.Require().Equal(*eta, s.repo.saved[s.sh.ID])

	// без PICKED_UP берём время создания
	other := &models.Shipment{ID: 11, ServiceType: "standard", OriginFacilityID: up(1), DestinationFacilityID: up(2), CreatedAt: s.monday}
	eta, err = s.engine.RecalculateETA(context.Background(), other)
	s.Require().NoError(err)
	s.Require().Equal(s.monday.Add(48*time.Hour), *eta)

	// без линии ничего не сохраняется
	none := &models.Shipment{ID: 12, ServiceType: "economy", OriginFacilityID: up(1), DestinationFacilityID: up(2)}
	eta, err = s.engine.RecalculateETA(context.Background(), none)
	s.Require().NoError(err)
	s.Require().Nil(eta)
	_, saved := s.repo.saved[12]
	s.Require().False(saved)
}

func (s *EngineSuite) TestCalculateETA_RecordsSpan() {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	s.lane("standard", 48)
	_, err := s.engine.CalculateETA(context.Background(), s.sh, s.monday)
	s.Require().NoError(err)

	spans := sr.Ended()
	s.Require().NotEmpty(spans)
	s.Require().Equal("eta.calculate", spans[len(spans)-1].Name())
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func TestNew_BadHoliday(t *testing.T) {
	_, err := New(newFakeRepo(), Config{Holidays: []string{"13/04/2026"}})
	if err == nil {
		t.Fatal("expected error")
	}
}
