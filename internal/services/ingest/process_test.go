package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/BearBump/ShipTrack/internal/broker/messages"
	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/cache/rediscache"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/dedup"
	"github.com/BearBump/ShipTrack/internal/services/normalizer"
	"github.com/BearBump/ShipTrack/internal/services/ordering"
)

// memStore is an in-memory stand-in for pgtracking covering the calls the pipeline makes.
type memStore struct {
	mu        sync.Mutex
	shipments map[string]*models.Shipment
	events    []*models.TrackingEvent
	keys      map[string]*models.TrackingEvent
	nextID    uint64
	lookupErr error
	orderErr  error
}

func newMemStore() *memStore {
	return &memStore{
		shipments: map[string]*models.Shipment{
			"TH1": {ID: 1, TrackingNumber: "TH1", CurrentStatus: models.ShipmentStatusCreated},
		},
		keys: map[string]*models.TrackingEvent{},
	}
}

func (s *memStore) ListCodeMappings(_ context.Context, source string) (map[string]string, error) {
	if source == models.SourceWebhook {
		return map[string]string{"DLV": models.EventCodeDelivered}, nil
	}
	return nil, nil
}

func (s *memStore) GetFacilityByCode(context.Context, string) (*models.Facility, error) {
	return nil, models.ErrNotFound
}

func (s *memStore) GetShipmentByTrackingNumber(_ context.Context, tn string) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	sh, ok := s.shipments[tn]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (s *memStore) GetEventByKey(_ context.Context, key string) (*models.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.keys[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e, nil
}

func (s *memStore) InsertEvent(_ context.Context, e *models.TrackingEvent) (*models.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[e.IdempotencyKey]; ok {
		return nil, models.ErrDuplicateEvent
	}
	s.nextID++
	cp := *e
	cp.ID = s.nextID
	s.keys[e.IdempotencyKey] = &cp
	s.events = append(s.events, &cp)
	return &cp, nil
}

func (s *memStore) UpdateShipmentState(_ context.Context, id uint64, decide func(*models.Shipment, []*models.TrackingEvent) (*models.ShipmentState, error)) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	var sh *models.Shipment
	for _, v := range s.shipments {
		if v.ID == id {
			sh = v
		}
	}
	var hist []*models.TrackingEvent
	for _, e := range s.events {
		if e.ShipmentID == id {
			hist = append(hist, e)
		}
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].Before(hist[j]) })

	cur := *sh
	st, err := decide(&cur, hist)
	if err != nil || st == nil {
		return &cur, err
	}
	at, lid := st.LastEventAt, st.LastEventID
	sh.CurrentStatus, sh.CurrentLocation = st.Status, st.Location
	sh.LastEventAt, sh.LastEventID = &at, &lid
	out := *sh
	return &out, nil
}

func (s *memStore) status(tn string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipments[tn].CurrentStatus
}

type etaCalls struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (e *etaCalls) Enqueue(_ context.Context, _ uint64, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reasons = append(e.reasons, reason)
	return e.err
}

type refreshCalls struct{ tns []string }

func (r *refreshCalls) Refresh(_ context.Context, tn string) error {
	r.tns = append(r.tns, tn)
	return nil
}

type pipeline struct {
	store   *memStore
	eta     *etaCalls
	refresh *refreshCalls
	proc    *Processor
}

func newPipeline() *pipeline {
	return newPipelineWithMarker(nil, 0)
}

func newPipelineWithMarker(seen cache.SeenMarker, ttl time.Duration) *pipeline {
	st := newMemStore()
	p := &pipeline{store: st, eta: &etaCalls{}, refresh: &refreshCalls{}}
	p.proc = NewProcessor(
		normalizer.New(st, st, nil, normalizer.Config{}),
		st,
		dedup.New(st, seen, ttl),
		ordering.New(st, ordering.Config{}),
		p.eta,
		p.refresh,
	)
	return p
}

func ev(id, code string, at time.Time) models.RawEvent {
	return models.RawEvent{EventID: id, TrackingNumber: "th1", EventCode: code, EventTime: at}
}

func TestProcess_StoresOrdersAndSchedulesEta(t *testing.T) {
	p := newPipeline()
	t0 := time.Now().Add(-6 * time.Hour).UTC()

	res, err := p.proc.Process(context.Background(), ev("e1", "PICKED_UP", t0), time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, res.Outcome)
	require.True(t, res.Ordering.StatusChanged)
	require.Equal(t, models.ShipmentStatusPickedUp, res.Ordering.NewStatus)
	require.Equal(t, models.ShipmentStatusPickedUp, p.store.status("TH1"))
	require.Equal(t, []string{"event:PICKED_UP"}, p.eta.reasons)
	require.Equal(t, []string{"TH1"}, p.refresh.tns)

	// IN_TRANSIT is not an ETA trigger
	res, err = p.proc.Process(context.Background(), ev("e2", "IN_TRANSIT", t0.Add(time.Hour)), time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, res.Outcome)
	require.Len(t, p.eta.reasons, 1)
}

func TestProcess_ResubmissionIsNoop(t *testing.T) {
	p := newPipeline()
	e := ev("e1", "dlv", time.Now().Add(-time.Hour))

	res, err := p.proc.Process(context.Background(), e, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, res.Outcome)
	require.Equal(t, models.EventCodeDelivered, res.Event.Code)

	res, err = p.proc.Process(context.Background(), e, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	require.Len(t, p.store.events, 1)
	require.Equal(t, models.ShipmentStatusDelivered, p.store.status("TH1"))
}

func TestProcess_OrderIndependent(t *testing.T) {
	t0 := time.Now().Add(-48 * time.Hour).UTC()
	events := []models.RawEvent{
		ev("a", "PICKED_UP", t0),
		ev("b", "IN_TRANSIT", t0.Add(2*time.Hour)),
		ev("c", "ARRIVED_AT_HUB", t0.Add(5*time.Hour)),
		ev("d", "OUT_FOR_DELIVERY", t0.Add(20*time.Hour)),
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}}

	for _, order := range orders {
		p := newPipeline()
		for _, i := range order {
			_, err := p.proc.Process(context.Background(), events[i], time.Now())
			require.NoError(t, err)
		}
		require.Equal(t, models.ShipmentStatusOutForDelivery, p.store.status("TH1"), "order %v", order)
	}
}

func TestProcess_InvalidAndUnknownShipment(t *testing.T) {
	p := newPipeline()

	res, err := p.proc.Process(context.Background(), ev("e1", "TELEPORTED", time.Now()), time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeInvalid, res.Outcome)
	require.NotEmpty(t, res.Errors)

	unknown := ev("e2", "PICKED_UP", time.Now())
	unknown.TrackingNumber = "NOPE"
	res, err = p.proc.Process(context.Background(), unknown, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeUnknownShipment, res.Outcome)
	require.Empty(t, p.store.events)
}

func TestProcess_InfrastructureErrorsAreReturned(t *testing.T) {
	p := newPipeline()
	p.store.lookupErr = errors.New("db down")
	_, err := p.proc.Process(context.Background(), ev("e1", "PICKED_UP", time.Now()), time.Now())
	require.Error(t, err)

	p = newPipeline()
	p.store.orderErr = errors.New("deadlock")
	_, err = p.proc.Process(context.Background(), ev("e1", "PICKED_UP", time.Now()), time.Now())
	require.Error(t, err)
	require.Empty(t, p.eta.reasons)
}

func TestProcess_RedeliveryAfterOrderingFailure(t *testing.T) {
	cases := []struct {
		code    string
		status  string
		reasons []string
	}{
		{"PICKED_UP", models.ShipmentStatusPickedUp, []string{"event:PICKED_UP"}},
		{"DELIVERED", models.ShipmentStatusDelivered, nil},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			p := newPipeline()
			e := ev("e1", tc.code, time.Now().Add(-time.Hour))

			p.store.orderErr = errors.New("deadlock")
			_, err := p.proc.Process(context.Background(), e, time.Now())
			require.Error(t, err)
			require.Len(t, p.store.events, 1)
			require.Equal(t, models.ShipmentStatusCreated, p.store.status("TH1"))

			// Kafka доставляет то же сообщение ещё раз
			p.store.orderErr = nil
			res, err := p.proc.Process(context.Background(), e, time.Now())
			require.NoError(t, err)
			require.Equal(t, OutcomeRecovered, res.Outcome)
			require.Len(t, p.store.events, 1)
			require.Equal(t, tc.status, p.store.status("TH1"))
			require.Equal(t, tc.reasons, p.eta.reasons)

			res, err = p.proc.Process(context.Background(), e, time.Now())
			require.NoError(t, err)
			require.Equal(t, OutcomeDuplicate, res.Outcome)
			require.Equal(t, tc.reasons, p.eta.reasons)
		})
	}
}

func TestProcess_MarkedDuplicateSkipsOrdering(t *testing.T) {
	mr := miniredis.RunT(t)
	p := newPipelineWithMarker(rediscache.New(mr.Addr()), time.Hour)
	e := ev("e1", "PICKED_UP", time.Now().Add(-time.Hour))

	res, err := p.proc.Process(context.Background(), e, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, res.Outcome)

	// маркер стоит, до UpdateShipmentState дело не доходит
	p.store.orderErr = errors.New("must not be called")
	res, err = p.proc.Process(context.Background(), e, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestProcess_MarkerSetOnlyAfterOrdering(t *testing.T) {
	mr := miniredis.RunT(t)
	p := newPipelineWithMarker(rediscache.New(mr.Addr()), time.Hour)
	e := ev("e1", "DELIVERED", time.Now().Add(-time.Hour))

	p.store.orderErr = errors.New("deadlock")
	_, err := p.proc.Process(context.Background(), e, time.Now())
	require.Error(t, err)
	require.Empty(t, mr.Keys())

	p.store.orderErr = nil
	res, err := p.proc.Process(context.Background(), e, time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeRecovered, res.Outcome)
	require.Equal(t, models.ShipmentStatusDelivered, p.store.status("TH1"))
	require.Len(t, mr.Keys(), 1)
}

func TestProcess_FutureEventMeasuredFromReceipt(t *testing.T) {
	p := newPipeline()
	received := time.Now().Add(-2 * time.Hour)
	// на момент приёма событие было на 3 часа в будущем, сейчас только на час
	e := ev("e1", "IN_TRANSIT", received.Add(3*time.Hour))

	res, err := p.proc.Process(context.Background(), e, received)
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, res.Outcome)
	require.True(t, res.Ordering.HasAnomaly(models.AnomalyFutureEvent))
	require.WithinDuration(t, received, res.Event.CreatedAt, time.Millisecond)
}

func TestHandleMessage_PassesReceivedAt(t *testing.T) {
	p := newPipeline()
	received := time.Now().Add(-3 * time.Hour).UTC()

	b, err := json.Marshal(messages.NewRawEventReceived(ev("e1", "PICKED_UP", time.Now().Add(-time.Minute)), received))
	require.NoError(t, err)
	require.NoError(t, p.proc.HandleMessage(context.Background(), []byte("TH1"), b))
	require.Len(t, p.store.events, 1)
	require.True(t, received.Equal(p.store.events[0].CreatedAt))
}

func TestProcess_EtaEnqueueFailureDoesNotFail(t *testing.T) {
	p := newPipeline()
	p.eta.err = errors.New("broker down")

	res, err := p.proc.Process(context.Background(), ev("e1", "PICKED_UP", time.Now().Add(-time.Minute)), time.Now())
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, res.Outcome)
}

func TestHandleMessage(t *testing.T) {
	p := newPipeline()

	b, err := json.Marshal(messages.NewRawEventReceived(ev("e1", "PICKED_UP", time.Now().Add(-time.Minute)), time.Now()))
	require.NoError(t, err)
	require.NoError(t, p.proc.HandleMessage(context.Background(), []byte("TH1"), b))
	require.Len(t, p.store.events, 1)

	require.NoError(t, p.proc.HandleMessage(context.Background(), nil, []byte("garbage")))
	require.Len(t, p.store.events, 1)
}

func TestProcess_Span(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p := newPipeline()
	_, err := p.proc.Process(context.Background(), ev("e1", "PICKED_UP", time.Now().Add(-time.Minute)), time.Now())
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	require.Contains(t, names, "ingest.process")
}
