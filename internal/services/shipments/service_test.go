package shipments

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipTrack/internal/cache/rediscache"
	"github.com/BearBump/ShipTrack/internal/models"
)

type fakeRepo struct {
	byTN      map[string]*models.Shipment
	getCalls  int
	listID    uint64
	listLimit int
}

func (f *fakeRepo) CreateOrGetShipments(context.Context, []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	return nil, nil
}

func (f *fakeRepo) GetShipmentByTrackingNumber(_ context.Context, tn string) (*models.Shipment, error) {
	f.getCalls++
	sh, ok := f.byTN[tn]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (f *fakeRepo) ListShipmentEvents(_ context.Context, id uint64, limit, _ int) ([]*models.TrackingEvent, error) {
	f.listID, f.listLimit = id, limit
	return []*models.TrackingEvent{{ID: 1, ShipmentID: id}}, nil
}

func (f *fakeRepo) RequestSync(context.Context, uint64) error { return nil }

func TestService_CurrentStateCache_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = rc.Close() })

	repo := &fakeRepo{byTN: map[string]*models.Shipment{
		"TH1": {ID: 1, TrackingNumber: "TH1", CurrentStatus: models.ShipmentStatusCreated},
	}}
	svc := New(repo, rc, time.Minute)
	ctx := context.Background()

	got, err := svc.GetShipment(ctx, "TH1")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusCreated, got.CurrentStatus)
	require.True(t, mr.Exists("shipment:status:TH1"))

	// второй запрос из кэша
	_, err = svc.GetShipment(ctx, "TH1")
	require.NoError(t, err)
	require.Equal(t, 1, repo.getCalls)

	repo.byTN["TH1"].CurrentStatus = models.ShipmentStatusDelivered
	require.NoError(t, svc.Refresh(ctx, "TH1"))

	got, err = svc.GetShipment(ctx, "TH1")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusDelivered, got.CurrentStatus)

	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("shipment:status:TH1"))
}

func TestService_ListEvents(t *testing.T) {
	repo := &fakeRepo{byTN: map[string]*models.Shipment{"TH2": {ID: 2, TrackingNumber: "TH2"}}}
	svc := New(repo, nil, 0)

	evs, err := svc.ListEvents(context.Background(), "th2", 50, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(2), repo.listID)
	require.Equal(t, 50, repo.listLimit)
}

func TestService_NoCache_RefreshIsNoop(t *testing.T) {
	svc := New(&fakeRepo{}, nil, 0)
	require.NoError(t, svc.Refresh(context.Background(), "ANY"))
}
