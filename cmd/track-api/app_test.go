package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BearBump/ShipTrack/internal/api/ingest_api"
	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/ingest"
	"github.com/BearBump/ShipTrack/internal/services/shipments"
)

type fakeRepo struct{}

func (r *fakeRepo) CreateOrGetShipments(context.Context, []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	return []*models.Shipment{}, nil
}
func (r *fakeRepo) GetShipmentByTrackingNumber(context.Context, string) (*models.Shipment, error) {
	return nil, models.ErrNotFound
}
func (r *fakeRepo) ListShipmentEvents(context.Context, uint64, int, int) ([]*models.TrackingEvent, error) {
	return []*models.TrackingEvent{}, nil
}
func (r *fakeRepo) RequestSync(context.Context, uint64) error { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishJSONBatch(context.Context, string, []kafka.Message) error { return nil }

type nopRules struct{}

func (nopRules) GetApplicableRules(context.Context, *models.Shipment) ([]*models.EtaRule, error) {
	return nil, nil
}

type nopEta struct{}

func (nopEta) Enqueue(context.Context, uint64, string) error { return nil }

func newTestAPI() *ingest_api.API {
	return ingest_api.New(
		ingest.NewAcceptor(nopPublisher{}, ingest.AcceptConfig{}),
		shipments.New(&fakeRepo{}, nil, time.Minute),
		nopRules{},
		nopEta{},
	)
}

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

type fakeConsumer struct {
	err error
}

func (c fakeConsumer) Consume(ctx context.Context, _ kafka.Handler) error {
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func nopHandler(context.Context, []byte, []byte) error { return nil }

func TestRouter_ServiceEndpoints(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestAPI(), writeSwagger(t)))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, body = get("/swagger.json")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"swagger"`)

	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "go_goroutines")

	code, _ = get("/v1/shipments/UNKNOWN")
	require.Equal(t, http.StatusNotFound, code)
}

func TestRunTrackAPI_ServesAndStops(t *testing.T) {
	opts := trackAPIOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    "127.0.0.1:0",
		swaggerPath: writeSwagger(t),
		topic:       "events.raw",
	}
	type addrs struct{ grpc, http string }
	addrCh := make(chan addrs, 1)
	opts.onListen = func(g, h string) { addrCh <- addrs{g, h} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- runTrackAPI(ctx, opts, newTestAPI(), fakeConsumer{}, nopHandler) }()

	a := <-addrCh

	resp, err := http.Get("http://" + a.http + "/swagger.json")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(a.grpc, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	hctx, hcancel := context.WithTimeout(ctx, 2*time.Second)
	defer hcancel()
	hr, err := healthpb.NewHealthClient(conn).Check(hctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, hr.GetStatus())

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting track-api to stop")
	}
}

func TestRunTrackAPI_ConsumerFailure(t *testing.T) {
	opts := trackAPIOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    "127.0.0.1:0",
		swaggerPath: writeSwagger(t),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("fetch message: broker down")
	err := runTrackAPI(ctx, opts, newTestAPI(), fakeConsumer{err: boom}, nopHandler)
	require.ErrorIs(t, err, boom)
}

func TestRunTrackAPI_MissingSwagger(t *testing.T) {
	err := runTrackAPI(context.Background(), trackAPIOpts{swaggerPath: "/nope/swagger.json"}, newTestAPI(), fakeConsumer{}, nopHandler)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "swagger file not found"))

	err = runTrackAPI(context.Background(), trackAPIOpts{}, newTestAPI(), fakeConsumer{}, nopHandler)
	require.Error(t, err)
}

func TestSeconds(t *testing.T) {
	require.Equal(t, 5*time.Second, seconds(5, time.Minute))
	require.Equal(t, time.Minute, seconds(0, time.Minute))
	require.Equal(t, time.Minute, seconds(-1, time.Minute))
}
