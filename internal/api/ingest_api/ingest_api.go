package ingest_api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/ingest"
)

const (
	maxJSONBody = 8 << 20
	maxCSVBody  = 32 << 20
)

type Acceptor interface {
	Accept(ctx context.Context, raw models.RawEvent) error
	AcceptBatch(ctx context.Context, raws []models.RawEvent) (*ingest.AcceptResult, error)
	AcceptCSV(ctx context.Context, r io.Reader) (*ingest.AcceptResult, error)
}

type Shipments interface {
	CreateShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error)
	GetShipment(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	ListEvents(ctx context.Context, trackingNumber string, limit, offset int) ([]*models.TrackingEvent, error)
	RequestSync(ctx context.Context, trackingNumber string) error
}

type RuleDiagnostics interface {
	GetApplicableRules(ctx context.Context, sh *models.Shipment) ([]*models.EtaRule, error)
}

type EtaScheduler interface {
	Enqueue(ctx context.Context, shipmentID uint64, reason string) error
}

type API struct {
	acceptor  Acceptor
	shipments Shipments
	rules     RuleDiagnostics
	eta       EtaScheduler
}

func New(acceptor Acceptor, shipments Shipments, rules RuleDiagnostics, eta EtaScheduler) *API {
	return &API{acceptor: acceptor, shipments: shipments, rules: rules, eta: eta}
}

// Routes mounts the v1 API on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", a.postEvent)
		r.Post("/events/batch", a.postBatch)
		r.Post("/events/csv", a.postCSV)

		r.Post("/shipments", a.postShipments)
		r.Get("/shipments/{trackingNumber}", a.getShipment)
		r.Get("/shipments/{trackingNumber}/events", a.listEvents)
		r.Post("/shipments/{trackingNumber}/sync", a.requestSync)
		r.Get("/shipments/{trackingNumber}/eta/rules", a.getRules)
		r.Post("/shipments/{trackingNumber}/eta/recalculate", a.recalculate)
	})
}

func (a *API) postEvent(w http.ResponseWriter, r *http.Request) {
	var raw models.RawEvent
	if !decodeJSON(w, r, &raw) {
		return
	}
	if err := a.acceptor.Accept(r.Context(), raw); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingest.AcceptResult{Accepted: 1})
}

func (a *API) postBatch(w http.ResponseWriter, r *http.Request) {
	var raws []models.RawEvent
	if !decodeJSON(w, r, &raws) {
		return
	}
	for i := range raws {
		if raws[i].Source == "" {
			raws[i].Source = models.SourceBatch
		}
	}
	res, err := a.acceptor.AcceptBatch(r.Context(), raws)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// postCSV принимает multipart (поле "file") или тело text/csv.
func (a *API) postCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCSVBody)

	var body io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		f, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "multipart field \"file\" is required"})
			return
		}
		defer f.Close()
		body = f
	}

	res, err := a.acceptor.AcceptCSV(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) postShipments(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Items []models.ShipmentCreateInput `json:"items"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	out, err := a.shipments.CreateShipments(r.Context(), in.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": out})
}

func (a *API) getShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := a.shipments.GetShipment(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	evs, err := a.shipments.ListEvents(r.Context(), chi.URLParam(r, "trackingNumber"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []*models.TrackingEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *API) requestSync(w http.ResponseWriter, r *http.Request) {
	if err := a.shipments.RequestSync(r.Context(), chi.URLParam(r, "trackingNumber")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"requested": true})
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	sh, err := a.shipments.GetShipment(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rules, err := a.rules.GetApplicableRules(r.Context(), sh)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*models.EtaRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipment_id": sh.ID, "rules": rules})
}

func (a *API) recalculate(w http.ResponseWriter, r *http.Request) {
	sh, err := a.shipments.GetShipment(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.eta.Enqueue(r.Context(), sh.ID, "manual"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"shipment_id": sh.ID, "enqueued": true})
}

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var shape *ingest.ShapeError
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &shape):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid event", Problems: shape.Problems})
	case errors.Is(err, ingest.ErrBatchTooLarge), errors.As(err, &mbe):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, ingest.ErrEmptyBatch):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
