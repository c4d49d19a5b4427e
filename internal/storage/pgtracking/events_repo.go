package pgtracking

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/models"
)

const uniqueViolation = "23505"

const eventColumns = `
  id, shipment_id, source_event_id, code, event_time,
  facility_id, location, description, remarks, raw_payload,
  source, idempotency_key, created_at`

func scanEvent(row pgx.Row) (*models.TrackingEvent, error) {
	var e models.TrackingEvent
	err := row.Scan(
		&e.ID, &e.ShipmentID, &e.SourceEventID, &e.Code, &e.EventTime,
		&e.FacilityID, &e.Location, &e.Description, &e.Remarks, &e.RawPayload,
		&e.Source, &e.IdempotencyKey, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan event")
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*models.TrackingEvent, error) {
	defer rows.Close()
	var out []*models.TrackingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// InsertEvent сохраняет событие. Повтор idempotency_key -> models.ErrDuplicateEvent.
// created_at берётся из e.CreatedAt (время приёма), если оно задано.
func (s *Storage) InsertEvent(ctx context.Context, e *models.TrackingEvent) (*models.TrackingEvent, error) {
	stored, err := scanEvent(s.db.QueryRow(ctx, `
INSERT INTO tracking_events (
  shipment_id, source_event_id, code, event_time,
  facility_id, location, description, remarks, raw_payload,
  source, idempotency_key, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, COALESCE($12, now()))
RETURNING`+eventColumns,
		e.ShipmentID, e.SourceEventID, e.Code, e.EventTime.UTC(),
		e.FacilityID, e.Location, e.Description, e.Remarks, e.RawPayload,
		e.Source, e.IdempotencyKey, ingestedAt(e)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, models.ErrDuplicateEvent
		}
		return nil, err
	}
	return stored, nil
}

func ingestedAt(e *models.TrackingEvent) *time.Time {
	if e.CreatedAt.IsZero() {
		return nil
	}
	t := e.CreatedAt.UTC()
	return &t
}

func (s *Storage) GetEventByKey(ctx context.Context, idempotencyKey string) (*models.TrackingEvent, error) {
	return scanEvent(s.db.QueryRow(ctx, `
SELECT`+eventColumns+`
FROM tracking_events
WHERE idempotency_key = $1
`, idempotencyKey))
}

// ListShipmentEvents returns the history in chronological order (event_time, id).
func (s *Storage) ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(ctx, `
SELECT`+eventColumns+`
FROM tracking_events
WHERE shipment_id = $1
ORDER BY event_time ASC, id ASC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	return collectEvents(rows)
}

// FirstEventByCode returns the chronologically earliest event with the given code.
func (s *Storage) FirstEventByCode(ctx context.Context, shipmentID uint64, code string) (*models.TrackingEvent, error) {
	return scanEvent(s.db.QueryRow(ctx, `
SELECT`+eventColumns+`
FROM tracking_events
WHERE shipment_id = $1 AND code = $2
ORDER BY event_time ASC, id ASC
LIMIT 1
`, shipmentID, code))
}
