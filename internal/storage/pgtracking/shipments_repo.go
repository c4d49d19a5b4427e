package pgtracking

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/models"
)

const shipmentColumns = `
  id, tracking_number, service_type, carrier_code,
  current_status, current_location,
  origin_facility_id, destination_facility_id,
  estimated_delivery, last_event_at, last_event_id,
  next_sync_at, sync_fail_count, last_sync_error,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	err := row.Scan(
		&sh.ID, &sh.TrackingNumber, &sh.ServiceType, &sh.CarrierCode,
		&sh.CurrentStatus, &sh.CurrentLocation,
		&sh.OriginFacilityID, &sh.DestinationFacilityID,
		&sh.EstimatedDelivery, &sh.LastEventAt, &sh.LastEventID,
		&sh.NextSyncAt, &sh.SyncFailCount, &sh.LastSyncError,
		&sh.CreatedAt, &sh.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan shipment")
	}
	return &sh, nil
}

func collectShipments(rows pgx.Rows) ([]*models.Shipment, error) {
	defer rows.Close()
	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CreateOrGetShipments регистрирует отправления; существующие номера возвращаются как есть.
func (s *Storage) CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	now := time.Now().UTC()
	ids := make([]uint64, 0, len(items))

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, it := range items {
			origin, err := facilityIDByCode(ctx, tx, it.OriginFacilityCode)
			if err != nil {
				return err
			}
			dest, err := facilityIDByCode(ctx, tx, it.DestinationFacilityCode)
			if err != nil {
				return err
			}
			service := it.ServiceType
			if service == "" {
				service = "standard"
			}

			var id uint64
			err = tx.QueryRow(ctx, `
INSERT INTO shipments (
  tracking_number, service_type, carrier_code, current_status,
  origin_facility_id, destination_facility_id,
  next_sync_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7,$7)
ON CONFLICT (tracking_number)
DO UPDATE SET updated_at = shipments.updated_at
RETURNING id
`, it.TrackingNumber, service, strings.ToUpper(it.CarrierCode), models.ShipmentStatusCreated,
				origin, dest, now).Scan(&id)
			if err != nil {
				return errors.Wrap(err, "insert shipment")
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetShipmentsByIDs(ctx, ids)
}

func facilityIDByCode(ctx context.Context, tx pgx.Tx, code string) (*uint64, error) {
	if code == "" {
		return nil, nil
	}
	var id uint64
	err := tx.QueryRow(ctx, `SELECT id FROM facilities WHERE code = $1`, strings.ToUpper(code)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "facility %s", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select facility id")
	}
	return &id, nil
}

func (s *Storage) GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error) {
	if len(ids) == 0 {
		return []*models.Shipment{}, nil
	}
	rows, err := s.db.Query(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	return collectShipments(rows)
}

func (s *Storage) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	return scanShipment(s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id))
}

func (s *Storage) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	return scanShipment(s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE tracking_number = $1`, trackingNumber))
}

// UpdateShipmentState блокирует строку отправления, загружает всю историю событий
// в порядке (event_time, id) и сохраняет решение decide с CAS по (last_event_at, last_event_id).
// decide может вернуть nil: тогда отправление не меняется.
func (s *Storage) UpdateShipmentState(
	ctx context.Context,
	shipmentID uint64,
	decide func(sh *models.Shipment, history []*models.TrackingEvent) (*models.ShipmentState, error),
) (*models.Shipment, error) {
	var updated *models.Shipment
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sh, err := scanShipment(tx.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1 FOR UPDATE`, shipmentID))
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT`+eventColumns+` FROM tracking_events WHERE shipment_id = $1 ORDER BY event_time ASC, id ASC`, shipmentID)
		if err != nil {
			return errors.Wrap(err, "select history")
		}
		history, err := collectEvents(rows)
		if err != nil {
			return err
		}

		st, err := decide(sh, history)
		if err != nil {
			return err
		}
		if st == nil {
			updated = sh
			return nil
		}

		updated, err = scanShipment(tx.QueryRow(ctx, `
UPDATE shipments
SET
  current_status = $2,
  current_location = $3,
  last_event_at = $4,
  last_event_id = $5,
  updated_at = now()
WHERE id = $1
  AND (last_event_at IS NULL OR (last_event_at, last_event_id) <= ($4, $5))
RETURNING`+shipmentColumns,
			shipmentID, st.Status, st.Location, st.LastEventAt.UTC(), st.LastEventID))
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrStaleState
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetEstimatedDelivery: последняя запись побеждает.
func (s *Storage) SetEstimatedDelivery(ctx context.Context, shipmentID uint64, eta time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE shipments SET estimated_delivery = $2, updated_at = now() WHERE id = $1`, shipmentID, eta.UTC())
	if err != nil {
		return errors.Wrap(err, "update eta")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RequestSync ставит отправление в начало очереди партнёрского опроса.
func (s *Storage) RequestSync(ctx context.Context, shipmentID uint64) error {
	_, err := s.db.Exec(ctx, `UPDATE shipments SET next_sync_at = now(), updated_at = now() WHERE id = $1`, shipmentID)
	return errors.Wrap(err, "request sync")
}

// ClaimDueShipments выбирает пачку незавершённых отправлений, которые пора опросить у партнёра,
// и "бронирует" их на lease, чтобы другие воркеры их не взяли.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	var picked []*models.Shipment
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE next_sync_at <= $1
  AND carrier_code <> ''
  AND current_status <> ALL($2)
ORDER BY next_sync_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), []string{models.ShipmentStatusDelivered, models.ShipmentStatusReturned}, limit)
		if err != nil {
			return errors.Wrap(err, "select due shipments")
		}
		picked, err = collectShipments(rows)
		if err != nil {
			return err
		}

		leaseUntil := now.UTC().Add(lease)
		for _, sh := range picked {
			if _, err := tx.Exec(ctx, `UPDATE shipments SET next_sync_at = $2, updated_at = now() WHERE id = $1`, sh.ID, leaseUntil); err != nil {
				return errors.Wrap(err, "lease shipment")
			}
			sh.NextSyncAt = leaseUntil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// ApplySyncUpdate записывает итог опроса партнёра: ошибка увеличивает счётчик неудач.
func (s *Storage) ApplySyncUpdate(ctx context.Context, upd models.ShipmentSyncUpdate) error {
	var err error
	if upd.Error != nil && *upd.Error != "" {
		_, err = s.db.Exec(ctx, `
UPDATE shipments
SET
  last_synced_at = $2,
  sync_fail_count = sync_fail_count + 1,
  last_sync_error = $3,
  next_sync_at = $4,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID, upd.CheckedAt.UTC(), *upd.Error, upd.NextSyncAt.UTC())
	} else {
		_, err = s.db.Exec(ctx, `
UPDATE shipments
SET
  last_synced_at = $2,
  sync_fail_count = 0,
  last_sync_error = NULL,
  next_sync_at = $3,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID, upd.CheckedAt.UTC(), upd.NextSyncAt.UTC())
	}
	return errors.Wrap(err, "apply sync update")
}
