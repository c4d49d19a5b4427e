package pgtracking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS facilities (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  name_local TEXT NOT NULL DEFAULT '',
  facility_type TEXT NOT NULL DEFAULT 'HUB',
  latitude DOUBLE PRECISION NULL,
  longitude DOUBLE PRECISION NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE
)`,
		`
CREATE TABLE IF NOT EXISTS event_code_mappings (
  source TEXT NOT NULL,
  source_code TEXT NOT NULL,
  canonical_code TEXT NOT NULL,
  PRIMARY KEY (source, source_code)
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL UNIQUE,
  service_type TEXT NOT NULL DEFAULT 'standard',
  carrier_code TEXT NOT NULL DEFAULT '',
  current_status TEXT NOT NULL,
  current_location TEXT NULL,
  origin_facility_id BIGINT NULL REFERENCES facilities(id),
  destination_facility_id BIGINT NULL REFERENCES facilities(id),
  estimated_delivery TIMESTAMPTZ NULL,
  last_event_at TIMESTAMPTZ NULL,
  last_event_id BIGINT NULL,
  next_sync_at TIMESTAMPTZ NOT NULL,
  last_synced_at TIMESTAMPTZ NULL,
  sync_fail_count INT NOT NULL DEFAULT 0,
  last_sync_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_sync_at ON shipments(next_sync_at)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  source_event_id TEXT NOT NULL,
  code TEXT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  facility_id BIGINT NULL REFERENCES facilities(id),
  location TEXT NULL,
  description TEXT NOT NULL DEFAULT '',
  remarks TEXT NULL,
  raw_payload JSONB NULL,
  source TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_idempotency_key ON tracking_events(idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_shipment_time ON tracking_events(shipment_id, event_time, id)`,
		`
CREATE TABLE IF NOT EXISTS eta_lanes (
  id BIGSERIAL PRIMARY KEY,
  origin_facility_id BIGINT NOT NULL REFERENCES facilities(id),
  destination_facility_id BIGINT NOT NULL REFERENCES facilities(id),
  service_type TEXT NOT NULL,
  base_hours DOUBLE PRECISION NOT NULL,
  day_adjustments JSONB NULL,
  min_hours DOUBLE PRECISION NULL,
  max_hours DOUBLE PRECISION NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  UNIQUE (origin_facility_id, destination_facility_id, service_type)
)`,
		`
CREATE TABLE IF NOT EXISTS eta_rules (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  rule_type TEXT NOT NULL,
  conditions JSONB NOT NULL DEFAULT '{}'::jsonb,
  adjustments JSONB NOT NULL DEFAULT '{}'::jsonb,
  priority INT NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT TRUE
)`,
		`CREATE INDEX IF NOT EXISTS idx_eta_rules_active_priority ON eta_rules(active, priority DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
