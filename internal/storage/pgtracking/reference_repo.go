package pgtracking

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/models"
)

func (s *Storage) GetFacilityByCode(ctx context.Context, code string) (*models.Facility, error) {
	var f models.Facility
	err := s.db.QueryRow(ctx, `
SELECT id, code, name, name_local, facility_type, latitude, longitude, active
FROM facilities
WHERE code = $1
`, strings.ToUpper(code)).Scan(
		&f.ID, &f.Code, &f.Name, &f.NameLocal, &f.Type, &f.Latitude, &f.Longitude, &f.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select facility")
	}
	return &f, nil
}

func (s *Storage) UpsertFacility(ctx context.Context, f *models.Facility) (uint64, error) {
	typ := f.Type
	if typ == "" {
		typ = "HUB"
	}
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO facilities (code, name, name_local, facility_type, latitude, longitude, active)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (code) DO UPDATE SET
  name = EXCLUDED.name,
  name_local = EXCLUDED.name_local,
  facility_type = EXCLUDED.facility_type,
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  active = EXCLUDED.active
RETURNING id
`, strings.ToUpper(f.Code), f.Name, f.NameLocal, typ, f.Latitude, f.Longitude, f.Active).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "upsert facility")
	}
	return id, nil
}

// ListCodeMappings returns source_code -> canonical_code for one source channel.
func (s *Storage) ListCodeMappings(ctx context.Context, source string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `SELECT source_code, canonical_code FROM event_code_mappings WHERE source = $1`, source)
	if err != nil {
		return nil, errors.Wrap(err, "select code mappings")
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var src, canonical string
		if err := rows.Scan(&src, &canonical); err != nil {
			return nil, errors.Wrap(err, "scan code mapping")
		}
		out[src] = canonical
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpsertCodeMapping(ctx context.Context, source, sourceCode, canonical string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO event_code_mappings (source, source_code, canonical_code)
VALUES ($1,$2,$3)
ON CONFLICT (source, source_code) DO UPDATE SET canonical_code = EXCLUDED.canonical_code
`, source, strings.ToUpper(sourceCode), canonical)
	return errors.Wrap(err, "upsert code mapping")
}

func (s *Storage) GetActiveLane(ctx context.Context, originID, destinationID uint64, serviceType string) (*models.EtaLane, error) {
	var l models.EtaLane
	err := s.db.QueryRow(ctx, `
SELECT id, origin_facility_id, destination_facility_id, service_type,
       base_hours, day_adjustments, min_hours, max_hours, active
FROM eta_lanes
WHERE origin_facility_id = $1 AND destination_facility_id = $2 AND service_type = $3 AND active
`, originID, destinationID, serviceType).Scan(
		&l.ID, &l.OriginFacilityID, &l.DestinationFacilityID, &l.ServiceType,
		&l.BaseHours, &l.DayAdjustments, &l.MinHours, &l.MaxHours, &l.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select lane")
	}
	return &l, nil
}

func (s *Storage) UpsertLane(ctx context.Context, l *models.EtaLane) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO eta_lanes (
  origin_facility_id, destination_facility_id, service_type,
  base_hours, day_adjustments, min_hours, max_hours, active
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (origin_facility_id, destination_facility_id, service_type) DO UPDATE SET
  base_hours = EXCLUDED.base_hours,
  day_adjustments = EXCLUDED.day_adjustments,
  min_hours = EXCLUDED.min_hours,
  max_hours = EXCLUDED.max_hours,
  active = EXCLUDED.active
RETURNING id
`, l.OriginFacilityID, l.DestinationFacilityID, l.ServiceType,
		l.BaseHours, l.DayAdjustments, l.MinHours, l.MaxHours, l.Active).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "upsert lane")
	}
	return id, nil
}

// ListActiveRules returns active rules, priority descending (id breaks ties).
// A rule whose stored conditions or adjustments cannot be parsed fails the whole call.
func (s *Storage) ListActiveRules(ctx context.Context) ([]*models.EtaRule, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, name, rule_type, conditions, adjustments, priority, active
FROM eta_rules
WHERE active
ORDER BY priority DESC, id ASC
`)
	if err != nil {
		return nil, errors.Wrap(err, "select rules")
	}
	defer rows.Close()

	var out []*models.EtaRule
	for rows.Next() {
		var r models.EtaRule
		var conds map[string]any
		var adjs any
		if err := rows.Scan(&r.ID, &r.Name, &r.RuleType, &conds, &adjs, &r.Priority, &r.Active); err != nil {
			return nil, errors.Wrap(err, "scan rule")
		}
		if r.Conditions, err = models.ParseConditions(conds); err != nil {
			return nil, errors.Wrapf(err, "rule %d", r.ID)
		}
		if r.Adjustments, err = models.ParseAdjustments(adjs); err != nil {
			return nil, errors.Wrapf(err, "rule %d", r.ID)
		}
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CreateRule(ctx context.Context, r *models.EtaRule) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO eta_rules (name, rule_type, conditions, adjustments, priority, active)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`, r.Name, r.RuleType, models.ConditionsToMap(r.Conditions), models.EncodeAdjustments(r.Adjustments), r.Priority, r.Active).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert rule")
	}
	return id, nil
}
