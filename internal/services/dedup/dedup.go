package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/models"
)

type EventRepository interface {
	GetEventByKey(ctx context.Context, idempotencyKey string) (*models.TrackingEvent, error)
	InsertEvent(ctx context.Context, e *models.TrackingEvent) (*models.TrackingEvent, error)
}

type Deduplicator struct {
	repo      EventRepository
	seen      cache.SeenMarker
	markerTTL time.Duration
}

// New: seen может быть nil, тогда проверка идёт только по БД.
func New(repo EventRepository, seen cache.SeenMarker, markerTTL time.Duration) *Deduplicator {
	return &Deduplicator{repo: repo, seen: seen, markerTTL: markerTTL}
}

// IdempotencyKey is the SHA-256 hex of "<shipmentID>|<sourceEventID>|<eventTime UTC RFC3339Nano>".
func IdempotencyKey(shipmentID uint64, sourceEventID string, eventTime time.Time) string {
	sum := sha256.Sum256([]byte(strconv.FormatUint(shipmentID, 10) + "|" + sourceEventID + "|" + eventTime.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate checks the redis marker first, then the events table. A marker
// means the event was fully processed and existing is nil; a row found in the
// table is returned so the caller can finish processing it.
func (d *Deduplicator) IsDuplicate(ctx context.Context, key string) (existing *models.TrackingEvent, dup bool, err error) {
	if d.seen != nil {
		seen, err := d.seen.IsSeen(ctx, key)
		if err != nil {
			slog.Warn("dedup marker check failed", "err", err)
		} else if seen {
			return nil, true, nil
		}
	}
	e, err := d.repo.GetEventByKey(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get event by key")
	}
	return e, true, nil
}

// Insert stores the event unless its key is already known. For a duplicate
// the stored row is returned (nil when already marked processed). A unique
// violation from a concurrent insert is treated the same way.
func (d *Deduplicator) Insert(ctx context.Context, ev *models.TrackingEvent) (*models.TrackingEvent, bool, error) {
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = IdempotencyKey(ev.ShipmentID, ev.SourceEventID, ev.EventTime)
	}
	existing, dup, err := d.IsDuplicate(ctx, ev.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if dup {
		return existing, true, nil
	}

	stored, err := d.repo.InsertEvent(ctx, ev)
	if errors.Is(err, models.ErrDuplicateEvent) {
		existing, err = d.repo.GetEventByKey(ctx, ev.IdempotencyKey)
		if err != nil {
			return nil, false, errors.Wrap(err, "get event by key")
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "insert event")
	}
	return stored, false, nil
}

// MarkProcessed sets the redis marker once the event has been folded into
// the shipment state. Later resubmissions stop at the marker.
func (d *Deduplicator) MarkProcessed(ctx context.Context, key string) {
	if d.seen == nil || d.markerTTL <= 0 {
		return
	}
	if _, err := d.seen.MarkSeen(ctx, key, d.markerTTL); err != nil {
		slog.Warn("dedup marker set failed", "err", err)
	}
}
