package shipments

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/normalizer"
)

const maxCreateItems = 10_000

type Repository interface {
	CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error)
	GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	RequestSync(ctx context.Context, shipmentID uint64) error
}

// Service owns shipment registration and the cached current-state view.
type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

func (s *Service) CreateShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(models.ErrInvalidInput, "items is empty")
	}
	if len(items) > maxCreateItems {
		return nil, errors.Wrapf(models.ErrInvalidInput, "too many items (max %d)", maxCreateItems)
	}

	clean := make([]models.ShipmentCreateInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it.TrackingNumber = normalizer.NormalizeCode(it.TrackingNumber)
		if it.TrackingNumber == "" {
			return nil, errors.Wrap(models.ErrInvalidInput, "tracking_number is required")
		}
		it.ServiceType = strings.ToLower(strings.TrimSpace(it.ServiceType))
		it.OriginFacilityCode = normalizer.NormalizeCode(it.OriginFacilityCode)
		it.DestinationFacilityCode = normalizer.NormalizeCode(it.DestinationFacilityCode)
		if _, ok := seen[it.TrackingNumber]; ok {
			continue
		}
		seen[it.TrackingNumber] = struct{}{}
		clean = append(clean, it)
	}

	return s.repo.CreateOrGetShipments(ctx, clean)
}

// GetShipment reads the current state through the cache.
func (s *Service) GetShipment(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	tn := normalizer.NormalizeCode(trackingNumber)
	if tn == "" {
		return nil, errors.Wrap(models.ErrInvalidInput, "tracking_number is required")
	}

	if s.cacheEnabled() {
		sh, ok, err := cache.GetJSON[models.Shipment](ctx, s.cache, currentKey(tn))
		if err != nil {
			slog.Warn("shipment cache read failed", "tracking_number", tn, "err", err)
		}
		if ok {
			return &sh, nil
		}
	}

	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, tn)
	if err != nil {
		return nil, err
	}
	s.store(ctx, sh)
	return sh, nil
}

func (s *Service) ListEvents(ctx context.Context, trackingNumber string, limit, offset int) ([]*models.TrackingEvent, error) {
	sh, err := s.GetShipment(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	return s.repo.ListShipmentEvents(ctx, sh.ID, limit, offset)
}

// RequestSync asks the partner poller to check the shipment on its next pass.
func (s *Service) RequestSync(ctx context.Context, trackingNumber string) error {
	sh, err := s.GetShipment(ctx, trackingNumber)
	if err != nil {
		return err
	}
	return s.repo.RequestSync(ctx, sh.ID)
}

// Refresh reloads the shipment after a state change and rewrites its cache entry.
func (s *Service) Refresh(ctx context.Context, trackingNumber string) error {
	if !s.cacheEnabled() {
		return nil
	}
	tn := normalizer.NormalizeCode(trackingNumber)
	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, tn)
	if err != nil {
		// устаревшую запись лучше убрать, чем отдавать
		_ = s.cache.Del(ctx, currentKey(tn))
		return err
	}
	s.store(ctx, sh)
	return nil
}

func (s *Service) store(ctx context.Context, sh *models.Shipment) {
	if !s.cacheEnabled() {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, currentKey(sh.TrackingNumber), sh, s.currentTTL); err != nil {
		slog.Warn("shipment cache write failed", "tracking_number", sh.TrackingNumber, "err", err)
	}
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

func currentKey(trackingNumber string) string {
	return cache.KeyPrefixCurrentStatus + trackingNumber
}
