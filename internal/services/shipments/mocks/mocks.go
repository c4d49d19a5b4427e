package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/BearBump/ShipTrack/internal/models"
)

type Repository struct {
	mock.Mock
}

func (m *Repository) CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	args := m.Called(ctx, items)
	out, _ := args.Get(0).([]*models.Shipment)
	return out, args.Error(1)
}

func (m *Repository) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	args := m.Called(ctx, trackingNumber)
	sh, _ := args.Get(0).(*models.Shipment)
	return sh, args.Error(1)
}

func (m *Repository) ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	args := m.Called(ctx, shipmentID, limit, offset)
	out, _ := args.Get(0).([]*models.TrackingEvent)
	return out, args.Error(1)
}

func (m *Repository) RequestSync(ctx context.Context, shipmentID uint64) error {
	args := m.Called(ctx, shipmentID)
	return args.Error(0)
}
