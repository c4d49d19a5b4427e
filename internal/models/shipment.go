package models

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEvent = errors.New("duplicate event")
	ErrStaleState     = errors.New("stale shipment state")
	ErrInvalidInput   = errors.New("invalid input")
)

type Facility struct {
	ID        uint64   `json:"id"`
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	NameLocal string   `json:"name_local,omitempty"`
	Type      string   `json:"type"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Active    bool     `json:"active"`
}

// DisplayName prefers the facility's display name, falling back to its code.
func (f *Facility) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.Code
}

type Shipment struct {
	ID                    uint64     `json:"id"`
	TrackingNumber        string     `json:"tracking_number"`
	ServiceType           string     `json:"service_type"`
	CarrierCode           string     `json:"carrier_code"`
	CurrentStatus         string     `json:"current_status"`
	CurrentLocation       *string    `json:"current_location,omitempty"`
	OriginFacilityID      *uint64    `json:"origin_facility_id,omitempty"`
	DestinationFacilityID *uint64    `json:"destination_facility_id,omitempty"`
	EstimatedDelivery     *time.Time `json:"estimated_delivery,omitempty"`
	LastEventAt           *time.Time `json:"last_event_at,omitempty"`
	LastEventID           *uint64    `json:"last_event_id,omitempty"`
	NextSyncAt            time.Time  `json:"next_sync_at"`
	SyncFailCount         int32      `json:"sync_fail_count"`
	LastSyncError         *string    `json:"last_sync_error,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ShipmentCreateInput регистрирует отправление (бронирование).
type ShipmentCreateInput struct {
	TrackingNumber          string `json:"tracking_number"`
	ServiceType             string `json:"service_type"`
	CarrierCode             string `json:"carrier_code"`
	OriginFacilityCode      string `json:"origin_facility_code,omitempty"`
	DestinationFacilityCode string `json:"destination_facility_code,omitempty"`
}

// ShipmentState is what ordering writes back onto a shipment row.
type ShipmentState struct {
	Status      string
	Location    *string
	LastEventAt time.Time
	LastEventID uint64
}

// ShipmentSyncUpdate is the partner poller's bookkeeping write.
type ShipmentSyncUpdate struct {
	ShipmentID uint64
	CheckedAt  time.Time
	NextSyncAt time.Time
	Error      *string
}
