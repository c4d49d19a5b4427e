package shipments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	cachemocks "github.com/BearBump/ShipTrack/internal/cache/mocks"
	"github.com/BearBump/ShipTrack/internal/models"
	shipmentsmocks "github.com/BearBump/ShipTrack/internal/services/shipments/mocks"
)

type ServiceSuite struct {
	suite.Suite

	repo  *shipmentsmocks.Repository
	cache *cachemocks.BytesCache
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &shipmentsmocks.Repository{}
	s.cache = &cachemocks.BytesCache{}
	s.svc = New(s.repo, s.cache, 10*time.Minute)
}

func (s *ServiceSuite) TestCreateShipments_NormalizesAndDedups() {
	in := []models.ShipmentCreateInput{
		{TrackingNumber: " th 123 ", ServiceType: "Express", OriginFacilityCode: "bkk-01"},
		{TrackingNumber: "TH123"},
		{TrackingNumber: "th456"},
	}
	want := []models.ShipmentCreateInput{
		{TrackingNumber: "TH123", ServiceType: "express", OriginFacilityCode: "BKK-01"},
		{TrackingNumber: "TH456"},
	}
	s.repo.On("CreateOrGetShipments", mock.Anything, want).
		Return([]*models.Shipment{{ID: 1}, {ID: 2}}, nil).
		Once()

	out, err := s.svc.CreateShipments(context.Background(), in)
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestCreateShipments_ValidateErrors() {
	_, err := s.svc.CreateShipments(context.Background(), nil)
	s.Require().Error(err)

	_, err = s.svc.CreateShipments(context.Background(), []models.ShipmentCreateInput{{TrackingNumber: "  "}})
	s.Require().Error(err)

	items := make([]models.ShipmentCreateInput, maxCreateItems+1)
	for i := range items {
		items[i] = models.ShipmentCreateInput{TrackingNumber: "N"}
	}
	_, err = s.svc.CreateShipments(context.Background(), items)
	s.Require().Error(err)

	s.repo.AssertNotCalled(s.T(), "CreateOrGetShipments", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGetShipment_CacheHit_NoDB() {
	sh := &models.Shipment{ID: 7, TrackingNumber: "TH7", CurrentStatus: models.ShipmentStatusInTransit}
	b, _ := json.Marshal(sh)

	s.cache.On("Get", mock.Anything, "shipment:status:TH7").Return(b, true, nil).Once()

	got, err := s.svc.GetShipment(context.Background(), "th7")
	s.Require().NoError(err)
	s.Require().Equal(uint64(7), got.ID)
	s.Require().Equal(models.ShipmentStatusInTransit, got.CurrentStatus)
	s.repo.AssertNotCalled(s.T(), "GetShipmentByTrackingNumber", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGetShipment_CacheMiss_LoadsAndStores() {
	sh := &models.Shipment{ID: 8, TrackingNumber: "TH8"}

	s.cache.On("Get", mock.Anything, "shipment:status:TH8").Return(nil, false, nil).Once()
	s.repo.On("GetShipmentByTrackingNumber", mock.Anything, "TH8").Return(sh, nil).Once()
	s.cache.On("Set", mock.Anything, "shipment:status:TH8", mock.Anything, 10*time.Minute).Return(nil).Once()

	got, err := s.svc.GetShipment(context.Background(), "TH8")
	s.Require().NoError(err)
	s.Require().Same(sh, got)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetShipment_CacheErrorFallsBackToDB() {
	sh := &models.Shipment{ID: 9, TrackingNumber: "TH9"}

	s.cache.On("Get", mock.Anything, "shipment:status:TH9").Return(nil, false, errors.New("redis down")).Once()
	s.repo.On("GetShipmentByTrackingNumber", mock.Anything, "TH9").Return(sh, nil).Once()
	s.cache.On("Set", mock.Anything, "shipment:status:TH9", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	got, err := s.svc.GetShipment(context.Background(), "TH9")
	s.Require().NoError(err)
	s.Require().Equal(uint64(9), got.ID)
}

func (s *ServiceSuite) TestGetShipment_NotFound() {
	s.cache.On("Get", mock.Anything, "shipment:status:NOPE").Return(nil, false, nil).Once()
	s.repo.On("GetShipmentByTrackingNumber", mock.Anything, "NOPE").Return(nil, models.ErrNotFound).Once()

	_, err := s.svc.GetShipment(context.Background(), "nope")
	s.Require().ErrorIs(err, models.ErrNotFound)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestRefresh_DeletesOnError() {
	s.repo.On("GetShipmentByTrackingNumber", mock.Anything, "TH1").Return(nil, errors.New("db down")).Once()
	s.cache.On("Del", mock.Anything, []string{"shipment:status:TH1"}).Return(nil).Once()

	s.Require().Error(s.svc.Refresh(context.Background(), "TH1"))
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestRequestSync() {
	sh := &models.Shipment{ID: 3, TrackingNumber: "TH3"}
	b, _ := json.Marshal(sh)
	s.cache.On("Get", mock.Anything, "shipment:status:TH3").Return(b, true, nil).Once()
	s.repo.On("RequestSync", mock.Anything, uint64(3)).Return(nil).Once()

	s.Require().NoError(s.svc.RequestSync(context.Background(), "TH3"))
	s.repo.AssertExpectations(s.T())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
