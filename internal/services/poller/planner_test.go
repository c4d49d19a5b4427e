package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/BearBump/ShipTrack/internal/models"
	pollermocks "github.com/BearBump/ShipTrack/internal/services/poller/mocks"
)

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestBackoffDelay() {
	p := NewPlanner(PlannerConfig{}, &pollermocks.Rand{})
	s.Equal(5*time.Minute, p.BackoffDelay(1))
	s.Equal(15*time.Minute, p.BackoffDelay(2))
	s.Equal(30*time.Minute, p.BackoffDelay(3))
	s.Equal(60*time.Minute, p.BackoffDelay(4))
	s.Equal(60*time.Minute, p.BackoffDelay(100))
}

func (s *PlannerSuite) TestNextSyncDelay_Terminal() {
	p := NewPlanner(PlannerConfig{}, &pollermocks.Rand{})
	s.Equal(365*24*time.Hour, p.NextSyncDelay(models.ShipmentStatusDelivered))
	s.Equal(365*24*time.Hour, p.NextSyncDelay(models.ShipmentStatusReturned))
}

func (s *PlannerSuite) TestNextSyncDelay_Active_UsesRand() {
	m := &pollermocks.Rand{}
	// 30..120 минут = 1800..7200 секунд, Intn(5401)
	m.On("Intn", 5401).Return(600).Once()

	p := NewPlanner(PlannerConfig{}, m)
	s.Equal(40*time.Minute, p.NextSyncDelay(models.ShipmentStatusInTransit))
	m.AssertExpectations(s.T())
}

func (s *PlannerSuite) TestNextSyncDelay_FixedRangeSkipsRand() {
	m := &pollermocks.Rand{}
	p := NewPlanner(PlannerConfig{ActiveMinDelay: time.Minute, ActiveMaxDelay: time.Second}, m)
	s.Equal(time.Minute, p.NextSyncDelay(models.ShipmentStatusAtHub))
	s.Empty(m.Calls)
}

func (s *PlannerSuite) TestNextSyncDelay_Default() {
	p := NewPlanner(PlannerConfig{DefaultDelay: 7 * time.Minute}, &pollermocks.Rand{})
	s.Equal(7*time.Minute, p.NextSyncDelay(models.ShipmentStatusCreated))
	s.Equal(7*time.Minute, p.NextSyncDelay(""))
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
