package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipTrack/internal/models"
)

func TestFakeClient_GetTracking(t *testing.T) {
	epoch := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := epoch
	c := &FakeClient{epoch: epoch, step: time.Hour, now: func() time.Time { return now }}

	res, err := c.GetTracking(context.Background(), "KERRY", "A1")
	require.NoError(t, err)
	require.NotEmpty(t, res.Events)
	require.Equal(t, models.EventCodeCreated, res.Events[0].Code)

	// детерминированно: тот же ответ при повторе
	again, err := c.GetTracking(context.Background(), "KERRY", "A1")
	require.NoError(t, err)
	require.Equal(t, res, again)

	now = epoch.Add(24 * time.Hour)
	res, err = c.GetTracking(context.Background(), "KERRY", "A1")
	require.NoError(t, err)
	require.Len(t, res.Events, len(route))
	require.Equal(t, models.EventCodeDelivered, res.Events[len(res.Events)-1].Code)
	for i := 1; i < len(res.Events); i++ {
		require.True(t, res.Events[i-1].Time.Before(res.Events[i].Time))
	}
}

func TestNew(t *testing.T) {
	res, err := New().GetTracking(context.Background(), "KERRY", "B2")
	require.NoError(t, err)
	require.NotEmpty(t, res.Events)
}
