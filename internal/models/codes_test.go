package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusForCode(t *testing.T) {
	for code, want := range map[string]string{
		EventCodeArrivedAtHub:     ShipmentStatusAtHub,
		EventCodeDepartedHub:      ShipmentStatusInTransit,
		EventCodeCustomsClearance: ShipmentStatusCustoms,
		EventCodeDelivered:        ShipmentStatusDelivered,
	} {
		got, ok := StatusForCode(code)
		require.True(t, ok, code)
		require.Equal(t, want, got, code)
	}

	_, ok := StatusForCode("LOST_IN_SPACE")
	require.False(t, ok)
	require.Len(t, KnownCodes(), 11)
}

func TestTerminalHelpers(t *testing.T) {
	require.True(t, IsTerminalCode(EventCodeDelivered))
	require.True(t, IsTerminalCode(EventCodeReturned))
	require.False(t, IsTerminalCode(EventCodeException))
	require.True(t, OverridesTerminal(EventCodeException))
	require.False(t, OverridesTerminal(EventCodePickedUp))
	require.True(t, IsTerminalStatus(ShipmentStatusReturned))
}

func TestDefaultDescription(t *testing.T) {
	require.Equal(t, "Package picked up from sender", DefaultDescription(EventCodePickedUp))
	require.Equal(t, "Tracking update", DefaultDescription("WHATEVER"))
}

func TestTrackingEventBefore(t *testing.T) {
	a := &TrackingEvent{ID: 2, EventTime: mustTime("2026-03-01T10:00:00Z")}
	b := &TrackingEvent{ID: 1, EventTime: mustTime("2026-03-01T11:00:00Z")}
	c := &TrackingEvent{ID: 3, EventTime: mustTime("2026-03-01T10:00:00Z")}
	require.True(t, a.Before(b))
	require.True(t, a.Before(c))
	require.False(t, c.Before(a))
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
