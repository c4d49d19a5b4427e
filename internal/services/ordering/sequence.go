package ordering

import (
	"fmt"
	"time"

	"github.com/BearBump/ShipTrack/internal/models"
)

// Штрафы sequence score.
const (
	penaltyRegression     = 15
	penaltyMissingPickup  = 10
	penaltyAfterTerminal  = 25
	maxSequenceScore      = 100
	stageUnranked         = -1
	stageTransit          = 2
	stageTerminalDelivery = 4
)

// stage ranks the expected lifecycle; hub arrivals and departures share one
// stage so that hub hopping is not a regression. Exceptions are unranked.
func stage(code string) int {
	switch code {
	case models.EventCodeCreated:
		return 0
	case models.EventCodePickedUp:
		return 1
	case models.EventCodeInTransit, models.EventCodeArrivedAtHub, models.EventCodeDepartedHub, models.EventCodeCustomsClearance:
		return stageTransit
	case models.EventCodeOutForDelivery, models.EventCodeDeliveryAttempted:
		return 3
	case models.EventCodeDelivered, models.EventCodeReturned:
		return stageTerminalDelivery
	}
	return stageUnranked
}

// FoldState computes the effective status and location over a chronologically
// sorted history. After a terminal event only terminal codes and EXCEPTION
// change the status. Returns empty status for an empty history.
func FoldState(history []*models.TrackingEvent) (status string, location *string) {
	terminal := false
	for _, e := range history {
		st, ok := models.StatusForCode(e.Code)
		if !ok {
			continue
		}
		if terminal && !models.OverridesTerminal(e.Code) {
			continue
		}
		status = st
		if e.Location != nil {
			location = e.Location
		}
		if models.IsTerminalCode(e.Code) {
			terminal = true
		}
	}
	return status, location
}

// SequenceScore rates how well the sorted history follows
// created -> picked up -> transit -> out for delivery -> delivered. 0..100.
func SequenceScore(history []*models.TrackingEvent) int {
	score := maxSequenceScore
	maxStage := stageUnranked
	pickedUp := false
	missingPickupCounted := false
	terminal := false

	for _, e := range history {
		s := stage(e.Code)
		if s == stageUnranked {
			continue
		}
		if terminal && !models.IsTerminalCode(e.Code) {
			score -= penaltyAfterTerminal
			continue
		}
		if e.Code == models.EventCodePickedUp {
			pickedUp = true
		}
		if s >= stageTransit && !pickedUp && !missingPickupCounted {
			score -= penaltyMissingPickup
			missingPickupCounted = true
		}
		if s < maxStage {
			score -= penaltyRegression
		}
		if s > maxStage {
			maxStage = s
		}
		if models.IsTerminalCode(e.Code) {
			terminal = true
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

// DetectAnomalies evaluates every check independently for ev against the sorted history.
func DetectAnomalies(cfg Config, now time.Time, ev *models.TrackingEvent, history []*models.TrackingEvent) []models.Anomaly {
	out := []models.Anomaly{}
	add := func(typ, msg string, related *models.TrackingEvent) {
		a := models.Anomaly{Type: typ, Message: msg, EventID: ev.ID}
		if related != nil {
			id := related.ID
			a.RelatedEventID = &id
		}
		out = append(out, a)
	}

	if rel := impossibleSequence(ev, history); rel != nil {
		if models.IsTerminalCode(ev.Code) {
			add(models.AnomalyImpossibleSequence,
				fmt.Sprintf("%s recorded before later event %s", ev.Code, rel.Code), rel)
		} else {
			add(models.AnomalyImpossibleSequence,
				fmt.Sprintf("%s after terminal event %s", ev.Code, rel.Code), rel)
		}
	}

	if ev.EventTime.After(now.Add(cfg.FutureThreshold)) {
		add(models.AnomalyFutureEvent,
			fmt.Sprintf("event time is %s ahead of ingestion time", ev.EventTime.Sub(now).Round(time.Minute)), nil)
	}
	if ev.EventTime.Before(now.Add(-cfg.VeryOldThreshold)) {
		add(models.AnomalyVeryOldEvent,
			fmt.Sprintf("event time is %s in the past", now.Sub(ev.EventTime).Round(time.Hour)), nil)
	}

	for _, o := range history {
		if o.ID == ev.ID || o.Code != ev.Code {
			continue
		}
		// повторные ARRIVED/DEPARTED на разных хабах - нормальный маршрут
		if isHubCode(ev.Code) && !sameFacility(o.FacilityID, ev.FacilityID) {
			continue
		}
		d := o.EventTime.Sub(ev.EventTime)
		if d < 0 {
			d = -d
		}
		if d <= cfg.DuplicateWindow {
			add(models.AnomalyPotentialDuplicate,
				fmt.Sprintf("another %s event %s apart", ev.Code, d.Round(time.Second)), o)
			break
		}
	}
	return out
}

// impossibleSequence returns the event that makes ev's position impossible:
// a terminal event before a non-terminal ev, or a non-terminal event after a terminal ev.
func impossibleSequence(ev *models.TrackingEvent, history []*models.TrackingEvent) *models.TrackingEvent {
	evTerminal := models.IsTerminalCode(ev.Code)
	for _, o := range history {
		if o.ID == ev.ID {
			continue
		}
		switch {
		case !evTerminal && models.IsTerminalCode(o.Code) && o.Before(ev):
			return o
		case evTerminal && !models.IsTerminalCode(o.Code) && ev.Before(o):
			return o
		}
	}
	return nil
}

func isHubCode(code string) bool {
	return code == models.EventCodeArrivedAtHub || code == models.EventCodeDepartedHub
}

func sameFacility(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
