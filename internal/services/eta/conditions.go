package eta

import (
	"fmt"
	"strings"

	"github.com/BearBump/ShipTrack/internal/models"
)

// Ключи контекста правил.
const (
	KeyServiceType         = "service_type"
	KeyOriginFacility      = "origin_facility"
	KeyDestinationFacility = "destination_facility"
	KeyCarrierCode         = "carrier_code"
	KeyPickupHour          = "pickup_hour"
	KeyPickupWeekday       = "pickup_weekday"
	KeyIsWeekendPickup     = "is_weekend_pickup"
	KeyIsHolidayDelivery   = "is_holiday_delivery"
	KeyBaseHours           = "base_hours"
)

// RuleContext is the flat attribute set rule conditions are evaluated against.
// A missing key never matches.
type RuleContext map[string]any

// Matches: правило активно и все условия выполнены (AND).
func Matches(r *models.EtaRule, rc RuleContext) bool {
	if r == nil || !r.Active {
		return false
	}
	for _, c := range r.Conditions {
		if !Evaluate(c, rc) {
			return false
		}
	}
	return true
}

func Evaluate(c models.Condition, rc RuleContext) bool {
	v, ok := rc[c.Key()]
	if !ok || v == nil {
		return false
	}
	switch c := c.(type) {
	case models.Equals:
		return equalValues(v, c.Value)
	case models.In:
		return containsValue(c.Values, v)
	case models.NotIn:
		return !containsValue(c.Values, v)
	case models.Range:
		f, ok := models.NumberValue(v)
		if !ok {
			return false
		}
		if c.Gte != nil && !(f >= *c.Gte) {
			return false
		}
		if c.Gt != nil && !(f > *c.Gt) {
			return false
		}
		if c.Lte != nil && !(f <= *c.Lte) {
			return false
		}
		if c.Lt != nil && !(f < *c.Lt) {
			return false
		}
		return true
	}
	return false
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if equalValues(v, x) {
			return true
		}
	}
	return false
}

// equalValues compares numbers numerically and strings case-insensitively.
func equalValues(a, b any) bool {
	if fa, ok := models.NumberValue(a); ok {
		fb, ok := models.NumberValue(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && strings.EqualFold(av, bv)
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Apply runs one rule's adjustments over the running elapsed hours.
func Apply(hours float64, adjustments []models.Adjustment) float64 {
	for _, a := range adjustments {
		switch a := a.(type) {
		case models.AddHours:
			hours += a.Hours
		case models.AddDays:
			hours += 24 * a.Days
		case models.Multiplier:
			hours *= a.Factor
		}
	}
	return hours
}
