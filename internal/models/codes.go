package models

// Канонические коды событий (не зависят от источника).
const (
	EventCodeCreated           = "CREATED"
	EventCodePickedUp          = "PICKED_UP"
	EventCodeInTransit         = "IN_TRANSIT"
	EventCodeArrivedAtHub      = "ARRIVED_AT_HUB"
	EventCodeDepartedHub       = "DEPARTED_HUB"
	EventCodeCustomsClearance  = "CUSTOMS_CLEARANCE"
	EventCodeException         = "EXCEPTION"
	EventCodeOutForDelivery    = "OUT_FOR_DELIVERY"
	EventCodeDelivered         = "DELIVERED"
	EventCodeDeliveryAttempted = "DELIVERY_ATTEMPTED"
	EventCodeReturned          = "RETURNED"
)

// Статусы отправления.
const (
	ShipmentStatusCreated           = "CREATED"
	ShipmentStatusPickedUp          = "PICKED_UP"
	ShipmentStatusInTransit         = "IN_TRANSIT"
	ShipmentStatusAtHub             = "AT_HUB"
	ShipmentStatusCustoms           = "CUSTOMS"
	ShipmentStatusException         = "EXCEPTION"
	ShipmentStatusOutForDelivery    = "OUT_FOR_DELIVERY"
	ShipmentStatusDelivered         = "DELIVERED"
	ShipmentStatusDeliveryAttempted = "DELIVERY_ATTEMPTED"
	ShipmentStatusReturned          = "RETURNED"
)

// Source channels an event can arrive through.
const (
	SourceWebhook    = "webhook"
	SourceBatch      = "batch"
	SourceHandheld   = "handheld"
	SourcePartnerAPI = "partner_api"
)

var statusByCode = map[string]string{
	EventCodeCreated:           ShipmentStatusCreated,
	EventCodePickedUp:          ShipmentStatusPickedUp,
	EventCodeInTransit:         ShipmentStatusInTransit,
	EventCodeArrivedAtHub:      ShipmentStatusAtHub,
	EventCodeDepartedHub:       ShipmentStatusInTransit,
	EventCodeCustomsClearance:  ShipmentStatusCustoms,
	EventCodeException:         ShipmentStatusException,
	EventCodeOutForDelivery:    ShipmentStatusOutForDelivery,
	EventCodeDelivered:         ShipmentStatusDelivered,
	EventCodeDeliveryAttempted: ShipmentStatusDeliveryAttempted,
	EventCodeReturned:          ShipmentStatusReturned,
}

var defaultDescriptions = map[string]string{
	EventCodeCreated:           "Shipment information received",
	EventCodePickedUp:          "Package picked up from sender",
	EventCodeInTransit:         "Package in transit",
	EventCodeArrivedAtHub:      "Package arrived at hub",
	EventCodeDepartedHub:       "Package departed hub",
	EventCodeCustomsClearance:  "Package in customs clearance",
	EventCodeException:         "Delivery exception",
	EventCodeOutForDelivery:    "Package out for delivery",
	EventCodeDelivered:         "Package delivered",
	EventCodeDeliveryAttempted: "Delivery attempted, recipient not available",
	EventCodeReturned:          "Package returned to sender",
}

// StatusForCode maps a canonical event code to the shipment status it implies.
func StatusForCode(code string) (string, bool) {
	s, ok := statusByCode[code]
	return s, ok
}

// IsKnownCode reports whether code is a canonical event code.
func IsKnownCode(code string) bool {
	_, ok := statusByCode[code]
	return ok
}

// KnownCodes returns the canonical code set (unordered).
func KnownCodes() []string {
	out := make([]string, 0, len(statusByCode))
	for c := range statusByCode {
		out = append(out, c)
	}
	return out
}

// DefaultDescription returns the canonical phrase used when a source sends no description.
func DefaultDescription(code string) string {
	if d, ok := defaultDescriptions[code]; ok {
		return d
	}
	return "Tracking update"
}

// IsTerminalCode: после такого события посылка "закрыта".
func IsTerminalCode(code string) bool {
	return code == EventCodeDelivered || code == EventCodeReturned
}

// OverridesTerminal reports whether the code sets status even after a terminal event.
func OverridesTerminal(code string) bool {
	return IsTerminalCode(code) || code == EventCodeException
}

func IsTerminalStatus(status string) bool {
	return status == ShipmentStatusDelivered || status == ShipmentStatusReturned
}
