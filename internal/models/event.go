package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// RawEvent is an event record as delivered by a transport (webhook, CSV row, partner API).
type RawEvent struct {
	EventID        string         `json:"event_id"`
	TrackingNumber string         `json:"tracking_number"`
	EventCode      string         `json:"event_code"`
	EventTime      time.Time      `json:"event_time"`
	FacilityCode   string         `json:"facility_code,omitempty"`
	Location       string         `json:"location,omitempty"`
	Description    string         `json:"description,omitempty"`
	Remarks        string         `json:"remarks,omitempty"`
	Source         string         `json:"source,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
	// Original is the record exactly as the transport delivered it.
	Original json.RawMessage `json:"original,omitempty"`
}

// UnmarshalJSON keeps the decoded object verbatim in Original, unknown fields included.
func (r *RawEvent) UnmarshalJSON(b []byte) error {
	type plain RawEvent
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if len(p.Original) == 0 {
		p.Original = append(json.RawMessage(nil), b...)
	}
	*r = RawEvent(p)
	return nil
}

// Payload is the opaque copy stored with the event: the original object when
// there is one, otherwise the known fields plus Extra.
func (r RawEvent) Payload() map[string]any {
	if len(r.Original) > 0 {
		dec := json.NewDecoder(bytes.NewReader(r.Original))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err == nil && m != nil {
			return m
		}
	}
	m := map[string]any{
		"event_id":        r.EventID,
		"tracking_number": r.TrackingNumber,
		"event_code":      r.EventCode,
		"source":          r.Source,
	}
	if !r.EventTime.IsZero() {
		m["event_time"] = r.EventTime.UTC().Format(time.RFC3339Nano)
	}
	if r.FacilityCode != "" {
		m["facility_code"] = r.FacilityCode
	}
	if r.Location != "" {
		m["location"] = r.Location
	}
	if r.Description != "" {
		m["description"] = r.Description
	}
	if r.Remarks != "" {
		m["remarks"] = r.Remarks
	}
	for k, v := range r.Extra {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// NormalizedEvent is the output of the normalizer, ready for deduplication.
type NormalizedEvent struct {
	SourceEventID  string
	TrackingNumber string
	Code           string
	SourceCode     string
	EventTime      time.Time
	FacilityID     *uint64
	FacilityCode   string
	Location       *string
	Description    string
	Remarks        *string
	Source         string
	RawPayload     map[string]any
}

type TrackingEvent struct {
	ID             uint64         `json:"id"`
	ShipmentID     uint64         `json:"shipment_id"`
	SourceEventID  string         `json:"source_event_id"`
	Code           string         `json:"code"`
	EventTime      time.Time      `json:"event_time"`
	FacilityID     *uint64        `json:"facility_id,omitempty"`
	Location       *string        `json:"location,omitempty"`
	Description    string         `json:"description"`
	Remarks        *string        `json:"remarks,omitempty"`
	RawPayload     map[string]any `json:"raw_payload,omitempty"`
	Source         string         `json:"source"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Before orders events by (event_time, id); id stands in for insertion order.
func (e *TrackingEvent) Before(o *TrackingEvent) bool {
	if !e.EventTime.Equal(o.EventTime) {
		return e.EventTime.Before(o.EventTime)
	}
	return e.ID < o.ID
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Anomaly types reported by the ordering component.
const (
	AnomalyImpossibleSequence = "impossible_sequence"
	AnomalyFutureEvent        = "future_event"
	AnomalyVeryOldEvent       = "very_old_event"
	AnomalyPotentialDuplicate = "potential_duplicate"
)

type Anomaly struct {
	Type           string  `json:"type"`
	Message        string  `json:"message"`
	EventID        uint64  `json:"event_id"`
	RelatedEventID *uint64 `json:"related_event_id,omitempty"`
}

type SequenceAnalysis struct {
	Anomalies     []Anomaly `json:"anomalies"`
	SequenceScore int       `json:"sequence_score"`
}

type OrderingResult struct {
	StatusChanged    bool             `json:"status_changed"`
	OldStatus        string           `json:"old_status"`
	NewStatus        string           `json:"new_status"`
	IsLatestEvent    bool             `json:"is_latest_event"`
	SequenceAnalysis SequenceAnalysis `json:"sequence_analysis"`
}

// HasAnomaly reports whether an anomaly of the given type was detected.
func (r *OrderingResult) HasAnomaly(typ string) bool {
	for _, a := range r.SequenceAnalysis.Anomalies {
		if a.Type == typ {
			return true
		}
	}
	return false
}
