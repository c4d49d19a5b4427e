package models

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Rule types.
const (
	RuleTypeServiceModifier   = "service_modifier"
	RuleTypeHolidayAdjustment = "holiday_adjustment"
	RuleTypeCutoffTime        = "cutoff_time"
	RuleTypeOther             = "other"
)

type EtaLane struct {
	ID                    uint64             `json:"id"`
	OriginFacilityID      uint64             `json:"origin_facility_id"`
	DestinationFacilityID uint64             `json:"destination_facility_id"`
	ServiceType           string             `json:"service_type"`
	BaseHours             float64            `json:"base_hours"`
	DayAdjustments        map[string]float64 `json:"day_adjustments,omitempty"`
	MinHours              *float64           `json:"min_hours,omitempty"`
	MaxHours              *float64           `json:"max_hours,omitempty"`
	Active                bool               `json:"active"`
}

// DayAdjustment looks up extra hours for a weekday name, case-insensitively.
func (l *EtaLane) DayAdjustment(weekday string) (float64, bool) {
	if len(l.DayAdjustments) == 0 {
		return 0, false
	}
	if h, ok := l.DayAdjustments[weekday]; ok {
		return h, true
	}
	for k, h := range l.DayAdjustments {
		if strings.EqualFold(k, weekday) {
			return h, true
		}
	}
	return 0, false
}

type EtaRule struct {
	ID          uint64       `json:"id"`
	Name        string       `json:"name"`
	RuleType    string       `json:"rule_type"`
	Conditions  []Condition  `json:"-"`
	Adjustments []Adjustment `json:"-"`
	Priority    int          `json:"priority"`
	Active      bool         `json:"active"`
}

func (r *EtaRule) MarshalJSON() ([]byte, error) {
	type plain EtaRule
	return json.Marshal(struct {
		*plain
		Conditions  map[string]any `json:"conditions"`
		Adjustments any            `json:"adjustments"`
	}{
		plain:       (*plain)(r),
		Conditions:  ConditionsToMap(r.Conditions),
		Adjustments: EncodeAdjustments(r.Adjustments),
	})
}

// Condition is a predicate over one key of the rule evaluation context.
// Implementations: Equals, In, NotIn, Range.
type Condition interface {
	Key() string
	isCondition()
}

type Equals struct {
	Field string
	Value any
}

type In struct {
	Field  string
	Values []any
}

type NotIn struct {
	Field  string
	Values []any
}

// Range holds numeric bounds; nil bounds are not checked.
type Range struct {
	Field string
	Gte   *float64
	Gt    *float64
	Lte   *float64
	Lt    *float64
}

func (c Equals) Key() string { return c.Field }
func (c In) Key() string     { return c.Field }
func (c NotIn) Key() string  { return c.Field }
func (c Range) Key() string  { return c.Field }

func (Equals) isCondition() {}
func (In) isCondition()     {}
func (NotIn) isCondition()  {}
func (Range) isCondition()  {}

// Adjustment changes the running ETA. Implementations: AddHours, AddDays, Multiplier.
type Adjustment interface {
	isAdjustment()
}

type AddHours struct{ Hours float64 }

type AddDays struct{ Days float64 }

// Multiplier rescales hours elapsed from pickup to the running ETA.
type Multiplier struct{ Factor float64 }

func (AddHours) isAdjustment()   {}
func (AddDays) isAdjustment()    {}
func (Multiplier) isAdjustment() {}

// ParseConditions converts the stored condition map into typed predicates.
// {"service_type": "express"}            -> Equals
// {"service_type": ["a", "b"]}           -> In
// {"x": {"in": [..]}} / {"not_in": [..]} -> In / NotIn
// {"pickup_hour": {"gte": 18, "lt": 22}} -> Range
func ParseConditions(m map[string]any) ([]Condition, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Condition
	for _, field := range keys {
		switch v := m[field].(type) {
		case map[string]any:
			cs, err := parseOperators(field, v)
			if err != nil {
				return nil, err
			}
			out = append(out, cs...)
		case []any:
			out = append(out, In{Field: field, Values: v})
		default:
			out = append(out, Equals{Field: field, Value: v})
		}
	}
	return out, nil
}

func parseOperators(field string, ops map[string]any) ([]Condition, error) {
	var out []Condition
	var rng *Range
	bound := func(op string, v any) (*float64, error) {
		f, ok := NumberValue(v)
		if !ok {
			return nil, errors.Errorf("condition %s.%s: numeric value expected, got %T", field, op, v)
		}
		if rng == nil {
			rng = &Range{Field: field}
		}
		return &f, nil
	}

	ops2 := make([]string, 0, len(ops))
	for op := range ops {
		ops2 = append(ops2, op)
	}
	sort.Strings(ops2)

	for _, op := range ops2 {
		v := ops[op]
		var err error
		switch op {
		case "eq":
			out = append(out, Equals{Field: field, Value: v})
		case "in", "not_in":
			list, ok := v.([]any)
			if !ok {
				return nil, errors.Errorf("condition %s.%s: list expected, got %T", field, op, v)
			}
			if op == "in" {
				out = append(out, In{Field: field, Values: list})
			} else {
				out = append(out, NotIn{Field: field, Values: list})
			}
		case "gte":
			var b *float64
			if b, err = bound(op, v); err == nil {
				rng.Gte = b
			}
		case "gt":
			var b *float64
			if b, err = bound(op, v); err == nil {
				rng.Gt = b
			}
		case "lte":
			var b *float64
			if b, err = bound(op, v); err == nil {
				rng.Lte = b
			}
		case "lt":
			var b *float64
			if b, err = bound(op, v); err == nil {
				rng.Lt = b
			}
		default:
			return nil, errors.Errorf("condition %s: unknown operator %q", field, op)
		}
		if err != nil {
			return nil, err
		}
	}
	if rng != nil {
		out = append(out, *rng)
	}
	return out, nil
}

var adjustmentKinds = []string{"hours", "days", "multiplier"}

// ParseAdjustments converts stored adjustments. A map is applied in the fixed
// order hours, days, multiplier; a list of single-key maps keeps its own order.
func ParseAdjustments(v any) ([]Adjustment, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		for k := range v {
			if adjustmentRank(k) < 0 {
				return nil, errors.Errorf("adjustment: unknown kind %q", k)
			}
		}
		var out []Adjustment
		for _, k := range adjustmentKinds {
			raw, ok := v[k]
			if !ok {
				continue
			}
			a, err := parseAdjustment(k, raw)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	case []any:
		out := make([]Adjustment, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok || len(m) != 1 {
				return nil, errors.Errorf("adjustment #%d: single-key object expected", i)
			}
			for k, raw := range m {
				if adjustmentRank(k) < 0 {
					return nil, errors.Errorf("adjustment #%d: unknown kind %q", i, k)
				}
				a, err := parseAdjustment(k, raw)
				if err != nil {
					return nil, err
				}
				out = append(out, a)
			}
		}
		return out, nil
	default:
		return nil, errors.Errorf("adjustments: object or list expected, got %T", v)
	}
}

func parseAdjustment(kind string, v any) (Adjustment, error) {
	f, ok := NumberValue(v)
	if !ok {
		return nil, errors.Errorf("adjustment %s: numeric value expected, got %T", kind, v)
	}
	switch kind {
	case "hours":
		return AddHours{Hours: f}, nil
	case "days":
		return AddDays{Days: f}, nil
	default:
		return Multiplier{Factor: f}, nil
	}
}

func adjustmentRank(kind string) int {
	for i, k := range adjustmentKinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func adjustmentEntry(a Adjustment) (string, float64) {
	switch a := a.(type) {
	case AddHours:
		return "hours", a.Hours
	case AddDays:
		return "days", a.Days
	case Multiplier:
		return "multiplier", a.Factor
	}
	return "", 0
}

// ConditionsToMap is the inverse of ParseConditions (used for storage and diagnostics).
// A field with several predicates is always written in operator form.
func ConditionsToMap(cs []Condition) map[string]any {
	perField := make(map[string]int, len(cs))
	for _, c := range cs {
		perField[c.Key()]++
	}

	out := make(map[string]any, len(cs))
	put := func(field, op string, v any) {
		ops, _ := out[field].(map[string]any)
		if ops == nil {
			ops = map[string]any{}
			out[field] = ops
		}
		ops[op] = v
	}
	for _, c := range cs {
		switch c := c.(type) {
		case Equals:
			if perField[c.Field] == 1 && isScalar(c.Value) {
				out[c.Field] = c.Value
			} else {
				put(c.Field, "eq", c.Value)
			}
		case In:
			put(c.Field, "in", c.Values)
		case NotIn:
			put(c.Field, "not_in", c.Values)
		case Range:
			if c.Gte != nil {
				put(c.Field, "gte", *c.Gte)
			}
			if c.Gt != nil {
				put(c.Field, "gt", *c.Gt)
			}
			if c.Lte != nil {
				put(c.Field, "lte", *c.Lte)
			}
			if c.Lt != nil {
				put(c.Field, "lt", *c.Lt)
			}
		}
	}
	return out
}

// isScalar: bare lists and objects would parse back as In / operator maps.
func isScalar(v any) bool {
	switch v.(type) {
	case []any, []string, map[string]any:
		return false
	}
	return true
}

// EncodeAdjustments is the inverse of ParseAdjustments. It writes the map form
// when that preserves order and multiplicity, the list form otherwise.
func EncodeAdjustments(as []Adjustment) any {
	canonical := true
	last := -1
	for _, a := range as {
		k, _ := adjustmentEntry(a)
		r := adjustmentRank(k)
		if r <= last {
			canonical = false
			break
		}
		last = r
	}

	if canonical {
		out := make(map[string]any, len(as))
		for _, a := range as {
			k, v := adjustmentEntry(a)
			out[k] = v
		}
		return out
	}
	out := make([]any, 0, len(as))
	for _, a := range as {
		k, v := adjustmentEntry(a)
		out = append(out, map[string]any{k: v})
	}
	return out
}

// NumberValue converts JSON/YAML/Go numerics to float64.
func NumberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
