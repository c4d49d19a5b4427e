package normalizer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/metrics"
	"github.com/BearBump/ShipTrack/internal/models"
)

type MappingRepository interface {
	ListCodeMappings(ctx context.Context, source string) (map[string]string, error)
}

type FacilityRepository interface {
	GetFacilityByCode(ctx context.Context, code string) (*models.Facility, error)
}

type Config struct {
	MappingTTL    time.Duration
	FacilityTTL   time.Duration
	Abbreviations map[string]string
}

// DefaultAbbreviations are the city and hub codes expanded in free-text locations.
var DefaultAbbreviations = map[string]string{
	"BKK": "Bangkok",
	"DMK": "Don Mueang",
	"CNX": "Chiang Mai",
	"HKT": "Phuket",
	"KKC": "Khon Kaen",
	"HDY": "Hat Yai",
	"UTH": "Udon Thani",
}

type Normalizer struct {
	mappings   MappingRepository
	facilities FacilityRepository
	cache      cache.BytesCache
	cfg        Config
	abbrev     map[string]string
}

// New: cache может быть nil, тогда справочники читаются из репозитория каждый раз.
func New(mappings MappingRepository, facilities FacilityRepository, c cache.BytesCache, cfg Config) *Normalizer {
	abbrev := make(map[string]string, len(DefaultAbbreviations)+len(cfg.Abbreviations))
	for k, v := range DefaultAbbreviations {
		abbrev[k] = v
	}
	for k, v := range cfg.Abbreviations {
		abbrev[strings.ToUpper(k)] = v
	}
	return &Normalizer{mappings: mappings, facilities: facilities, cache: c, cfg: cfg, abbrev: abbrev}
}

// Normalize turns a raw record into a normalized event. Errors are infrastructure
// failures only; bad input is reported by Validate.
func (n *Normalizer) Normalize(ctx context.Context, raw models.RawEvent) (*models.NormalizedEvent, error) {
	source := strings.ToLower(strings.TrimSpace(raw.Source))
	if source == "" {
		source = models.SourceWebhook
	}

	srcCode := strings.ToUpper(strings.TrimSpace(raw.EventCode))
	code, err := n.canonicalCode(ctx, source, srcCode)
	if err != nil {
		return nil, err
	}

	ev := &models.NormalizedEvent{
		SourceEventID:  strings.TrimSpace(raw.EventID),
		TrackingNumber: NormalizeCode(raw.TrackingNumber),
		Code:           code,
		SourceCode:     srcCode,
		EventTime:      raw.EventTime.UTC(),
		FacilityCode:   NormalizeCode(raw.FacilityCode),
		Source:         source,
		RawPayload:     raw.Payload(),
	}

	if loc := n.CleanLocation(raw.Location); loc != "" {
		ev.Location = &loc
	}
	if ev.FacilityCode != "" {
		f, err := n.facility(ctx, ev.FacilityCode)
		if err != nil {
			return nil, err
		}
		if f != nil {
			id := f.ID
			name := f.DisplayName()
			ev.FacilityID = &id
			ev.Location = &name
		}
	}

	if strings.TrimSpace(raw.Description) == "" {
		ev.Description = models.DefaultDescription(code)
	} else {
		ev.Description = raw.Description
	}
	if r := strings.TrimSpace(raw.Remarks); r != "" {
		ev.Remarks = &r
	}
	return ev, nil
}

// Validate never fails hard: problems are returned as a list.
func (n *Normalizer) Validate(ev *models.NormalizedEvent) models.ValidationResult {
	var errs []string
	if ev == nil {
		return models.ValidationResult{Valid: false, Errors: []string{"event is empty"}}
	}
	if ev.SourceEventID == "" {
		errs = append(errs, "event_id is required")
	}
	if ev.TrackingNumber == "" {
		errs = append(errs, "tracking_number is required")
	}
	if ev.Code == "" {
		errs = append(errs, "event_code is required")
	} else if !models.IsKnownCode(ev.Code) {
		errs = append(errs, "unknown event code: "+ev.SourceCode)
	}
	if ev.EventTime.IsZero() {
		errs = append(errs, "event_time is required")
	}
	switch ev.Source {
	case models.SourceWebhook, models.SourceBatch, models.SourceHandheld, models.SourcePartnerAPI:
	default:
		errs = append(errs, "unknown source channel: "+ev.Source)
	}
	return models.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// NormalizeCode: trim, без внутренних пробелов, upper-case.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// CleanLocation collapses whitespace, expands known abbreviations and title-cases the result.
func (n *Normalizer) CleanLocation(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}
	for i, w := range words {
		core := strings.TrimRight(w, ",.;:")
		if full, ok := n.abbrev[strings.ToUpper(core)]; ok {
			words[i] = full + w[len(core):]
		}
	}
	return cases.Title(language.Und).String(strings.Join(words, " "))
}

func (n *Normalizer) canonicalCode(ctx context.Context, source, code string) (string, error) {
	if code == "" {
		return "", nil
	}
	mapping, err := n.codeMapping(ctx, source)
	if err != nil {
		return "", err
	}
	if c, ok := mapping[code]; ok {
		return c, nil
	}
	candidate := strings.NewReplacer(" ", "_", "-", "_").Replace(code)
	if models.IsKnownCode(candidate) {
		return candidate, nil
	}
	return code, nil
}

func (n *Normalizer) codeMapping(ctx context.Context, source string) (map[string]string, error) {
	key := cache.KeyPrefixCodeMapping + source
	if n.cache != nil && n.cfg.MappingTTL > 0 {
		m, ok, err := cache.GetJSON[map[string]string](ctx, n.cache, key)
		metrics.CacheResult("code_mapping", ok, err)
		if err == nil && ok {
			return m, nil
		}
	}

	rows, err := n.mappings.ListCodeMappings(ctx, source)
	if err != nil {
		return nil, errors.Wrapf(err, "load code mappings for %s", source)
	}
	m := make(map[string]string, len(rows))
	for k, v := range rows {
		m[strings.ToUpper(strings.TrimSpace(k))] = v
	}

	if n.cache != nil && n.cfg.MappingTTL > 0 {
		_ = cache.SetJSON(ctx, n.cache, key, m, n.cfg.MappingTTL)
	}
	return m, nil
}

// facility returns nil for unknown or inactive facilities.
func (n *Normalizer) facility(ctx context.Context, code string) (*models.Facility, error) {
	key := cache.KeyPrefixFacility + code
	if n.cache != nil && n.cfg.FacilityTTL > 0 {
		f, ok, err := cache.GetJSON[models.Facility](ctx, n.cache, key)
		metrics.CacheResult("facility", ok, err)
		if err == nil && ok {
			return activeOnly(&f), nil
		}
	}

	f, err := n.facilities.GetFacilityByCode(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup facility %s", code)
	}

	if n.cache != nil && n.cfg.FacilityTTL > 0 {
		_ = cache.SetJSON(ctx, n.cache, key, f, n.cfg.FacilityTTL)
	}
	return activeOnly(f), nil
}

func activeOnly(f *models.Facility) *models.Facility {
	if f == nil || !f.Active {
		return nil
	}
	return f
}
