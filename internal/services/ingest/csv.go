package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/models"
)

var csvRequired = []string{"event_id", "tracking_number", "event_code", "event_time"}

// Accepted event_time layouts; values without a zone are UTC.
var csvTimeLayouts = []string{time.RFC3339Nano, time.DateTime, "2006-01-02T15:04:05"}

type CSVRow struct {
	Line  int
	Event models.RawEvent
}

// ParseCSV reads a header row followed by events. Malformed rows are
// collected and do not stop parsing; only an unusable header is fatal.
func ParseCSV(r io.Reader, source string) ([]CSVRow, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, errors.Wrap(models.ErrInvalidInput, "csv: header row is required")
	}
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return nil, nil, errors.Wrapf(models.ErrInvalidInput, "csv: header: %v", pe)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "csv: read header")
	}

	names := make([]string, len(header))
	idx := make(map[string]int, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		idx[strings.ToLower(names[i])] = i
	}
	for _, c := range csvRequired {
		if _, ok := idx[c]; !ok {
			return nil, nil, errors.Wrapf(models.ErrInvalidInput, "csv: missing column %q", c)
		}
	}

	var rows []CSVRow
	var bad []RowError
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.As(err, &pe) {
				bad = append(bad, RowError{Line: pe.StartLine, Error: pe.Err.Error()})
				continue
			}
			return nil, nil, errors.Wrap(err, "csv: read row")
		}
		line, _ := cr.FieldPos(0)

		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if isBlank(rec) {
			continue
		}

		ev := models.RawEvent{
			EventID:        get("event_id"),
			TrackingNumber: get("tracking_number"),
			EventCode:      get("event_code"),
			FacilityCode:   get("facility_code"),
			Location:       get("location"),
			Description:    get("description"),
			Remarks:        get("remarks"),
			Source:         source,
			Original:       rowObject(names, rec),
		}
		if ts := get("event_time"); ts != "" {
			t, err := parseCSVTime(ts)
			if err != nil {
				bad = append(bad, RowError{Line: line, Error: err.Error()})
				continue
			}
			ev.EventTime = t
		}
		rows = append(rows, CSVRow{Line: line, Event: ev})
	}
	return rows, bad, nil
}

func parseCSVTime(s string) (time.Time, error) {
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("event_time %q: expected RFC3339", s)
}

// rowObject keeps every column of the row, unknown headers included.
func rowObject(names, rec []string) json.RawMessage {
	m := make(map[string]string, len(names))
	for i, name := range names {
		if i < len(rec) && name != "" {
			m[name] = rec[i]
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// AcceptCSV parses an upload and enqueues every well-formed row.
func (a *Acceptor) AcceptCSV(ctx context.Context, r io.Reader) (*AcceptResult, error) {
	rows, bad, err := ParseCSV(r, models.SourceBatch)
	if err != nil {
		return nil, err
	}
	raws := make([]models.RawEvent, len(rows))
	lines := make([]int, len(rows))
	for i, row := range rows {
		raws[i] = row.Event
		lines[i] = row.Line
	}
	return a.accept(ctx, raws, lines, bad)
}
