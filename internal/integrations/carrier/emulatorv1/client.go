package emulatorv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/integrations/carrier"
)

// Client talks to the partner tracking API v1:
// GET {base}/v1/tracking/{carrier}/{tracking_number}?apiKey=...
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type respEvent struct {
	EventID      string         `json:"event_id"`
	Code         string         `json:"code"`
	EventTime    time.Time      `json:"event_time"`
	FacilityCode string         `json:"facility_code,omitempty"`
	Location     string         `json:"location,omitempty"`
	Description  string         `json:"description,omitempty"`
	Remarks      string         `json:"remarks,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type respBody struct {
	Carrier        string      `json:"carrier"`
	TrackingNumber string      `json:"tracking_number"`
	Events         []respEvent `json:"events"`
}

func (c *Client) GetTracking(ctx context.Context, carrierCode, trackingNumber string) (carrier.TrackingResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = fmt.Sprintf("/v1/tracking/%s/%s", url.PathEscape(carrierCode), url.PathEscape(trackingNumber))
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return carrier.TrackingResult{}, carrier.ErrRateLimited
	}
	if resp.StatusCode == http.StatusNotFound {
		// партнёр ещё не знает отправление
		return carrier.TrackingResult{}, nil
	}
	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, errors.Errorf("partner api http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "decode")
	}

	res := carrier.TrackingResult{Events: make([]carrier.Event, 0, len(rb.Events))}
	for _, e := range rb.Events {
		res.Events = append(res.Events, carrier.Event{
			ID:           e.EventID,
			Code:         e.Code,
			Time:         e.EventTime,
			FacilityCode: e.FacilityCode,
			Location:     e.Location,
			Description:  e.Description,
			Remarks:      e.Remarks,
			Payload:      e.Payload,
		})
	}
	return res, nil
}
