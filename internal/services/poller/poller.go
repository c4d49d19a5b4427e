package poller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/broker/messages"
	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/integrations/carrier"
	"github.com/BearBump/ShipTrack/internal/metrics"
	"github.com/BearBump/ShipTrack/internal/models"
)

type Repository interface {
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	ApplySyncUpdate(ctx context.Context, upd models.ShipmentSyncUpdate) error
}

type Producer interface {
	PublishJSONBatch(ctx context.Context, topic string, msgs []kafka.Message) error
}

// Poller pulls partner tracking APIs for open shipments and feeds the events
// into the raw-event topic as the partner_api channel.
type Poller struct {
	repo     Repository
	carrier  carrier.Client
	producer Producer
	rl       cache.RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierLimits      map[string]int64
	publishTimeout     time.Duration

	triggerCh chan struct{}
	now       func() time.Time

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalPublished      atomic.Int64
	totalErrors         atomic.Int64
	totalRateLimited    atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, client carrier.Client, producer Producer, rl cache.RateLimiter, topic string) *Poller {
	if topic == "" {
		topic = "events.raw"
	}
	return &Poller{
		repo: repo, carrier: client, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		publishTimeout:     5 * time.Second,
		triggerCh:          make(chan struct{}, 1),
		now:                time.Now,
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

// WithCarrierRateLimits overrides the per-minute limit for individual carrier codes.
func (p *Poller) WithCarrierRateLimits(limits map[string]int) *Poller {
	p.carrierLimits = make(map[string]int64, len(limits))
	for code, n := range limits {
		if n > 0 {
			p.carrierLimits[strings.ToUpper(code)] = int64(n)
		}
	}
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalPublished int64      `json:"totalPublished"`
	TotalErrors    int64      `json:"totalErrors"`
	RateLimited    int64      `json:"rateLimited"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalPublished: p.totalPublished.Load(),
		TotalErrors:    p.totalErrors.Load(),
		RateLimited:    p.totalRateLimited.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	now := p.now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.repo.ClaimDueShipments(ctx, now, p.batchSize, p.lease)
	if err != nil {
		slog.Error("claim due shipments", "error", err.Error())
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := p.processOne(ctx, sh); err != nil {
				p.totalErrors.Add(1)
				p.setLastError(err)
				slog.Error("partner sync", "shipment_id", sh.ID, "carrier", sh.CarrierCode, "error", err.Error())
			}
			p.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (p *Poller) processOne(ctx context.Context, sh *models.Shipment) error {
	now := p.now().UTC()

	allowed, err := p.allow(ctx, sh.CarrierCode, now)
	if err != nil {
		return err
	}
	if !allowed {
		// lease уже сдвинул next_sync_at, отправление вернётся само
		p.totalRateLimited.Add(1)
		metrics.PartnerSyncs.WithLabelValues(sh.CarrierCode, "rate_limited").Inc()
		return nil
	}

	res, err := p.carrier.GetTracking(ctx, sh.CarrierCode, sh.TrackingNumber)
	if err != nil {
		metrics.PartnerSyncs.WithLabelValues(sh.CarrierCode, "error").Inc()
		e := err.Error()
		return p.repo.ApplySyncUpdate(ctx, models.ShipmentSyncUpdate{
			ShipmentID: sh.ID,
			CheckedAt:  now,
			NextSyncAt: now.Add(p.planner.BackoffDelay(sh.SyncFailCount + 1)),
			Error:      &e,
		})
	}

	msgs := make([]kafka.Message, 0, len(res.Events))
	for _, ev := range res.Events {
		msgs = append(msgs, kafka.Message{
			Key:   sh.TrackingNumber,
			Value: messages.NewRawEventReceived(ev.RawEvent(sh.CarrierCode, sh.TrackingNumber), now),
		})
	}
	if err := p.publish(ctx, msgs); err != nil {
		metrics.PartnerSyncs.WithLabelValues(sh.CarrierCode, "error").Inc()
		return err
	}
	p.totalPublished.Add(int64(len(msgs)))
	metrics.PartnerSyncs.WithLabelValues(sh.CarrierCode, "ok").Inc()

	return p.repo.ApplySyncUpdate(ctx, models.ShipmentSyncUpdate{
		ShipmentID: sh.ID,
		CheckedAt:  now,
		NextSyncAt: now.Add(p.planner.NextSyncDelay(partnerStatus(sh, res))),
	})
}

// Kafka может быть не готова сразу после старта docker compose: короткий retry.
func (p *Poller) publish(ctx context.Context, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 150 * time.Millisecond
	b.MaxElapsedTime = p.publishTimeout

	err := backoff.Retry(func() error {
		return p.producer.PublishJSONBatch(ctx, p.topic, msgs)
	}, backoff.WithContext(b, ctx))
	return errors.Wrap(err, "publish partner events")
}

func (p *Poller) allow(ctx context.Context, carrierCode string, now time.Time) (bool, error) {
	if p.rl == nil || p.rateLimitPerMinute <= 0 {
		return true, nil
	}
	limit := p.rateLimitPerMinute
	if n, ok := p.carrierLimits[carrierCode]; ok {
		limit = n
	}
	minuteKey := "carrier:" + carrierCode + ":" + now.Format("200601021504")
	allowed, n, err := p.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
	if err != nil {
		return false, errors.Wrap(err, "rate limit")
	}
	if !allowed {
		slog.Warn("rate limit exceeded", "carrier", carrierCode, "count", n)
	}
	return allowed, nil
}

// partnerStatus: статус по последнему событию партнёра, если код канонический.
func partnerStatus(sh *models.Shipment, res carrier.TrackingResult) string {
	var last *carrier.Event
	for i := range res.Events {
		if last == nil || res.Events[i].Time.After(last.Time) {
			last = &res.Events[i]
		}
	}
	if last != nil {
		if st, ok := models.StatusForCode(strings.ToUpper(last.Code)); ok {
			return st
		}
	}
	return sh.CurrentStatus
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}
