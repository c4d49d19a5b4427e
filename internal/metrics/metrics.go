package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shiptrack"

var (
	EventsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "ingest", Name: "events_accepted_total", Help: "Raw events accepted and enqueued."},
		[]string{"source"},
	)
	EventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "ingest", Name: "events_rejected_total", Help: "Raw events rejected at the edge or during processing."},
		[]string{"stage"},
	)
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "ingest", Name: "events_processed_total", Help: "Events by processing outcome."},
		[]string{"outcome"},
	)
	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: namespace, Subsystem: "ingest", Name: "processing_seconds", Help: "Time to normalize, store and order one event.", Buckets: prometheus.DefBuckets},
	)
	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "ordering", Name: "anomalies_total", Help: "Detected event sequence anomalies."},
		[]string{"type"},
	)
	StatusChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "ordering", Name: "status_changes_total", Help: "Shipment status transitions."},
		[]string{"status"},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "cache", Name: "lookups_total", Help: "Cache lookups by cache name and result."},
		[]string{"cache", "result"},
	)
	EtaRecalculations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "eta", Name: "recalculations_total", Help: "ETA recalculation runs by outcome."},
		[]string{"outcome"},
	)
	PartnerSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "partner", Name: "syncs_total", Help: "Partner API polls by carrier and outcome."},
		[]string{"carrier", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsAccepted,
		EventsRejected,
		EventsProcessed,
		ProcessingDuration,
		Anomalies,
		StatusChanges,
		CacheLookups,
		EtaRecalculations,
		PartnerSyncs,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CacheResult записывает hit/miss/error для кэша name.
func CacheResult(name string, hit bool, err error) {
	switch {
	case err != nil:
		CacheLookups.WithLabelValues(name, "error").Inc()
	case hit:
		CacheLookups.WithLabelValues(name, "hit").Inc()
	default:
		CacheLookups.WithLabelValues(name, "miss").Inc()
	}
}
