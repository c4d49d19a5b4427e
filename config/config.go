package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	ShipTrack ShipTrackConfig `yaml:"shiptrack"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnString builds a pgx connection URL; ssl_mode defaults to "disable".
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	RawEventsTopicName     string `yaml:"raw_events_topic_name"`
	EtaRecalcTopicName     string `yaml:"eta_recalc_topic_name"`
	EtaDeadLetterTopicName string `yaml:"eta_dead_letter_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type ShipTrackConfig struct {
	LogLevel string `yaml:"log_level"`
	TimeZone string `yaml:"time_zone"`

	GRPCAddr                string `yaml:"grpc_addr"`
	HTTPAddr                string `yaml:"http_addr"`
	IngestConsumerGroup     string `yaml:"ingest_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	// Приём событий.
	MaxBatchSize            int               `yaml:"max_batch_size"`
	FutureToleranceSeconds  int               `yaml:"future_tolerance_seconds"`
	CodeMappingTTLSeconds   int               `yaml:"code_mapping_ttl_seconds"`
	FacilityCacheTTLSeconds int               `yaml:"facility_cache_ttl_seconds"`
	DedupMarkerTTLSeconds   int               `yaml:"dedup_marker_ttl_seconds"`
	LocationAbbreviations   map[string]string `yaml:"location_abbreviations"`

	// Anomaly thresholds.
	AnomalyFutureSeconds          int `yaml:"anomaly_future_seconds"`
	AnomalyVeryOldDays            int `yaml:"anomaly_very_old_days"`
	AnomalyDuplicateWindowSeconds int `yaml:"anomaly_duplicate_window_seconds"`

	// ETA.
	Holidays                []string `yaml:"holidays"`
	EtaConsumerGroup        string   `yaml:"eta_consumer_group"`
	EtaWorkerHTTPAddr       string   `yaml:"eta_worker_http_addr"`
	EtaMaxAttempts          int      `yaml:"eta_max_attempts"`
	EtaInitialBackoffMillis int      `yaml:"eta_initial_backoff_millis"`
	EtaMaxBackoffSeconds    int      `yaml:"eta_max_backoff_seconds"`

	// Partner poller (track-worker).
	WorkerPollIntervalSeconds int            `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int            `yaml:"worker_batch_size"`
	WorkerConcurrency         int            `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int            `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int            `yaml:"worker_rate_limit_per_minute"`
	WorkerCarrierRateLimits   map[string]int `yaml:"worker_carrier_rate_limits"`
	WorkerHTTPAddr            string         `yaml:"worker_http_addr"`

	// If not set, defaults are "prod-like": in transit 30..120 minutes, other 90 minutes,
	// backoff 5/15/30/60 minutes.
	WorkerNextSyncInTransitMinSeconds int `yaml:"worker_next_sync_in_transit_min_seconds"`
	WorkerNextSyncInTransitMaxSeconds int `yaml:"worker_next_sync_in_transit_max_seconds"`
	WorkerNextSyncDefaultSeconds      int `yaml:"worker_next_sync_default_seconds"`
	WorkerBackoff1Seconds             int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds             int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds             int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds             int `yaml:"worker_backoff_4_seconds"`

	PartnerAPIBaseURL string `yaml:"partner_api_base_url"`
	PartnerAPIKey     string `yaml:"partner_api_key"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
