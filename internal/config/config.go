package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Anomaly     AnomalyConfig
	Consensus   ConsensusConfig
	Trust       TrustConfig
	Aggregate   AggregateConfig
	Webhook     WebhookConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	VoteQueue        string
	VoteRoutingKey   string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
}

// AnomalyConfig holds reading classification settings
type AnomalyConfig struct {
	SpikeMultiple        float64
	MedianWindowDays     int
	MinHistoryForSpike   int
	QueueConfidence      float64
	AutoVerifyConfidence float64
}

// ConsensusConfig holds vote aggregation settings
type ConsensusConfig struct {
	MinQuorum       int
	MaxVotes        int
	ScoreThreshold  float64
	FinalizeRetries int
}

// TrustConfig holds trust score adjustment settings.
// Mismatch penalties are asymmetric to penalize bad-faith voting
// more than honest uncertainty.
type TrustConfig struct {
	InitialScore           int
	VoterMatchDelta        int
	VoterMismatchDelta     int
	SubmitterVerifiedDelta int
	SubmitterRejectedDelta int
}

// AggregateConfig holds neighborhood aggregation settings
type AggregateConfig struct {
	WindowDays      int
	MinContributors int
	CronSpec        string
}

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	BackoffSchedule  []time.Duration
	FailureThreshold int
	DeliveryTimeout  time.Duration
	Workers          int
	PollInterval     time.Duration
	PollBatch        int
	ClaimLease       time.Duration
	MaxPerOwner      int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	backoff, err := parseSchedule(getEnv("WEBHOOK_BACKOFF_SCHEDULE", "1m,5m,30m,2h,12h"))
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_BACKOFF_SCHEDULE: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "meterscience-verify-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "meterscience.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "meterscience.verify.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "reading.ingested"),
			VoteQueue:        getEnv("RABBITMQ_VOTE_QUEUE", "meterscience.votes.queue"),
			VoteRoutingKey:   getEnv("RABBITMQ_VOTE_ROUTING_KEY", "vote.submitted"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "meterscience.verify.events.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "meterscience.verify.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Anomaly: AnomalyConfig{
			SpikeMultiple:        getEnvAsFloat("ANOMALY_SPIKE_MULTIPLE", 5.0),
			MedianWindowDays:     getEnvAsInt("ANOMALY_MEDIAN_WINDOW_DAYS", 30),
			MinHistoryForSpike:   getEnvAsInt("ANOMALY_MIN_HISTORY", 3),
			QueueConfidence:      getEnvAsFloat("ANOMALY_QUEUE_CONFIDENCE", 0.85),
			AutoVerifyConfidence: getEnvAsFloat("ANOMALY_AUTO_VERIFY_CONFIDENCE", 0.97),
		},
		Consensus: ConsensusConfig{
			MinQuorum:       getEnvAsInt("CONSENSUS_MIN_QUORUM", 3),
			MaxVotes:        getEnvAsInt("CONSENSUS_MAX_VOTES", 7),
			ScoreThreshold:  getEnvAsFloat("CONSENSUS_SCORE_THRESHOLD", 0.6),
			FinalizeRetries: getEnvAsInt("CONSENSUS_FINALIZE_RETRIES", 3),
		},
		Trust: TrustConfig{
			InitialScore:           getEnvAsInt("TRUST_INITIAL_SCORE", 50),
			VoterMatchDelta:        getEnvAsInt("TRUST_VOTER_MATCH_DELTA", 1),
			VoterMismatchDelta:     getEnvAsInt("TRUST_VOTER_MISMATCH_DELTA", -2),
			SubmitterVerifiedDelta: getEnvAsInt("TRUST_SUBMITTER_VERIFIED_DELTA", 1),
			SubmitterRejectedDelta: getEnvAsInt("TRUST_SUBMITTER_REJECTED_DELTA", -2),
		},
		Aggregate: AggregateConfig{
			WindowDays:      getEnvAsInt("AGGREGATE_WINDOW_DAYS", 30),
			MinContributors: getEnvAsInt("AGGREGATE_MIN_CONTRIBUTORS", 5),
			CronSpec:        getEnv("AGGREGATE_CRON_SPEC", "0 * * * *"),
		},
		Webhook: WebhookConfig{
			BackoffSchedule:  backoff,
			FailureThreshold: getEnvAsInt("WEBHOOK_FAILURE_THRESHOLD", 10),
			DeliveryTimeout:  getEnvAsDuration("WEBHOOK_DELIVERY_TIMEOUT", 10*time.Second),
			Workers:          getEnvAsInt("WEBHOOK_WORKERS", 4),
			PollInterval:     getEnvAsDuration("WEBHOOK_POLL_INTERVAL", 15*time.Second),
			PollBatch:        getEnvAsInt("WEBHOOK_POLL_BATCH", 50),
			ClaimLease:       getEnvAsDuration("WEBHOOK_CLAIM_LEASE", 5*time.Minute),
			MaxPerOwner:      getEnvAsInt("WEBHOOK_MAX_PER_OWNER", 10),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func parseSchedule(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		schedule = append(schedule, d)
	}
	if len(schedule) == 0 {
		return nil, fmt.Errorf("empty schedule")
	}
	return schedule, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
