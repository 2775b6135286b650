package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Common contains Elasticsearch parameters shared by every service.
type Common struct {
	ElasticsearchAddr string
	EventIndex        string
	ScoreIndex        string
}

// Ingest configures the connector runner that publishes canonical events.
type Ingest struct {
	KafkaBrokers      []string
	KafkaTopic        string
	ArchiveDir        string
	SeedFile          string
	ScoringConfigPath string
	FetchLimit        int
	NewsAPIKey        string
	ComplaintKey      string
}

// Worker holds configuration for the Kafka -> Elasticsearch event worker.
type Worker struct {
	Common
	Cache
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaConsumer  string
	DedupeCapacity int
	DedupeTTL      time.Duration
}

// Scheduler configures the recompute passes.
type Scheduler struct {
	Common
	ScoringConfigPath string
	Lookback          time.Duration
	Interval          time.Duration
	DriftThreshold    float64
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	Cache
	ScoringConfigPath string
	BindAddr          string
	Diagnostics       bool
}

// Cache selects and parameterizes the response cache backend.
type Cache struct {
	CacheBackend string // "redis" or "memory"
	RedisAddr    string
	CacheTTL     time.Duration
}

func loadCommon() Common {
	return Common{
		ElasticsearchAddr: getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		EventIndex:        getEnv("EVENT_INDEX", "trust_events"),
		ScoreIndex:        getEnv("SCORE_INDEX", "trust_scores"),
	}
}

func loadCache() (Cache, error) {
	c := Cache{
		CacheBackend: strings.ToLower(getEnv("CACHE_BACKEND", "redis")),
		RedisAddr:    getEnv("REDIS_ADDR", "redis:6379"),
		CacheTTL:     getDuration("CACHE_TTL", "1h"),
	}
	if c.CacheBackend != "redis" && c.CacheBackend != "memory" {
		return Cache{}, fmt.Errorf("CACHE_BACKEND must be redis or memory, got %q", c.CacheBackend)
	}
	if c.CacheTTL <= 0 {
		return Cache{}, fmt.Errorf("CACHE_TTL must be positive")
	}
	return c, nil
}

// LoadIngest builds an Ingest config from environment variables.
func LoadIngest() (*Ingest, error) {
	c := &Ingest{
		KafkaBrokers:      splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "trust_events"),
		ArchiveDir:        getEnv("ARCHIVE_DIR", "/var/lib/trustscope/raw"),
		SeedFile:          getEnv("INGEST_SEED_FILE", ""),
		ScoringConfigPath: getEnv("SCORING_CONFIG", "scoring.json"),
		FetchLimit:        getInt("INGEST_FETCH_LIMIT", 50),
		NewsAPIKey:        getEnv("NEWSWIRE_API_KEY", ""),
		ComplaintKey:      getEnv("COMPLAINTDESK_API_KEY", ""),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.FetchLimit <= 0 {
		return nil, fmt.Errorf("INGEST_FETCH_LIMIT must be positive")
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	cache, err := loadCache()
	if err != nil {
		return nil, err
	}

	c := &Worker{
		Common:         loadCommon(),
		Cache:          cache,
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "trust_events"),
		KafkaConsumer:  getEnv("KAFKA_CONSUMER_GROUP", "trust-worker"),
		DedupeCapacity: getInt("WORKER_DEDUPE_CAPACITY", 20000),
		DedupeTTL:      getDuration("WORKER_DEDUPE_TTL", "24h"),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_CAPACITY must be positive")
	}

	return c, nil
}

// LoadScheduler builds a Scheduler config from environment variables.
func LoadScheduler() (*Scheduler, error) {
	c := &Scheduler{
		Common:            loadCommon(),
		ScoringConfigPath: getEnv("SCORING_CONFIG", "scoring.json"),
		Lookback:          getDuration("SCHEDULER_LOOKBACK", "24h"),
		Interval:          getDuration("SCHEDULER_INTERVAL", "1h"),
		DriftThreshold:    getFloat("SCHEDULER_DRIFT_THRESHOLD", 15),
	}

	if c.Lookback <= 0 {
		return nil, fmt.Errorf("SCHEDULER_LOOKBACK must be positive")
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	if c.DriftThreshold < 0 {
		return nil, fmt.Errorf("SCHEDULER_DRIFT_THRESHOLD cannot be negative")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	cache, err := loadCache()
	if err != nil {
		return nil, err
	}

	c := &API{
		Common:            loadCommon(),
		Cache:             cache,
		ScoringConfigPath: getEnv("SCORING_CONFIG", "scoring.json"),
		BindAddr:          getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		Diagnostics:       getBool("SCORE_DIAGNOSTICS", false),
	}

	if c.BindAddr == "" {
		return nil, fmt.Errorf("API_BIND_ADDR must not be empty")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
