package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Dataset
	DatasetName   string
	DataRoot      string
	DatasetConfig string
	DatasetPreset string
	DevMode       bool
	DevLimit      int
	DownloadDir   string

	// Sample generation
	NumWorkers int
	ChunkSize  int
	CacheDir   string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost       string
	RedisPort       string
	RedisPassword   string
	RedisDB         int
	SummaryCacheTTL time.Duration

	// Kafka
	KafkaBrokers       []string
	KafkaGroupID       string
	KafkaEventsTopic   string
	KafkaRequestsTopic string

	// Remote data roots (OAuth2 client credentials)
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthScopes       []string
	FetchTimeout      time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		DatasetName:   getEnv("DATASET_NAME", "ehr"),
		DataRoot:      getEnv("DATA_ROOT", "./data"),
		DatasetConfig: getEnv("DATASET_CONFIG", ""),
		DatasetPreset: getEnv("DATASET_PRESET", ""),
		DevMode:       getBoolEnv("DEV_MODE", false),
		DevLimit:      getIntEnv("DEV_LIMIT", 1000),
		DownloadDir:   getEnv("DOWNLOAD_DIR", ""),

		NumWorkers: getIntEnv("NUM_WORKERS", 1),
		ChunkSize:  getIntEnv("CHUNK_SIZE", 1000),
		CacheDir:   getEnv("CACHE_DIR", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "synaptica"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getIntEnv("REDIS_DB", 0),
		SummaryCacheTTL: getDuration("SUMMARY_CACHE_TTL", 24*time.Hour),

		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "ehrpipe"),
		KafkaEventsTopic:   getEnv("KAFKA_EVENTS_TOPIC", "pipeline-events"),
		KafkaRequestsTopic: getEnv("KAFKA_REQUESTS_TOPIC", "dataset-requests"),

		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthScopes:       getStringSliceEnv("OAUTH_SCOPES", nil),
		FetchTimeout:      getDuration("FETCH_TIMEOUT", 5*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
