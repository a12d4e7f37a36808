package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Flume       FlumeConfig
	Influx      InfluxConfig
	Cache       CacheConfig
	Monitor     MonitorConfig
	AMQP        AMQPConfig
}

// FlumeConfig holds Flume API credentials and endpoints
type FlumeConfig struct {
	ClientID       string
	ClientSecret   string
	Username       string
	Password       string
	BaseURL        string
	AuthURL        string
	RequestTimeout time.Duration
}

// InfluxConfig holds time-series sink connection settings
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Configured reports whether all required sink parameters are present
func (c InfluxConfig) Configured() bool {
	return c.URL != "" && c.Token != "" && c.Org != "" && c.Bucket != ""
}

// CacheConfig holds local cache settings
type CacheConfig struct {
	Dir       string
	Retention time.Duration
}

// MonitorConfig holds polling loop settings
type MonitorConfig struct {
	DeviceIDs    []string
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

// AMQPConfig holds optional reading-event publisher settings
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Enabled reports whether event publishing is configured
func (c AMQPConfig) Enabled() bool {
	return c.URL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "flume-monitor"),
		Flume: FlumeConfig{
			ClientID:       getEnv("FLUME_CLIENT_ID", ""),
			ClientSecret:   getEnv("FLUME_CLIENT_SECRET", ""),
			Username:       getEnv("FLUME_USERNAME", ""),
			Password:       getEnv("FLUME_PASSWORD", ""),
			BaseURL:        getEnv("FLUME_BASE_URL", "https://api.flumetech.com"),
			AuthURL:        getEnv("FLUME_AUTH_URL", "https://api.flumetech.com/oauth/token"),
			RequestTimeout: getEnvAsDuration("FLUME_REQUEST_TIMEOUT", 30*time.Second),
		},
		Influx: InfluxConfig{
			URL:         getEnv("INFLUXDB_URL", ""),
			Token:       getEnv("INFLUXDB_TOKEN", ""),
			Org:         getEnv("INFLUXDB_ORG", ""),
			Bucket:      getEnv("INFLUXDB_BUCKET", ""),
			Measurement: getEnv("INFLUXDB_MEASUREMENT", "water_usage"),
		},
		Cache: CacheConfig{
			Dir:       getEnv("CACHE_DIR", defaultCacheDir()),
			Retention: getEnvAsDuration("CACHE_RETENTION", 24*time.Hour),
		},
		Monitor: MonitorConfig{
			DeviceIDs:    getEnvAsList("FLUME_DEVICE_IDS"),
			PollInterval: getEnvAsDuration("POLL_INTERVAL", 30*time.Second),
			ErrorBackoff: getEnvAsDuration("ERROR_BACKOFF", 5*time.Second),
		},
		AMQP: AMQPConfig{
			URL:        getEnv("AMQP_URL", ""),
			Exchange:   getEnv("AMQP_EXCHANGE", "flume-monitor.events.exchange"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", "water.reading.observed"),
		},
	}

	// Validate required fields
	if cfg.Flume.ClientID == "" {
		return nil, fmt.Errorf("FLUME_CLIENT_ID is required but not set in environment variables")
	}
	if cfg.Flume.ClientSecret == "" {
		return nil, fmt.Errorf("FLUME_CLIENT_SECRET is required but not set in environment variables")
	}
	if cfg.Flume.Username == "" {
		return nil, fmt.Errorf("FLUME_USERNAME is required but not set in environment variables")
	}
	if cfg.Flume.Password == "" {
		return nil, fmt.Errorf("FLUME_PASSWORD is required but not set in environment variables")
	}
	if cfg.Monitor.ErrorBackoff >= cfg.Monitor.PollInterval {
		return nil, fmt.Errorf("ERROR_BACKOFF (%s) must be shorter than POLL_INTERVAL (%s)",
			cfg.Monitor.ErrorBackoff, cfg.Monitor.PollInterval)
	}

	return cfg, nil
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flume-monitor"
	}
	return filepath.Join(home, ".flume-monitor")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		// Allow bare seconds for compatibility with numeric intervals
		if secs, serr := strconv.Atoi(valueStr); serr == nil {
			return time.Duration(secs) * time.Second
		}
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	parts := strings.Split(valueStr, ",")
	var values []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
