package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"catalog_sync/pricing"
)

// ErrMissingCredentials means neither a database URL nor a Supabase URL + service key is set
var ErrMissingCredentials = errors.New("missing database credentials")

const (
	DefaultBatchSize = 50
	MaxBatchSize     = 1000
)

type Config struct {
	Supabase  SupabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Sync      SyncConfig
	Cleanup   CleanupConfig
	S3        S3Config
	HTTPAddr  string
	DBPath    string
	LogLevel  string
	Markup    pricing.Table
}

type SupabaseConfig struct {
	URL        string
	ServiceKey string
	DBURL      string
	RPS        float64 // PostgREST request limit, 0 disables
	Timeout    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type SyncConfig struct {
	BatchSize int
	ClaimTTL  time.Duration
	LockTTL   time.Duration
}

type CleanupConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
	Batch    int
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether storage credentials are configured
func (c S3Config) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Supabase: SupabaseConfig{
			URL:        os.Getenv("SUPABASE_URL"),
			ServiceKey: getEnvFirst("SUPABASE_SERVICE_KEY", "SUPABASE_SERVICE_ROLE_KEY"),
			DBURL:      os.Getenv("SUPABASE_DB_URL"),
			RPS:        getEnvFloat("SUPABASE_RPS", 0),
			Timeout:    getEnvDuration("SUPABASE_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Scheduler: SchedulerConfig{
			Cron:     os.Getenv("SYNC_CRON"),
			Interval: getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		},
		Sync: SyncConfig{
			BatchSize: ClampBatchSize(getEnvInt("SYNC_BATCH_SIZE", DefaultBatchSize)),
			ClaimTTL:  getEnvDuration("SYNC_CLAIM_TTL", 15*time.Minute),
			LockTTL:   getEnvDuration("SYNC_LOCK_TTL", 10*time.Minute),
		},
		Cleanup: CleanupConfig{
			MaxAge:   getEnvDuration("CLEANUP_MAX_AGE", 14*24*time.Hour),
			Interval: getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),
			Batch:    getEnvInt("CLEANUP_BATCH_SIZE", 1000),
		},
		S3: S3Config{
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", "product-files"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		DBPath:   getEnv("DB_PATH", "sync.db"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Markup:   pricing.DefaultTable,
	}

	if path := os.Getenv("MARKUP_RULES_FILE"); path != "" {
		table, err := pricing.LoadTable(path)
		if err != nil {
			return nil, err
		}
		cfg.Markup = table
	}

	return cfg, nil
}

// Validate checks that some way of reaching the catalog is configured
func (c *Config) Validate() error {
	if c.Supabase.DBURL != "" {
		return nil
	}
	if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
		return fmt.Errorf("%w: set SUPABASE_DB_URL or SUPABASE_URL and SUPABASE_SERVICE_KEY", ErrMissingCredentials)
	}
	return nil
}

// ClampBatchSize applies the default for non-positive sizes and caps large ones
func ClampBatchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvFirst(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
