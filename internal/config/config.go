package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Realtime transport names
const (
	TransportPostgres = "postgres"
	TransportRedis    = "redis"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DatabaseURL   string // takes precedence over the DB_* parts
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBMaxConns    int
	MigrationsDir string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config
	SQSRegion   string
	SQSQueueURL string
	SQSDLQURL   string

	// AWS Services
	AWSRegion string
	SNSRegion string // AWS region for SNS platform endpoints

	// Deduplication windows
	DedupWindowWithOrder time.Duration
	DedupWindow          time.Duration
	DedupClaimsEnabled   bool // atomic Redis claim on top of the store check

	// Realtime channels
	RealtimeTransport  string // "postgres" or "redis"
	ChannelMaxRetries  int
	ChannelRetryBase   time.Duration
	ChannelJoinTimeout time.Duration
	FeedLimit          int
	StreamKeepAlive    time.Duration

	// Retention
	RetentionPeriod time.Duration
	SweepInterval   time.Duration

	// Rate limiting (requests per window per recipient)
	RateLimit       int
	RateLimitWindow time.Duration

	// Push
	PushTimeout     int // Timeout for web push requests in seconds
	PushConcurrency int

	// Web push VAPID identity; web push is disabled without the key pair
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	// Missing .env is fine; real environment always wins.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:        "localhost",
		DBPort:        5432,
		DBUser:        "bellhop",
		DBPassword:    "",
		DBName:        "bellhop",
		DBSSLMode:     "disable",
		DBMaxConns:    10,
		MigrationsDir: "migrations",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "us-east-1",

		DedupWindowWithOrder: 2 * time.Minute,
		DedupWindow:          10 * time.Minute,
		DedupClaimsEnabled:   true,

		RealtimeTransport:  TransportPostgres,
		ChannelMaxRetries:  3,
		ChannelRetryBase:   time.Second,
		ChannelJoinTimeout: 10 * time.Second,
		FeedLimit:          50,
		StreamKeepAlive:    25 * time.Second,

		RetentionPeriod: 30 * 24 * time.Hour,
		SweepInterval:   time.Hour,

		RateLimit:       120,
		RateLimitWindow: time.Minute,

		PushTimeout:     10,
		PushConcurrency: 8,
		VAPIDSubject:    "mailto:ops@bellhop.local",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if n := os.Getenv("DB_MAX_CONNS"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %q", n)
		}
		cfg.DBMaxConns = v
	}

	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		cfg.MigrationsDir = dir
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	// SNS config for platform endpoint push
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Dedup
	var err error
	if cfg.DedupWindowWithOrder, err = durationEnv("DEDUP_WINDOW_ORDER", cfg.DedupWindowWithOrder); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = durationEnv("DEDUP_WINDOW", cfg.DedupWindow); err != nil {
		return nil, err
	}
	if v := os.Getenv("DEDUP_CLAIMS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEDUP_CLAIMS: %w", err)
		}
		cfg.DedupClaimsEnabled = b
	}

	// Realtime
	if t := os.Getenv("REALTIME_TRANSPORT"); t != "" {
		if t != TransportPostgres && t != TransportRedis {
			return nil, fmt.Errorf("invalid REALTIME_TRANSPORT: %q (want %s or %s)", t, TransportPostgres, TransportRedis)
		}
		cfg.RealtimeTransport = t
	}

	if n := os.Getenv("CHANNEL_MAX_RETRIES"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid CHANNEL_MAX_RETRIES: %q", n)
		}
		cfg.ChannelMaxRetries = v
	}
	if cfg.ChannelRetryBase, err = durationEnv("CHANNEL_RETRY_BASE", cfg.ChannelRetryBase); err != nil {
		return nil, err
	}
	if cfg.ChannelJoinTimeout, err = durationEnv("CHANNEL_JOIN_TIMEOUT", cfg.ChannelJoinTimeout); err != nil {
		return nil, err
	}
	if cfg.StreamKeepAlive, err = durationEnv("STREAM_KEEPALIVE", cfg.StreamKeepAlive); err != nil {
		return nil, err
	}

	if n := os.Getenv("FEED_LIMIT"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid FEED_LIMIT: %q", n)
		}
		cfg.FeedLimit = v
	}

	// Retention
	if cfg.RetentionPeriod, err = durationEnv("RETENTION_PERIOD", cfg.RetentionPeriod); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}

	// Rate limiting
	if n := os.Getenv("RATE_LIMIT"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %q", n)
		}
		cfg.RateLimit = v
	}
	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	// Push config
	if timeout := os.Getenv("PUSH_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_TIMEOUT: %w", err)
		}
		cfg.PushTimeout = t
	}

	if n := os.Getenv("PUSH_CONCURRENCY"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid PUSH_CONCURRENCY: %q", n)
		}
		cfg.PushConcurrency = v
	}

	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		return nil, fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if subject := os.Getenv("VAPID_SUBJECT"); subject != "" {
		cfg.VAPIDSubject = subject
	}

	return cfg, nil
}

// WebPushEnabled reports whether a VAPID key pair is configured
func (c *Config) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// RedisAddr returns host:port for the redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
