package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Redis     RedisConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Outbound  OutboundConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
	LogLevel  string
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	URL string
}

type QueueConfig struct {
	AMQPURL string
	Workers int
}

// RedisConfig is optional. When Enabled the cycle lease lives in Redis
// instead of the campaigns table.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type ProviderConfig struct {
	SendURL    string
	APIKey     string
	FromNumber string
	Timeout    time.Duration
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
}

type OutboundConfig struct {
	RatePerSecond  float64
	Burst          int
	AcquireTimeout time.Duration
}

type EngineConfig struct {
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMax      time.Duration
	CycleWorkers  int
	LockTTL       time.Duration
	DefaultRegion string
}

type SchedulerConfig struct {
	Spec           string
	EventRetention time.Duration
}

func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	dbURL, err := requireEnv("DATABASE_URL")
	collect(err)
	sendURL, err := requireEnv("PROVIDER_SEND_URL")
	collect(err)
	from, err := requireEnv("PROVIDER_FROM_NUMBER")
	collect(err)
	secret, err := requireEnv("WEBHOOK_SECRET")
	collect(err)

	tolerance, err := getEnvInt("WEBHOOK_TOLERANCE_SECONDS", 300)
	collect(err)
	gatewayTimeout, err := getEnvInt("GATEWAY_TIMEOUT_SECONDS", 10)
	collect(err)
	rps, err := getEnvFloat("OUTBOUND_RATE_PER_SECOND", 10)
	collect(err)
	burst, err := getEnvInt("OUTBOUND_BURST", 10)
	collect(err)
	acquireMs, err := getEnvInt("OUTBOUND_ACQUIRE_TIMEOUT_MS", 2000)
	collect(err)
	maxAttempts, err := getEnvInt("MAX_SEND_ATTEMPTS", 3)
	collect(err)
	retryBase, err := getEnvInt("RETRY_BASE_SECONDS", 60)
	collect(err)
	retryMax, err := getEnvInt("RETRY_MAX_SECONDS", 3600)
	collect(err)
	cycleWorkers, err := getEnvInt("CYCLE_WORKERS", 4)
	collect(err)
	eventWorkers, err := getEnvInt("EVENT_WORKERS", 8)
	collect(err)
	lockTTL, err := getEnvInt("CYCLE_LOCK_TTL_SECONDS", 300)
	collect(err)
	retentionDays, err := getEnvInt("EVENT_RETENTION_DAYS", 30)
	collect(err)
	redisCfg, err := loadRedisConfig()
	collect(err)

	if len(errs) > 0 {
		return nil, joinErrors(errs)
	}

	cfg := &Config{
		Server:   ServerConfig{Address: getEnv("SERVER_ADDRESS", ":8080")},
		Database: DatabaseConfig{URL: dbURL},
		Queue: QueueConfig{
			AMQPURL: os.Getenv("AMQP_URL"),
			Workers: eventWorkers,
		},
		Redis: redisCfg,
		Provider: ProviderConfig{
			SendURL:    sendURL,
			APIKey:     os.Getenv("PROVIDER_API_KEY"),
			FromNumber: from,
			Timeout:    time.Duration(gatewayTimeout) * time.Second,
		},
		Webhook: WebhookConfig{
			Secret:    secret,
			Tolerance: time.Duration(tolerance) * time.Second,
		},
		Outbound: OutboundConfig{
			RatePerSecond:  rps,
			Burst:          burst,
			AcquireTimeout: time.Duration(acquireMs) * time.Millisecond,
		},
		Engine: EngineConfig{
			MaxAttempts:   maxAttempts,
			RetryBase:     time.Duration(retryBase) * time.Second,
			RetryMax:      time.Duration(retryMax) * time.Second,
			CycleWorkers:  cycleWorkers,
			LockTTL:       time.Duration(lockTTL) * time.Second,
			DefaultRegion: getEnv("DEFAULT_REGION", "US"),
		},
		Scheduler: SchedulerConfig{
			Spec:           getEnv("SCHEDULER_SPEC", "@every 30s"),
			EventRetention: time.Duration(retentionDays) * 24 * time.Hour,
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Webhook.Tolerance <= 0 {
		errs = append(errs, errors.New("WEBHOOK_TOLERANCE_SECONDS must be > 0"))
	}
	if cfg.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Outbound.RatePerSecond <= 0 {
		errs = append(errs, errors.New("OUTBOUND_RATE_PER_SECOND must be > 0"))
	}
	if cfg.Outbound.Burst <= 0 {
		errs = append(errs, errors.New("OUTBOUND_BURST must be > 0"))
	}
	if cfg.Outbound.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("OUTBOUND_ACQUIRE_TIMEOUT_MS must be > 0"))
	}
	if cfg.Engine.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_SEND_ATTEMPTS must be > 0"))
	}
	if cfg.Engine.RetryBase <= 0 || cfg.Engine.RetryMax < cfg.Engine.RetryBase {
		errs = append(errs, errors.New("RETRY_BASE_SECONDS must be > 0 and <= RETRY_MAX_SECONDS"))
	}
	if cfg.Engine.CycleWorkers <= 0 {
		errs = append(errs, errors.New("CYCLE_WORKERS must be > 0"))
	}
	if cfg.Queue.Workers <= 0 {
		errs = append(errs, errors.New("EVENT_WORKERS must be > 0"))
	}
	if cfg.Engine.LockTTL <= 0 {
		errs = append(errs, errors.New("CYCLE_LOCK_TTL_SECONDS must be > 0"))
	}
	if cfg.Scheduler.EventRetention <= 0 {
		errs = append(errs, errors.New("EVENT_RETENTION_DAYS must be > 0"))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for env %s: %s", key, v)
	}
	return f, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
