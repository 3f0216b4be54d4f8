// Package app wires repositories, services and background workers from
// config. Both binaries build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unclebandit/smsleopard-messaging/internal/config"
	"github.com/unclebandit/smsleopard-messaging/internal/db"
	"github.com/unclebandit/smsleopard-messaging/internal/gateway"
	"github.com/unclebandit/smsleopard-messaging/internal/lock"
	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/queue"
	"github.com/unclebandit/smsleopard-messaging/internal/ratelimit"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
	"github.com/unclebandit/smsleopard-messaging/internal/service"
)

// NewLogger builds a production zap logger, or a development one at debug.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	if lvl == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// App holds the wired components. Queue is either the AMQP broker or the
// in-process queue.
type App struct {
	Config  *config.Config
	Log     *zap.Logger
	DB      *sql.DB
	Redis   *redis.Client
	Metrics *metrics.Metrics

	Campaigns  *repository.CampaignRepository
	Recipients *repository.RecipientRepository
	Sends      *repository.SendRepository
	Counters   *repository.CounterRepository
	Events     *repository.EventRepository

	Queue      queue.Queue
	amqp       *queue.AMQPQueue
	memQueue   *queue.InMemoryQueue
	Pool       *service.CyclePool
	Scheduler  *service.Scheduler
	Engine     *service.Engine
	OptOut     *service.OptOutRegistry
	Ingestion  *service.IngestionService
	Campaign   *service.CampaignService
	Analytics  *service.AnalyticsService
	Confirmers *service.ConfirmationSender
}

// New connects to Postgres (and Redis and RabbitMQ when configured),
// applies the schema and builds every service.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, reg prometheus.Registerer) (*App, error) {
	conn, err := db.Open(ctx, cfg.Database.URL, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Log:        log,
		DB:         conn,
		Metrics:    metrics.New(reg),
		Campaigns:  &repository.CampaignRepository{DB: conn},
		Recipients: &repository.RecipientRepository{DB: conn},
		Sends:      &repository.SendRepository{DB: conn},
		Counters:   &repository.CounterRepository{DB: conn},
		Events:     &repository.EventRepository{DB: conn},
	}

	var locker service.CycleLocker = &repository.PostgresLocker{Repo: a.Campaigns, TTL: cfg.Engine.LockTTL}
	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = lock.NewRedisLocker(a.Redis, cfg.Engine.LockTTL)
		log.Info("cycle lease stored in redis", zap.String("addr", cfg.Redis.Address))
	}

	if cfg.Queue.AMQPURL != "" {
		a.amqp, err = queue.NewAMQPQueue(cfg.Queue.AMQPURL, cfg.Queue.Workers, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = a.amqp
	} else {
		a.memQueue = queue.NewInMemoryQueue(cfg.Queue.Workers, 1024, log)
		a.Queue = a.memQueue
	}

	dispatcher := &service.Dispatcher{
		Sends:          a.Sends,
		Gateway:        gateway.NewHTTPGateway(cfg.Provider.SendURL, cfg.Provider.APIKey, cfg.Provider.Timeout),
		Limiter:        ratelimit.New(cfg.Outbound.RatePerSecond, cfg.Outbound.Burst, cfg.Outbound.AcquireTimeout),
		From:           cfg.Provider.FromNumber,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		RetryBase:      cfg.Engine.RetryBase,
		RetryMax:       cfg.Engine.RetryMax,
		LimiterBackoff: cfg.Outbound.AcquireTimeout,
		Metrics:        a.Metrics,
		Log:            log.Named("dispatcher"),
	}
	region := cfg.Engine.DefaultRegion

	a.OptOut = service.NewOptOutRegistry(a.Recipients, a.Sends, region, a.Metrics, log.Named("optout"))
	a.Confirmers = &service.ConfirmationSender{
		Dispatcher: dispatcher,
		Recipients: a.Recipients,
		Sends:      a.Sends,
		Log:        log.Named("confirmations"),
	}
	a.Engine = &service.Engine{
		Campaigns:    a.Campaigns,
		Recipients:   a.Recipients,
		Sends:        a.Sends,
		Counters:     a.Counters,
		OptOut:       a.OptOut,
		Assigner:     service.NewVariantAssigner(a.Sends),
		Dispatcher:   dispatcher,
		Locker:       locker,
		RefreshEvery: 50,
		Metrics:      a.Metrics,
		Log:          log.Named("engine"),
	}
	a.Ingestion = &service.IngestionService{
		Events:        a.Events,
		Sends:         a.Sends,
		Recipients:    a.Recipients,
		OptOut:        a.OptOut,
		Confirmations: a.Confirmers,
		Verifier:      gateway.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		Queue:         a.Queue,
		Region:        region,
		StaleAfter:    time.Minute,
		Metrics:       a.Metrics,
		Log:           log.Named("ingest"),
	}
	a.Campaign = &service.CampaignService{
		CampaignRepo:  a.Campaigns,
		RecipientRepo: a.Recipients,
		SendRepo:      a.Sends,
		Runner:        a.Engine,
		Region:        region,
		Log:           log.Named("campaigns"),
	}
	a.Analytics = &service.AnalyticsService{
		Campaigns: a.Campaigns,
		Sends:     a.Sends,
		Counters:  a.Counters,
	}
	a.Pool = service.NewCyclePool(a.Engine, cfg.Engine.CycleWorkers, 0, log.Named("cycles"))
	a.Scheduler = &service.Scheduler{
		Campaigns:     a.Campaigns,
		Pool:          a.Pool,
		Ingestion:     a.Ingestion,
		Confirmations: a.Confirmers,
		DispatchSpec:  cfg.Scheduler.Spec,
		Retention:     cfg.Scheduler.EventRetention,
		Log:           log.Named("scheduler"),
	}
	return a, nil
}

// Brokered reports whether events go through RabbitMQ.
func (a *App) Brokered() bool { return a.amqp != nil }

// StartBackground subscribes the event processor and starts the cycle pool
// and scheduler.
func (a *App) StartBackground(ctx context.Context) error {
	if a.memQueue != nil {
		a.memQueue.Start(ctx)
	}
	if err := a.Queue.Subscribe(service.EventsTopic, a.Ingestion.HandleJob); err != nil {
		return fmt.Errorf("subscribe %s: %w", service.EventsTopic, err)
	}
	a.Pool.Start(ctx)
	return a.Scheduler.Start()
}

// BrokerClosed fires when the AMQP connection drops. It is nil without a
// broker.
func (a *App) BrokerClosed() <-chan *amqp.Error {
	if a.amqp == nil {
		return nil
	}
	return a.amqp.NotifyClose()
}

// Close stops background work and releases connections.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			a.Log.Warn("failed to close amqp", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
