// Package app wires configuration-selected backends into the engine's components.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	twiliosig "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/api/handlers"
	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/consumers"
	"github.com/acme/checkin-call-engine/internal/consumers/billing"
	"github.com/acme/checkin-call-engine/internal/consumers/rewards"
	"github.com/acme/checkin-call-engine/internal/consumers/scoring"
	"github.com/acme/checkin-call-engine/internal/dispatcher"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/eligibility"
	"github.com/acme/checkin-call-engine/internal/escalation"
	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/internal/infra/db"
	"github.com/acme/checkin-call-engine/internal/infra/redis"
	"github.com/acme/checkin-call-engine/internal/lock"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/internal/notify"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/repository/memory"
	pgrepo "github.com/acme/checkin-call-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/checkin-call-engine/internal/repository/scylla"
	"github.com/acme/checkin-call-engine/internal/scheduler"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	"github.com/acme/checkin-call-engine/internal/service/concurrency"
	"github.com/acme/checkin-call-engine/internal/telephony"
	telephonykafka "github.com/acme/checkin-call-engine/internal/telephony/kafka"
	telephonymock "github.com/acme/checkin-call-engine/internal/telephony/mock"
	telephonytwilio "github.com/acme/checkin-call-engine/internal/telephony/twilio"
	"github.com/acme/checkin-call-engine/internal/tracker"
	"github.com/acme/checkin-call-engine/internal/window"
	callworker "github.com/acme/checkin-call-engine/internal/worker/call"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

const slotPrefix = "checkin:slots"

// Container wires together shared infrastructure dependencies.
// Backends are only connected when the configuration selects them.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once       sync.Once
		store      repository.CallRecordStore
		users      repository.UserDirectory
		telephony  telephony.Provider
		notifier   notify.Gateway
		engine     *escalation.Engine
		bus        *events.Bus
		progress   *consumers.Progress
		dispatcher *dispatcher.Dispatcher
		tracker    *tracker.Tracker
		calls      *callsvc.Service
		scheduler  *scheduler.Scheduler

		callDispatcher  *queue.CallDispatcher
		statusPublisher *queue.StatusPublisher
		relay           *queue.EventRelay
	}
}

// Build loads configuration and connects the selected backends.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg, Metrics: metrics.New()}

	if cfg.Store.Backend != "memory" {
		if c.Postgres, err = db.NewPostgres(ctx, cfg.Postgres); err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
	}
	if cfg.Store.Backend == "scylla" {
		if c.Scylla, err = db.NewScylla(cfg.Scylla); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}
	if cfg.Redis.Address != "" {
		if c.Redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}
	if cfg.Kafka.Enabled() {
		if c.Kafka, err = queue.NewKafka(cfg.Kafka); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
	}

	lg.Info("container ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("telephony", cfg.Telephony.Provider),
		zap.String("notification", cfg.Notification.Provider),
		zap.Bool("redis", c.Redis != nil),
		zap.Bool("kafka", c.Kafka != nil),
	)
	return c, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		comp := &c.components
		callType := domain.CallType(cfg.Scheduler.CallType)

		comp.store, comp.users = c.buildStores()
		comp.telephony = c.buildTelephony()
		comp.notifier = c.buildNotifier()

		comp.engine = escalation.NewEngine(escalation.Dependencies{
			Store:     comp.store,
			Users:     comp.users,
			Notifier:  comp.notifier,
			Telephony: comp.telephony,
			Metrics:   c.Metrics,
			Logger:    c.Logger,
		}, escalation.Policy{
			MaxAttempts: cfg.Escalation.MaxAttempts,
			Delays:      cfg.Escalation.Delays,
		}, escalation.WithRedial(cfg.Escalation.Redial))

		comp.bus = c.buildBus()

		var locker lock.Locker = lock.NewLocalLocker()
		if c.Redis != nil {
			locker = lock.NewRedisLocker(c.Redis.Universal(), cfg.Scheduler.LockKeyPrefix)
		}
		comp.dispatcher = dispatcher.New(dispatcher.Dependencies{
			Users:     comp.users,
			Store:     comp.store,
			Telephony: comp.telephony,
			Resolver:  window.NewResolver(cfg.Scheduler.SliceWidth),
			Filter:    eligibility.NewFilter(cfg.Eligibility.DefaultRegion),
			Events:    comp.bus,
			Locker:    locker,
			Metrics:   c.Metrics,
			Logger:    c.Logger,
		}, dispatcher.Config{
			CallType:        callType,
			PageSize:        cfg.Scheduler.PageSize,
			Workers:         cfg.Scheduler.WorkerCount,
			OriginalTimeout: cfg.Escalation.OriginalTimeout,
		})

		comp.tracker = tracker.New(comp.store, comp.engine, comp.bus, c.Logger,
			cfg.Scheduler.TrackerBatchSize, cfg.Scheduler.WorkerCount)

		comp.calls = callsvc.NewService(comp.store, comp.engine, comp.bus, c.Metrics, c.Logger, callType)

		if c.Kafka != nil {
			comp.statusPublisher = queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic)
		}

		comp.scheduler = scheduler.New(locker, scheduler.Options{
			SliceWidth: cfg.Scheduler.SliceWidth,
			LockTTL:    cfg.Scheduler.LockTTL,
			JobTimeout: cfg.Scheduler.JobTimeout,
		}, c.Metrics, c.Logger,
			scheduler.Job{
				Name:     scheduler.JobDispatch,
				Schedule: cfg.Scheduler.DispatchSchedule,
				Run: func(ctx context.Context) error {
					_, err := comp.dispatcher.Run(ctx)
					return err
				},
			},
			scheduler.Job{
				Name:     scheduler.JobTrack,
				Schedule: cfg.Scheduler.TrackerSchedule,
				Run: func(ctx context.Context) error {
					_, err := comp.tracker.Run(ctx)
					return err
				},
			},
		)
	})
}

func (c *Container) buildStores() (repository.CallRecordStore, repository.UserDirectory) {
	switch c.Config.Store.Backend {
	case "memory":
		return memory.NewCallRecordStore(), memory.NewUserDirectory()
	case "scylla":
		return scyllarepo.NewCallRecordStore(c.Scylla.Session()), pgrepo.NewUserDirectory(c.Postgres.DB())
	default:
		return pgrepo.NewCallRecordStore(c.Postgres.DB()), pgrepo.NewUserDirectory(c.Postgres.DB())
	}
}

func (c *Container) buildTelephony() telephony.Provider {
	cfg := c.Config

	var provider telephony.Provider
	switch cfg.Telephony.Provider {
	case "twilio":
		provider = telephonytwilio.NewProvider(cfg.Twilio, cfg.Telephony)
	case "kafka":
		c.components.callDispatcher = queue.NewCallDispatcher(c.Kafka, cfg.Kafka.CallTopic)
		provider = telephonykafka.NewProvider(c.components.callDispatcher)
	default:
		provider = telephonymock.NewProvider()
	}

	if c.Redis == nil || cfg.Telephony.ConcurrencyLimit <= 0 {
		return provider
	}
	limiter := concurrency.NewLimiter(c.Redis.Universal(), slotPrefix, cfg.Telephony.ConcurrencyLimit, cfg.Telephony.SlotTTL)
	return telephony.NewLimited(provider, limiter, cfg.Telephony.ConcurrencyLimit, c.Logger)
}

func (c *Container) buildNotifier() notify.Gateway {
	cfg := c.Config.Notification

	var gw notify.Gateway
	switch cfg.Provider {
	case "twilio":
		gw = notify.NewTwilioSMS(c.Config.Twilio)
	default:
		gw = notify.NewLogGateway(c.Logger)
	}
	return notify.NewRateLimited(gw, cfg.RatePerSecond, cfg.Burst, cfg.Timeout)
}

// buildBus registers every consumer group and seals the registry.
func (c *Container) buildBus() *events.Bus {
	cfg := c.Config
	bus := events.NewBus(c.Logger,
		events.WithHandlerTimeout(cfg.Bus.HandlerTimeout),
		events.WithObserver(c.Metrics),
		events.WithDelivery(events.Delivery{Env: cfg.App.Env, Tenant: cfg.App.Tenant}),
	)

	if c.Redis != nil {
		client := c.Redis.Universal()
		prefix, ttl := cfg.Consumers.KeyPrefix, cfg.Consumers.StateTTL

		progress := &consumers.Progress{
			Scoring: scoring.New(client, prefix, ttl, c.Logger),
			Rewards: rewards.New(client, prefix, ttl, cfg.Consumers.StreakMilestones, c.Logger),
			Billing: billing.New(client, prefix, ttl, c.Logger),
		}
		c.mustRegister("scoring", progress.Scoring.Register(bus))
		c.mustRegister("rewards", progress.Rewards.Register(bus))
		c.mustRegister("billing", progress.Billing.Register(bus))
		c.components.progress = progress
	} else {
		c.Logger.Warn("redis not configured, consumer groups disabled")
	}

	if c.Kafka != nil && cfg.Bus.RelayEnabled {
		c.components.relay = queue.NewEventRelay(c.Kafka, cfg.Kafka.EventsTopic)
		c.mustRegister("relay", c.components.relay.Register(bus))
	}

	bus.Seal()
	return bus
}

// mustRegister only fails on programming errors such as an unknown event type.
func (c *Container) mustRegister(group string, err error) {
	if err != nil {
		panic(fmt.Sprintf("app: register %s consumers: %v", group, err))
	}
}

// Store exposes the call record store.
func (c *Container) Store() repository.CallRecordStore {
	c.initComponents()
	return c.components.store
}

// Bus exposes the sealed event bus.
func (c *Container) Bus() *events.Bus {
	c.initComponents()
	return c.components.bus
}

// Dispatcher exposes the dispatcher.
func (c *Container) Dispatcher() *dispatcher.Dispatcher {
	c.initComponents()
	return c.components.dispatcher
}

// Tracker exposes the delivery tracker.
func (c *Container) Tracker() *tracker.Tracker {
	c.initComponents()
	return c.components.tracker
}

// Calls exposes the inbound call service.
func (c *Container) Calls() *callsvc.Service {
	c.initComponents()
	return c.components.calls
}

// Scheduler exposes the cron scheduler with the dispatch and track jobs.
func (c *Container) Scheduler() *scheduler.Scheduler {
	c.initComponents()
	return c.components.scheduler
}

// DialWorker builds the worker that drains the call topic into the configured dialer.
func (c *Container) DialWorker() (*callworker.Worker, error) {
	if c.Kafka == nil {
		return nil, errors.New("app: dial worker requires kafka.brokers")
	}
	c.initComponents()
	cfg := c.Config

	var dialer telephony.Provider = telephonymock.NewProvider()
	if cfg.Telephony.DialerProvider == "twilio" {
		dialer = telephonytwilio.NewProvider(cfg.Twilio, cfg.Telephony)
	}

	opts := []callworker.Option{callworker.WithTimeout(cfg.Telephony.RequestTimeout)}
	if c.Redis != nil && cfg.Telephony.ConcurrencyLimit > 0 {
		limiter := concurrency.NewLimiter(c.Redis.Universal(), slotPrefix, cfg.Telephony.ConcurrencyLimit, cfg.Telephony.SlotTTL)
		opts = append(opts, callworker.WithSlots(limiter, cfg.Telephony.ConcurrencyLimit))
	}

	reader := c.Kafka.NewReader(cfg.Kafka.CallTopic, cfg.Kafka.ConsumerGroupID+"-dial")
	return callworker.New(reader, dialer, c.components.statusPublisher, c.Logger, opts...), nil
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	c.initComponents()
	comp := &c.components

	deps := handlers.Deps{
		Calls:      comp.calls,
		Dispatcher: comp.dispatcher,
		Tracker:    comp.tracker,
		Events:     comp.bus,
		Metrics:    c.Metrics,
		PublicURL:  c.Config.HTTP.PublicURL,
		Health:     c.healthChecks(),
		Logger:     c.Logger,
	}
	if comp.statusPublisher != nil {
		deps.Status = comp.statusPublisher
	}
	if comp.progress != nil {
		deps.Progress = comp.progress
	}
	if token := c.Config.Twilio.AuthToken; token != "" && c.Config.HTTP.PublicURL != "" {
		v := twiliosig.NewRequestValidator(token)
		deps.Validator = &v
	}
	return handlers.NewHandlerSet(deps)
}

func (c *Container) healthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.Ping
	}
	if c.Scylla != nil {
		checks["scylla"] = c.Scylla.Ping
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	return checks
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	comp := &c.components
	if comp.relay != nil {
		if err := comp.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event relay close: %w", err))
		}
	}
	if comp.statusPublisher != nil {
		if err := comp.statusPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
	}
	if comp.callDispatcher != nil {
		if err := comp.callDispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("call dispatcher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
