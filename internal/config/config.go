package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the engine.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Scylla       ScyllaConfig       `mapstructure:"scylla"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Escalation   EscalationConfig   `mapstructure:"escalation"`
	Eligibility  EligibilityConfig  `mapstructure:"eligibility"`
	Consumers    ConsumersConfig    `mapstructure:"consumers"`
	Telephony    TelephonyConfig    `mapstructure:"telephony"`
	Notification NotificationConfig `mapstructure:"notification"`
	Twilio       TwilioConfig       `mapstructure:"twilio"`
	Store        StoreConfig        `mapstructure:"store"`
	Bus          BusConfig          `mapstructure:"bus"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
	Tenant  string `mapstructure:"tenant"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// PublicURL is the origin webhooks are reached on; Twilio signatures are checked against it.
	PublicURL string `mapstructure:"public_url"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	CallTopic       string        `mapstructure:"call_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	EventsTopic     string        `mapstructure:"events_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

type SchedulerConfig struct {
	SliceWidth       time.Duration `mapstructure:"slice_width"`
	DispatchSchedule string        `mapstructure:"dispatch_schedule"`
	TrackerSchedule  string        `mapstructure:"tracker_schedule"`
	CallType         string        `mapstructure:"call_type"`
	PageSize         int           `mapstructure:"page_size"`
	TrackerBatchSize int           `mapstructure:"tracker_batch_size"`
	WorkerCount      int           `mapstructure:"worker_count"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	LockKeyPrefix    string        `mapstructure:"lock_key_prefix"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
}

type EscalationConfig struct {
	MaxAttempts     int             `mapstructure:"max_attempts"`
	Delays          []time.Duration `mapstructure:"delays"`
	OriginalTimeout time.Duration   `mapstructure:"original_timeout"`
	Redial          bool            `mapstructure:"redial"`
}

type EligibilityConfig struct {
	DefaultRegion string `mapstructure:"default_region"`
}

type ConsumersConfig struct {
	StreakMilestones []int         `mapstructure:"streak_milestones"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	StateTTL         time.Duration `mapstructure:"state_ttl"`
}

type TelephonyConfig struct {
	Provider string `mapstructure:"provider"`
	// DialerProvider is what the dial worker places calls through when Provider is kafka.
	DialerProvider    string        `mapstructure:"dialer_provider"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	CallbackURL       string        `mapstructure:"callback_url"`
	StatusCallbackURL string        `mapstructure:"status_callback_url"`
	ConcurrencyLimit  int           `mapstructure:"concurrency_limit"`
	SlotTTL           time.Duration `mapstructure:"slot_ttl"`
}

type NotificationConfig struct {
	Provider      string        `mapstructure:"provider"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type BusConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	RelayEnabled   bool          `mapstructure:"relay_enabled"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("CHECKIN")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "checkin-call-engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("kafka.call_topic", "checkin.calls")
	v.SetDefault("kafka.status_topic", "checkin.call-status")
	v.SetDefault("kafka.events_topic", "checkin.events")
	v.SetDefault("kafka.consumer_group_id", "checkin-engine")
	v.SetDefault("kafka.commit_interval", time.Second)

	v.SetDefault("scheduler.slice_width", 5*time.Minute)
	v.SetDefault("scheduler.dispatch_schedule", "*/5 * * * *")
	v.SetDefault("scheduler.tracker_schedule", "*/5 * * * *")
	v.SetDefault("scheduler.call_type", "daily_checkin")
	v.SetDefault("scheduler.page_size", 500)
	v.SetDefault("scheduler.tracker_batch_size", 200)
	v.SetDefault("scheduler.worker_count", 8)
	v.SetDefault("scheduler.lock_ttl", 4*time.Minute)
	v.SetDefault("scheduler.lock_key_prefix", "checkin:tick")
	v.SetDefault("scheduler.job_timeout", 4*time.Minute)

	v.SetDefault("escalation.max_attempts", 3)
	v.SetDefault("escalation.delays", []string{"10m", "30m", "60m"})
	v.SetDefault("escalation.original_timeout", 10*time.Minute)
	v.SetDefault("escalation.redial", false)

	v.SetDefault("eligibility.default_region", "US")

	v.SetDefault("consumers.streak_milestones", []int{3, 7, 14, 30, 100})
	v.SetDefault("consumers.key_prefix", "checkin")
	v.SetDefault("consumers.state_ttl", 90*24*time.Hour)

	v.SetDefault("telephony.provider", "mock")
	v.SetDefault("telephony.dialer_provider", "mock")
	v.SetDefault("telephony.request_timeout", 10*time.Second)
	v.SetDefault("telephony.concurrency_limit", 20)
	v.SetDefault("telephony.slot_ttl", time.Minute)

	v.SetDefault("notification.provider", "log")
	v.SetDefault("notification.rate_per_second", 10.0)
	v.SetDefault("notification.burst", 10)
	v.SetDefault("notification.timeout", 5*time.Second)

	v.SetDefault("store.backend", "postgres")
	v.SetDefault("bus.handler_timeout", 5*time.Second)
}

// Validate rejects configurations the engine cannot run correctly with.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.SliceWidth < time.Minute || s.SliceWidth%time.Minute != 0 {
		return fmt.Errorf("config: scheduler.slice_width must be a positive whole number of minutes")
	}
	if (24*time.Hour)%s.SliceWidth != 0 {
		return fmt.Errorf("config: scheduler.slice_width must divide 24h evenly")
	}
	if s.CallType == "" {
		return fmt.Errorf("config: scheduler.call_type is required")
	}
	if c.Escalation.MaxAttempts < 1 {
		return fmt.Errorf("config: escalation.max_attempts must be >= 1")
	}
	if len(c.Escalation.Delays) == 0 {
		return fmt.Errorf("config: escalation.delays must not be empty")
	}
	for _, d := range c.Escalation.Delays {
		if d <= 0 {
			return fmt.Errorf("config: escalation.delays must be positive")
		}
	}
	switch c.Store.Backend {
	case "postgres", "scylla", "memory":
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	switch c.Telephony.Provider {
	case "twilio", "kafka", "mock":
	default:
		return fmt.Errorf("config: unknown telephony.provider %q", c.Telephony.Provider)
	}
	switch c.Telephony.DialerProvider {
	case "twilio", "mock":
	default:
		return fmt.Errorf("config: unknown telephony.dialer_provider %q", c.Telephony.DialerProvider)
	}
	switch c.Notification.Provider {
	case "twilio", "log":
	default:
		return fmt.Errorf("config: unknown notification.provider %q", c.Notification.Provider)
	}
	if c.Telephony.Provider == "kafka" && !c.Kafka.Enabled() {
		return fmt.Errorf("config: telephony.provider kafka requires kafka.brokers")
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
