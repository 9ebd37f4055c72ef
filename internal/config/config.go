// Package config loads the service configuration: defaults, then an
// optional YAML file, then INTAKE_* environment variables and the legacy
// aliases in DefaultEnvAliases.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"intake/internal/admission"
	"intake/internal/bus"
	"intake/internal/bus/mqtt"
	"intake/internal/enrichment"
	intakeerrors "intake/internal/errors"
	"intake/internal/metrics"
	"intake/internal/observability"
	"intake/internal/store"
	"intake/internal/utils/id"
)

const DefaultServiceName = "intake"

// Config is the full service configuration.
type Config struct {
	ServiceName string                      `mapstructure:"service_name" yaml:"service_name"`
	Log         observability.LogConfig     `mapstructure:"log" yaml:"log"`
	Broker      BrokerConfig                `mapstructure:"broker" yaml:"broker"`
	Topics      TopicsConfig                `mapstructure:"topics" yaml:"topics"`
	Admission   AdmissionConfig             `mapstructure:"admission" yaml:"admission"`
	Enrichment  enrichment.Config           `mapstructure:"enrichment" yaml:"enrichment"`
	Store       store.Config                `mapstructure:"store" yaml:"store"`
	Metrics     MetricsConfig               `mapstructure:"metrics" yaml:"metrics"`
	Shutdown    ShutdownConfig              `mapstructure:"shutdown" yaml:"shutdown"`
	Tracing     observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// BrokerConfig is the MQTT connection plus startup retry policy.
type BrokerConfig struct {
	mqtt.Config    `mapstructure:",squash" yaml:",inline"`
	ConnectRetries int `mapstructure:"connect_retries" yaml:"connect_retries"`
}

// TopicsConfig names every topic the service reads or writes.
type TopicsConfig struct {
	Task           string `mapstructure:"task" yaml:"task"`
	Control        string `mapstructure:"control" yaml:"control"`
	Status         string `mapstructure:"status" yaml:"status"`
	ResponsePrefix string `mapstructure:"response_prefix" yaml:"response_prefix"`
	Metrics        string `mapstructure:"metrics" yaml:"metrics"`
}

type AdmissionConfig struct {
	TaskCapacity       int `mapstructure:"task_capacity" yaml:"task_capacity"`
	EnrichmentCapacity int `mapstructure:"enrichment_capacity" yaml:"enrichment_capacity"`
}

type MetricsConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	ListenAddr string        `mapstructure:"listen_addr" yaml:"listen_addr"` // empty disables /metrics
}

type ShutdownConfig struct {
	// Grace is the pause between draining and disconnecting the bus.
	Grace        time.Duration `mapstructure:"grace" yaml:"grace"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// RetryConfig is the startup connect/subscribe retry policy.
func (b BrokerConfig) RetryConfig() intakeerrors.RetryConfig {
	cfg := intakeerrors.DefaultRetryConfig()
	cfg.MaxAttempts = b.ConnectRetries
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", DefaultServiceName)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 1883)
	v.SetDefault("broker.client_id", "")
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.keep_alive", 30*time.Second)
	v.SetDefault("broker.connect_timeout", 10*time.Second)
	v.SetDefault("broker.qos", 1)
	v.SetDefault("broker.inbox_size", 1024)
	v.SetDefault("broker.enqueue_timeout", 100*time.Millisecond)
	v.SetDefault("broker.quiesce", 250*time.Millisecond)
	v.SetDefault("broker.connect_retries", 3)

	v.SetDefault("topics.task", "mcp/+")
	v.SetDefault("topics.control", "mcp_server/control")
	v.SetDefault("topics.status", "response/mcp_server/status")
	v.SetDefault("topics.response_prefix", "response")
	v.SetDefault("topics.metrics", "")

	v.SetDefault("admission.task_capacity", admission.DefaultTaskCapacity)
	v.SetDefault("admission.enrichment_capacity", admission.DefaultEnrichmentCapacity)

	v.SetDefault("enrichment.enabled", true)
	v.SetDefault("enrichment.base_url", "")
	v.SetDefault("enrichment.api_key", "")
	v.SetDefault("enrichment.model", "")
	v.SetDefault("enrichment.timeout", 30*time.Second)
	v.SetDefault("enrichment.rate_limit", 0)
	v.SetDefault("enrichment.burst", 1)
	v.SetDefault("enrichment.default_project", enrichment.DefaultProject)
	v.SetDefault("enrichment.cache_size", 0)
	v.SetDefault("enrichment.breaker.failure_threshold", 5)
	v.SetDefault("enrichment.breaker.success_threshold", 1)
	v.SetDefault("enrichment.breaker.timeout", 30*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.id_strategy", "ksuid")

	v.SetDefault("metrics.interval", metrics.DefaultInterval)
	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("shutdown.grace", time.Second)
	v.SetDefault("shutdown.drain_timeout", 30*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.zipkin_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "")
	v.SetDefault("tracing.service_version", "")
}

// Load reads configuration from path (optional) and the environment, fills
// derived values and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvAliases(v, DefaultEnvAliases()); err != nil {
		return Config{}, fmt.Errorf("bind env aliases: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Topics.Metrics == "" {
		c.Topics.Metrics = "metrics/response/" + c.ServiceName
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = id.NewClientID(c.ServiceName)
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.ServiceName
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Admission.TaskCapacity < 1 {
		add("admission.task_capacity must be at least 1, got %d", c.Admission.TaskCapacity)
	}
	if c.Admission.EnrichmentCapacity < 1 {
		add("admission.enrichment_capacity must be at least 1, got %d", c.Admission.EnrichmentCapacity)
	}
	if c.Admission.EnrichmentCapacity > c.Admission.TaskCapacity {
		add("admission.enrichment_capacity %d exceeds task_capacity %d", c.Admission.EnrichmentCapacity, c.Admission.TaskCapacity)
	}

	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		add("broker.port %d out of range", c.Broker.Port)
	}
	if c.Broker.QoS > 2 {
		add("broker.qos must be 0, 1 or 2, got %d", c.Broker.QoS)
	}
	if c.Broker.ConnectRetries < 0 {
		add("broker.connect_retries must not be negative")
	}

	for name, filter := range map[string]string{"topics.task": c.Topics.Task, "topics.control": c.Topics.Control} {
		if err := bus.ValidateFilter(filter); err != nil {
			add("%s: %w", name, err)
		}
	}
	for name, topic := range map[string]string{"topics.status": c.Topics.Status, "topics.response_prefix": c.Topics.ResponsePrefix, "topics.metrics": c.Topics.Metrics} {
		if topic == "" || strings.ContainsAny(topic, "+#") {
			add("%s must be a concrete topic, got %q", name, topic)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "memory":
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Store.DSN) == "" {
			add("store.dsn is required for the postgres driver")
		}
	default:
		add("store.driver %q is not supported", c.Store.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.IDStrategy)) {
	case "", "ksuid", "uuid", "uuidv7":
	default:
		add("store.id_strategy %q is not supported", c.Store.IDStrategy)
	}

	if c.Enrichment.RateLimit < 0 {
		add("enrichment.rate_limit must not be negative")
	}
	if c.Enrichment.CacheSize < 0 {
		add("enrichment.cache_size must not be negative")
	}
	if c.Metrics.Interval <= 0 {
		add("metrics.interval must be positive")
	}
	if c.Shutdown.Grace < 0 {
		add("shutdown.grace must not be negative")
	}
	if c.Shutdown.DrainTimeout <= 0 {
		add("shutdown.drain_timeout must be positive")
	}
	switch c.Tracing.Exporter {
	case "", "otlp", "zipkin":
	default:
		add("tracing.exporter %q is not supported", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		add("tracing.sample_rate must be within [0, 1]")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

// Sanitized returns a copy with credentials masked, suitable for printing.
func (c Config) Sanitized() Config {
	c.Enrichment.APIKey = observability.SanitizeAPIKey(c.Enrichment.APIKey)
	c.Broker.Password = observability.SanitizeAPIKey(c.Broker.Password)
	c.Store.DSN = sanitizeDSN(c.Store.DSN)
	return c
}

// sanitizeDSN masks the password of a URL-style DSN.
func sanitizeDSN(dsn string) string {
	scheme := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:scheme+3] + userinfo[:colon] + ":***" + dsn[at:]
}
