package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/witnz/auditsync/internal/dispatch"
	"github.com/witnz/auditsync/internal/score"
)

const (
	TransportMemory   = "memory"
	TransportPostgres = "postgres"

	MetricsStatic   = "static"
	MetricsPostgres = "postgres"
)

// DefaultModules are the business modules that get a topic when the config
// names none.
var DefaultModules = []string{"hr", "audit", "kpi", "operations", "finance", "promotion", "risk"}

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Node      NodeConfig      `mapstructure:"node"`
	Raft      RaftConfig      `mapstructure:"raft"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	HTTPAddr  string            `mapstructure:"http_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type RaftConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	LogLevel    string `mapstructure:"log_level"`
	JoinRetries int    `mapstructure:"join_retries"`
}

type SyncConfig struct {
	Topics       map[string]string `mapstructure:"topics"`
	Retry        RetryConfig       `mapstructure:"retry"`
	Transport    string            `mapstructure:"transport"`
	MaxClockSkew string            `mapstructure:"max_clock_skew"`
}

type RetryConfig struct {
	Retries int `mapstructure:"retries"`
	DelayMS int `mapstructure:"delay_ms"`
}

type LedgerConfig struct {
	VerifyInterval string `mapstructure:"verify_interval"`
}

type MetricsConfig struct {
	Source       string              `mapstructure:"source"`
	Organization string              `mapstructure:"organization"`
	Static       StaticMetricsConfig `mapstructure:"static"`
}

type StaticMetricsConfig struct {
	FailedLogins    int `mapstructure:"failed_logins"`
	AuditViolations int `mapstructure:"audit_violations"`
	EncryptedFields int `mapstructure:"encrypted_fields"`
	TotalChecks     int `mapstructure:"total_checks"`
}

type OutboxConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Table           string `mapstructure:"table"`
	SlotName        string `mapstructure:"slot_name"`
	PublicationName string `mapstructure:"publication_name"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("database.port", 5432)
	v.SetDefault("sync.retry.retries", 3)
	v.SetDefault("sync.retry.delay_ms", 1000)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks required fields and fills defaults in place.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Raft.Enabled && c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required when raft is enabled")
	}
	if c.Node.HTTPAddr == "" {
		c.Node.HTTPAddr = ":8080"
	}

	if len(c.Sync.Topics) == 0 {
		c.Sync.Topics = make(map[string]string, len(DefaultModules))
		for _, m := range DefaultModules {
			c.Sync.Topics[m] = "sync." + m
		}
	}
	if c.Sync.Retry.Retries < 0 {
		return fmt.Errorf("sync.retry.retries must be >= 0")
	}
	if c.Sync.Retry.DelayMS < 0 {
		return fmt.Errorf("sync.retry.delay_ms must be >= 0")
	}

	if c.Sync.Transport == "" {
		c.Sync.Transport = TransportMemory
	}
	if c.Sync.Transport != TransportMemory && c.Sync.Transport != TransportPostgres {
		return fmt.Errorf("invalid sync.transport: %s (valid options: memory, postgres)", c.Sync.Transport)
	}

	if c.Sync.MaxClockSkew != "" {
		if _, err := time.ParseDuration(c.Sync.MaxClockSkew); err != nil {
			return fmt.Errorf("invalid sync.max_clock_skew: %w", err)
		}
	}
	if c.Ledger.VerifyInterval != "" {
		if _, err := time.ParseDuration(c.Ledger.VerifyInterval); err != nil {
			return fmt.Errorf("invalid ledger.verify_interval: %w", err)
		}
	}

	if c.Metrics.Source == "" {
		c.Metrics.Source = MetricsStatic
	}
	if c.Metrics.Source != MetricsStatic && c.Metrics.Source != MetricsPostgres {
		return fmt.Errorf("invalid metrics.source: %s (valid options: static, postgres)", c.Metrics.Source)
	}

	if c.Outbox.Table == "" {
		c.Outbox.Table = "sync_outbox"
	}
	if c.Outbox.SlotName == "" {
		c.Outbox.SlotName = "auditsync_slot"
	}
	if c.Outbox.PublicationName == "" {
		c.Outbox.PublicationName = "auditsync_pub"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "auditsync"
	}

	if c.NeedsDatabase() {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	}

	return nil
}

// NeedsDatabase reports whether any configured component talks to Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.Sync.Transport == TransportPostgres ||
		c.Metrics.Source == MetricsPostgres ||
		c.Outbox.Enabled
}

// DispatchConfig builds the router's immutable configuration.
func (c *Config) DispatchConfig() dispatch.Config {
	topics := make(dispatch.TopicMap, len(c.Sync.Topics))
	for module, topic := range c.Sync.Topics {
		topics[module] = topic
	}

	return dispatch.Config{
		Topics: topics,
		Retry: dispatch.RetryPolicy{
			Retries: c.Sync.Retry.Retries,
			Delay:   time.Duration(c.Sync.Retry.DelayMS) * time.Millisecond,
		},
	}
}

func (c *Config) MaxClockSkew() time.Duration {
	d, _ := time.ParseDuration(c.Sync.MaxClockSkew)
	return d
}

func (c *Config) VerifyInterval() time.Duration {
	d, _ := time.ParseDuration(c.Ledger.VerifyInterval)
	return d
}

func (m *MetricsConfig) StaticMetrics() score.Metrics {
	return score.Metrics{
		FailedLogins:    m.Static.FailedLogins,
		AuditViolations: m.Static.AuditViolations,
		EncryptedFields: m.Static.EncryptedFields,
		TotalChecks:     m.Static.TotalChecks,
	}
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
