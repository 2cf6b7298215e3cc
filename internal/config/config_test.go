package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/witnz/auditsync/internal/dispatch"
	"github.com/witnz/auditsync/internal/score"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "auditsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  port: 5432
  database: testdb
  user: testuser
  password: testpass

node:
  id: node1
  bind_addr: 0.0.0.0:7000
  http_addr: 0.0.0.0:8080
  data_dir: /tmp/data
  bootstrap: true
  peer_addrs:
    node2: 10.0.0.2:7000

raft:
  enabled: true

sync:
  transport: postgres
  max_clock_skew: 5m
  topics:
    hr: sync.hr
    kpi: sync.kpi
  retry:
    retries: 2
    delay_ms: 250

ledger:
  verify_interval: 1h

metrics:
  source: static
  organization: acme
  static:
    failed_logins: 3
    encrypted_fields: 4

outbox:
  enabled: true

alerts:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Host != "localhost" {
		t.Errorf("expected host=localhost, got %s", cfg.Database.Host)
	}
	if cfg.Node.ID != "node1" || cfg.Node.PeerAddrs["node2"] != "10.0.0.2:7000" {
		t.Errorf("unexpected node config %+v", cfg.Node)
	}

	want := dispatch.Config{
		Topics: dispatch.TopicMap{"hr": "sync.hr", "kpi": "sync.kpi"},
		Retry:  dispatch.RetryPolicy{Retries: 2, Delay: 250 * time.Millisecond},
	}
	if diff := cmp.Diff(want, cfg.DispatchConfig()); diff != "" {
		t.Errorf("dispatch config mismatch (-want +got):\n%s", diff)
	}

	if cfg.MaxClockSkew() != 5*time.Minute {
		t.Errorf("expected 5m skew, got %v", cfg.MaxClockSkew())
	}
	if cfg.VerifyInterval() != time.Hour {
		t.Errorf("expected 1h verify interval, got %v", cfg.VerifyInterval())
	}

	wantMetrics := score.Metrics{FailedLogins: 3, EncryptedFields: 4}
	if got := cfg.Metrics.StaticMetrics(); got != wantMetrics {
		t.Errorf("expected %+v, got %+v", wantMetrics, got)
	}

	if cfg.Outbox.Table != "sync_outbox" || cfg.Outbox.SlotName == "" || cfg.Outbox.PublicationName == "" {
		t.Errorf("outbox defaults not applied: %+v", cfg.Outbox)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node1
  data_dir: /tmp/data
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Transport != TransportMemory || cfg.Metrics.Source != MetricsStatic {
		t.Errorf("expected memory transport and static metrics, got %s/%s", cfg.Sync.Transport, cfg.Metrics.Source)
	}
	if cfg.Sync.Retry.Retries != 3 || cfg.Sync.Retry.DelayMS != 1000 {
		t.Errorf("unexpected retry defaults %+v", cfg.Sync.Retry)
	}
	if len(cfg.Sync.Topics) != len(DefaultModules) || cfg.Sync.Topics["risk"] != "sync.risk" {
		t.Errorf("unexpected default topics %v", cfg.Sync.Topics)
	}
	if cfg.Node.HTTPAddr != ":8080" || cfg.Telemetry.ServiceName != "auditsync" {
		t.Errorf("unexpected defaults %+v %+v", cfg.Node, cfg.Telemetry)
	}
	if cfg.NeedsDatabase() {
		t.Error("in-memory config should not need a database")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("AUDITSYNC_TEST_WEBHOOK", "https://hooks.slack.test/abc")

	path := writeConfig(t, `
node:
  id: node1
  data_dir: /tmp/data
alerts:
  enabled: true
  slack_webhook: ${AUDITSYNC_TEST_WEBHOOK}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Alerts.SlackWebhook != "https://hooks.slack.test/abc" {
		t.Errorf("expected expanded webhook, got %s", cfg.Alerts.SlackWebhook)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Node: NodeConfig{ID: "node1", DataDir: "/tmp/data"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing node id", func(c *Config) { c.Node.ID = "" }, true},
		{"missing data dir", func(c *Config) { c.Node.DataDir = "" }, true},
		{"raft without bind addr", func(c *Config) { c.Raft.Enabled = true }, true},
		{"negative retries", func(c *Config) { c.Sync.Retry.Retries = -1 }, true},
		{"negative delay", func(c *Config) { c.Sync.Retry.DelayMS = -1 }, true},
		{"unknown transport", func(c *Config) { c.Sync.Transport = "kafka" }, true},
		{"unknown metrics source", func(c *Config) { c.Metrics.Source = "prometheus" }, true},
		{"bad skew", func(c *Config) { c.Sync.MaxClockSkew = "soon" }, true},
		{"bad verify interval", func(c *Config) { c.Ledger.VerifyInterval = "daily" }, true},
		{"postgres transport without database", func(c *Config) { c.Sync.Transport = TransportPostgres }, true},
		{"outbox without database", func(c *Config) { c.Outbox.Enabled = true }, true},
		{"postgres metrics with database", func(c *Config) {
			c.Metrics.Source = MetricsPostgres
			c.Database = DatabaseConfig{Host: "db", Database: "audit", User: "auditsync"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatchConfigIsACopy(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	dc := cfg.DispatchConfig()
	dc.Topics["hr"] = "mutated"

	if cfg.Sync.Topics["hr"] != "sync.hr" {
		t.Error("mutating the dispatch config must not change the loaded config")
	}
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5433, Database: "audit", User: "u", Password: "p"}
	want := "host=db port=5433 dbname=audit user=u password=p sslmode=disable"
	if got := db.ConnectionString(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
