package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/witnz/auditsync/internal/config"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/score"
	"github.com/witnz/auditsync/internal/storage"
	"github.com/witnz/auditsync/internal/verify"
)

const version = "v0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "auditsync",
	Short: "auditsync - tamper-evident audit trail for cross-module sync",
	Long:  `Validates, hash-chains, scores and dispatches business module sync payloads`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "auditsync.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	submitCmd.Flags().String("server", "", "base URL of a running node (defaults to node.http_addr)")
	exportCmd.Flags().StringP("output", "o", "", "write the export to a file instead of stdout")
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(scoreCmd)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "auditsync.db")
}

func openStorage(cfg *config.Config) (*storage.Storage, error) {
	store, err := storage.New(dbPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

func newMetricsSource(ctx context.Context, cfg *config.Config) (score.Source, func(), error) {
	if cfg.Metrics.Source != config.MetricsPostgres {
		return score.StaticSource{Metrics: cfg.Metrics.StaticMetrics()}, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return score.NewPostgresSource(pool), pool.Close, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditsync %s\n", version)
		fmt.Println("Tamper-evident audit trail for cross-module sync")
	},
}

const sampleConfig = `node:
  id: node1
  data_dir: ./data
  http_addr: ":8080"
  bind_addr: 127.0.0.1:7000
  bootstrap: true

raft:
  enabled: false

sync:
  transport: memory
  max_clock_skew: ""
  retry:
    retries: 3
    delay_ms: 1000
  topics:
    hr: sync.hr
    audit: sync.audit
    kpi: sync.kpi
    operations: sync.operations
    finance: sync.finance
    promotion: sync.promotion
    risk: sync.risk

ledger:
  verify_interval: 1h

metrics:
  source: static
  organization: default
  static:
    failed_logins: 0
    audit_violations: 0
    encrypted_fields: 0
    total_checks: 0

database:
  host: localhost
  port: 5432
  database: auditsync
  user: auditsync
  password: ${AUDITSYNC_DB_PASSWORD}

outbox:
  enabled: false
  table: sync_outbox

alerts:
  enabled: false
  slack_webhook: ${SLACK_WEBHOOK_URL}

telemetry:
  endpoint: ""
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config and initialize the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(cfgFile); err == nil && !force {
			fmt.Printf("Config already exists: %s\n", cfgFile)
		} else {
			if err := os.WriteFile(cfgFile, []byte(sampleConfig), 0644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote sample config: %s\n", cfgFile)
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Initialized auditsync node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Database path: %s\n", dbPath(cfg))
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <module> [payload-json]",
	Short: "Submit a payload to a running node (reads stdin without a payload argument)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			server = baseURL(cfg.Node.HTTPAddr)
		}

		var body []byte
		if len(args) == 2 {
			body = []byte(args[1])
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			body = data
		}
		if !json.Valid(body) {
			return fmt.Errorf("payload is not valid JSON")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/v1/sync/"+args[0], bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to submit: %w", err)
		}
		defer resp.Body.Close()

		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		var pretty bytes.Buffer
		if json.Indent(&pretty, out, "", "  ") == nil {
			out = pretty.Bytes()
		}
		fmt.Println(strings.TrimSpace(string(out)))

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("submission not dispatched: %s", resp.Status)
		}
		return nil
	},
}

func baseURL(httpAddr string) string {
	if strings.HasPrefix(httpAddr, ":") {
		httpAddr = "localhost" + httpAddr
	}
	return "http://" + httpAddr
}

var verifyCmd = &cobra.Command{
	Use:   "verify [module]",
	Short: "Verify hash chain integrity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		auditor := verify.NewAuditor(store, nil, logger)

		modules := args
		if len(modules) == 0 {
			modules, err = store.Modules()
			if err != nil {
				return fmt.Errorf("failed to list modules: %w", err)
			}
		}

		failed := 0
		for _, module := range modules {
			fmt.Printf("Verifying module: %s\n", module)
			report, err := auditor.VerifyModule(module)
			if err != nil {
				failed++
				fmt.Printf("  ❌ FAILED: %v\n", err)
				continue
			}
			fmt.Printf("  ✅ OK: %d entries, merkle root %s\n", report.Entries, short(report.MerkleRoot))
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d ledgers failed verification", failed, len(modules))
		}
		return nil
	},
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		auditor := verify.NewAuditor(store, nil, nil)

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Raft: %t\n", cfg.Raft.Enabled)
		fmt.Printf("Transport: %s\n", cfg.Sync.Transport)
		fmt.Printf("\nModules:\n")

		for _, module := range sortedKeys(cfg.Sync.Topics) {
			fmt.Printf("  - %s -> %s\n", module, cfg.Sync.Topics[module])

			latest, err := store.LatestEntry(module)
			if err != nil {
				fmt.Printf("    No entries yet\n")
				continue
			}
			fmt.Printf("    Latest position: %d\n", latest.Position)
			fmt.Printf("    Latest hash: %s\n", short(latest.Hash))

			if checkpoint, err := auditor.Checkpoint(module); err == nil {
				fmt.Printf("    Last verified: %s (%d entries)\n", checkpoint.VerifiedAt.Format(time.RFC3339), checkpoint.Entries)
			}
		}

		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <module>",
	Short: "Export a module's ledger as JSON evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		export, err := verify.NewAuditor(store, nil, nil).Export(args[0])
		if err != nil {
			if errors.Is(err, ledger.ErrTampered) {
				return fmt.Errorf("ledger has a gap, refusing to export: %w", err)
			}
			return fmt.Errorf("failed to export: %w", err)
		}

		data, err := json.MarshalIndent(export, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal export: %w", err)
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Printf("Exported %d entries of %s to %s\n", len(export.Entries), args[0], output)
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score [organization]",
	Short: "Compute the current security score",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		organization := cfg.Metrics.Organization
		if len(args) == 1 {
			organization = args[0]
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		source, closeSource, err := newMetricsSource(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeSource()

		metrics, err := source.Snapshot(ctx, organization)
		if err != nil {
			return fmt.Errorf("failed to read metrics: %w", err)
		}

		fmt.Printf("Organization: %s\n", organization)
		fmt.Printf("Failed logins: %d\n", metrics.FailedLogins)
		fmt.Printf("Audit violations: %d\n", metrics.AuditViolations)
		fmt.Printf("Encrypted fields: %d\n", metrics.EncryptedFields)
		fmt.Printf("Security score: %.1f\n", score.Score(metrics))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
