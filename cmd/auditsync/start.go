package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/witnz/auditsync/internal/alert"
	"github.com/witnz/auditsync/internal/api"
	"github.com/witnz/auditsync/internal/config"
	"github.com/witnz/auditsync/internal/consensus"
	"github.com/witnz/auditsync/internal/dispatch"
	"github.com/witnz/auditsync/internal/integrity"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/orchestrator"
	"github.com/witnz/auditsync/internal/outbox"
	"github.com/witnz/auditsync/internal/telemetry"
	"github.com/witnz/auditsync/internal/verify"
)

const (
	shutdownTimeout   = 5 * time.Second
	leaderWaitTimeout = 30 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start auditsync node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	fmt.Printf("Starting auditsync node: %s\n", cfg.Node.ID)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ledgerStore := ledger.NewStore(store)
	var persister ledger.Persister = ledgerStore

	var raftNode *consensus.Node
	if cfg.Raft.Enabled {
		raftNode, err = consensus.NewNode(&consensus.NodeConfig{
			NodeID:      cfg.Node.ID,
			BindAddr:    cfg.Node.BindAddr,
			DataDir:     cfg.Node.DataDir,
			Bootstrap:   cfg.Node.Bootstrap,
			PeerAddrs:   cfg.Node.PeerAddrs,
			JoinRetries: cfg.Raft.JoinRetries,
			LogLevel:    cfg.Raft.LogLevel,
		}, store, logger)
		if err != nil {
			return fmt.Errorf("failed to create raft node: %w", err)
		}
		persister = raftNode
	}

	registry := ledger.NewRegistry(persister, ledgerStore)

	if raftNode != nil {
		raftNode.OnLeadershipChange(func(isLeader bool) {
			// Entries replicated while following are only in storage.
			registry.Reset()
			logger.Info("Raft leadership changed", "is_leader", isLeader)
		})

		fmt.Println("Starting Raft consensus...")
		if err := raftNode.Start(ctx); err != nil {
			return fmt.Errorf("failed to start raft node: %w", err)
		}
		defer raftNode.Stop()

		waitCtx, cancel := context.WithTimeout(ctx, leaderWaitTimeout)
		err := raftNode.WaitForLeader(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("no raft leader elected: %w", err)
		}
		fmt.Printf("Raft node started, leader: %s\n", raftNode.Leader())
	} else {
		fmt.Println("Running in single-node mode (no Raft)")
	}

	var pool *pgxpool.Pool
	if cfg.Sync.Transport == config.TransportPostgres {
		fmt.Printf("Connecting to PostgreSQL: %s:%d/%s\n",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
		pool, err = pgxpool.New(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer pool.Close()
	}

	var transport dispatch.Transport
	if pool != nil {
		transport = dispatch.NewPostgresTransport(pool)
	} else {
		transport = dispatch.NewMemoryTransport()
	}

	router, err := dispatch.NewRouter(cfg.DispatchConfig(), transport, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatch router: %w", err)
	}

	metrics, closeMetrics, err := newMetricsSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMetrics()

	alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

	orch, err := orchestrator.New(orchestrator.Config{
		Validator:    integrity.NewValidator(integrity.WithMaxSkew(cfg.MaxClockSkew())),
		Ledgers:      registry,
		Metrics:      metrics,
		Router:       router,
		Alerts:       alerts,
		Organization: cfg.Metrics.Organization,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	auditor := verify.NewAuditor(store, alerts, logger)
	if err := auditor.Start(ctx, cfg.VerifyInterval()); err != nil {
		return fmt.Errorf("failed to start auditor: %w", err)
	}
	defer auditor.Stop()

	if cfg.Outbox.Enabled {
		manager, err := startOutbox(ctx, cfg, orch, alerts, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := manager.Stop(shutdownCtx); err != nil {
				logger.Warn("Failed to stop outbox replication", "error", err)
			}
		}()
	}

	var cluster api.Cluster
	if raftNode != nil {
		cluster = raftNode
	}

	apiServer, err := api.NewServer(api.Config{
		Orchestrator: orch,
		Auditor:      auditor,
		Metrics:      metrics,
		Organization: cfg.Metrics.Organization,
		Cluster:      cluster,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Node.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	fmt.Printf("Listening on %s\n", cfg.Node.HTTPAddr)
	fmt.Println("auditsync node is running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	fmt.Println("auditsync node stopped")
	return nil
}

func startOutbox(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, alerts *alert.Manager, logger *slog.Logger) (*outbox.Manager, error) {
	manager := outbox.NewManager(&outbox.ReplicationConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SlotName:        cfg.Outbox.SlotName,
		PublicationName: cfg.Outbox.PublicationName,
		Table:           cfg.Outbox.Table,
	}, logger)

	manager.AddHandler(outbox.NewRelay(cfg.Outbox.Table, orch.Submit, alerts, logger))
	manager.SetAlerter(alerts)

	fmt.Println("Initializing outbox replication...")
	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize outbox replication: %w", err)
	}

	fmt.Printf("Relaying %s...\n", cfg.Outbox.Table)
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start outbox replication: %w", err)
	}
	return manager, nil
}
