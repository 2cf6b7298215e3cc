// Package consensus replicates ledger appends across nodes with raft. The
// leader's Node is the ledger's Persister: an append is visible only after
// a quorum has stored it.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/storage"
)

var ErrNotLeader = errors.New("consensus: not the leader")

const applyTimeout = 10 * time.Second

type NodeConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
	LogLevel      string
}

type Node struct {
	config  *NodeConfig
	raft    *raft.Raft
	fsm     *FSM
	storage *storage.Storage
	logger  *slog.Logger
	now     func() time.Time

	leaderCh chan bool
	done     chan struct{}
	onChange []func(isLeader bool)
}

func NewNode(cfg *NodeConfig, store *storage.Storage, logger *slog.Logger) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Node{
		config:   cfg,
		storage:  store,
		logger:   logger,
		now:      time.Now,
		leaderCh: make(chan bool, 1),
		done:     make(chan struct{}),
	}, nil
}

// OnLeadershipChange registers fn to run whenever this node gains or loses
// leadership. Register before Start.
func (n *Node) OnLeadershipChange(fn func(isLeader bool)) {
	n.onChange = append(n.onChange, fn)
}

func (n *Node) watchLeadership() {
	for {
		select {
		case <-n.done:
			return
		case isLeader := <-n.leaderCh:
			n.logger.Info("Raft leadership changed", "node_id", n.config.NodeID, "leader", isLeader)
			for _, fn := range n.onChange {
				fn(isLeader)
			}
		}
	}
}

func (n *Node) raftLogger() hclog.Logger {
	level := n.config.LogLevel
	if level == "" {
		level = "warn"
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}

func (n *Node) Start(ctx context.Context) error {
	hlog := n.raftLogger()

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.NodeID)
	raftConfig.Logger = hlog
	raftConfig.NotifyCh = n.leaderCh

	raftDir := filepath.Join(n.config.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(raftDir, 2, hlog)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(n.config.BindAddr, addr, 3, 10*time.Second, hlog)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	n.fsm = NewFSM(n.storage)

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	n.raft = ra
	go n.watchLeadership()

	if n.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}

		if !hasState {
			servers := []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			}

			for peerID, peerAddr := range n.config.PeerAddrs {
				servers = append(servers, raft.Server{
					ID:      raft.ServerID(peerID),
					Address: raft.ServerAddress(peerAddr),
				})
			}

			future := ra.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := future.Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			n.logger.Info("Raft cluster bootstrapped", "node_id", n.config.NodeID, "servers", len(servers))
		}
	} else if len(n.config.PeerAddrs) > 0 {
		if err := n.waitForMembership(ctx); err != nil {
			return fmt.Errorf("failed to wait for leader: %w", err)
		}
	}

	return nil
}

// waitForMembership blocks until a leader exists and lists this node in the
// cluster configuration.
func (n *Node) waitForMembership(ctx context.Context) error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = 30
	}
	retryWait := n.config.JoinRetryWait
	if retryWait == 0 {
		retryWait = 1 * time.Second
	}

	for i := 0; i < retries; i++ {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			future := n.raft.GetConfiguration()
			if err := future.Error(); err == nil {
				for _, server := range future.Configuration().Servers {
					if server.ID == raft.ServerID(n.config.NodeID) {
						return nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait):
		}
	}

	return fmt.Errorf("timeout waiting for leader after %d retries", retries)
}

// WaitForLeader blocks until some node, possibly this one, leads the cluster.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.Leader() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) Stop() error {
	if n.raft != nil {
		defer close(n.done)
		future := n.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return nil
}

// Persist replicates one ledger append. Only the leader accepts appends;
// the FSM's verdict on the entry is returned as the error.
func (n *Node) Persist(module string, position uint64, entry ledger.LogEntry) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}

	data, err := json.Marshal(&Command{
		Type:         CommandAppend,
		Module:       module,
		Position:     position,
		Log:          entry.Log,
		PreviousHash: entry.PreviousHash,
		Hash:         entry.Hash,
		Timestamp:    n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}

	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *Node) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

func (n *Node) AddPeer(id, addr string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

func (n *Node) RemovePeer(id string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	future := n.raft.RemoveServer(raft.ServerID(id), 0, 0)
	return future.Error()
}

func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}
