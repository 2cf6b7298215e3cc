package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/witnz/auditsync/internal/hash"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/storage"
)

// FSM applies replicated ledger commands to the local bbolt store.
type FSM struct {
	mu      sync.RWMutex
	storage *storage.Storage
}

func NewFSM(store *storage.Storage) *FSM {
	return &FSM{
		storage: store,
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	switch cmd.Type {
	case CommandAppend:
		return f.applyAppend(&cmd)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyAppend(cmd *Command) interface{} {
	if digest := hash.Digest(cmd.PreviousHash, cmd.Log); digest != cmd.Hash {
		return &ledger.TamperError{
			Module:   cmd.Module,
			Position: cmd.Position,
			Reason:   ledger.ReasonHashMismatch,
			Expected: digest,
			Actual:   cmd.Hash,
		}
	}

	entry := &storage.HashEntry{
		Module:       cmd.Module,
		Position:     cmd.Position,
		Log:          cmd.Log,
		PreviousHash: cmd.PreviousHash,
		Hash:         cmd.Hash,
		Timestamp:    cmd.Timestamp,
	}
	return f.save(entry)
}

// save is idempotent for an identical entry, since raft replays the log
// after a restart.
func (f *FSM) save(entry *storage.HashEntry) error {
	err := f.storage.SaveEntry(entry)
	if !errors.Is(err, storage.ErrEntryExists) {
		return err
	}

	existing, getErr := f.storage.GetEntry(entry.Module, entry.Position)
	if getErr != nil {
		return getErr
	}
	if existing.Hash != entry.Hash {
		return fmt.Errorf("conflicting %s entry at position %d: %w", entry.Module, entry.Position, err)
	}
	return nil
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	modules, err := f.storage.Modules()
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}

	entries := make([]storage.HashEntry, 0)
	for _, module := range modules {
		stored, err := f.storage.Entries(module)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s entries: %w", module, err)
		}
		entries = append(entries, stored...)
	}

	return &fsmSnapshot{entries: entries}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	var snapshot snapshotData
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	for i := range snapshot.HashEntries {
		entry := &snapshot.HashEntries[i]
		if hash.Digest(entry.PreviousHash, entry.Log) != entry.Hash {
			return fmt.Errorf("snapshot entry %s/%d does not match its hash", entry.Module, entry.Position)
		}
		if err := f.save(entry); err != nil {
			return fmt.Errorf("failed to restore hash entry: %w", err)
		}
	}

	return nil
}

type snapshotData struct {
	HashEntries []storage.HashEntry `json:"hash_entries"`
}

type fsmSnapshot struct {
	entries []storage.HashEntry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(snapshotData{HashEntries: s.entries}); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {
}
