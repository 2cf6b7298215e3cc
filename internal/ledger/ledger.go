// Package ledger implements per-module, append-only hash-chained audit logs.
//
// Every entry records the digest of the entry before it, so editing any
// stored log text is detectable by recomputing hash.Digest(previousHash, log).
package ledger

import (
	"fmt"
	"sync"

	"github.com/witnz/auditsync/internal/hash"
)

// LogEntry is the external evidence format. The three field names are
// consumed by audit tooling and must stay stable.
type LogEntry struct {
	Log          string `json:"log"`
	PreviousHash string `json:"previousHash"`
	Hash         string `json:"hash"`
}

// NewEntry builds the entry that follows previousHash.
func NewEntry(previousHash, log string) LogEntry {
	return LogEntry{
		Log:          log,
		PreviousHash: previousHash,
		Hash:         hash.Digest(previousHash, log),
	}
}

// Valid reports whether the stored hash matches the stored content.
func (e LogEntry) Valid() bool {
	return hash.Digest(e.PreviousHash, e.Log) == e.Hash
}

// Persister makes an appended entry durable before it becomes visible.
type Persister interface {
	Persist(module string, position uint64, entry LogEntry) error
}

type Ledger struct {
	module    string
	persister Persister

	mu      sync.RWMutex
	entries []LogEntry
}

// New creates a ledger for module. Existing entries, if any, are adopted as
// the chain's history; persister may be nil for an in-memory ledger.
func New(module string, persister Persister, existing ...LogEntry) *Ledger {
	entries := make([]LogEntry, len(existing))
	copy(entries, existing)

	return &Ledger{
		module:    module,
		persister: persister,
		entries:   entries,
	}
}

func (l *Ledger) Module() string {
	return l.module
}

// Append chains logText onto the current head. Appends to one ledger are
// serialized; a persistence failure leaves the chain untouched.
func (l *Ledger) Append(logText string) (LogEntry, error) {
	_, entry, err := l.AppendIndexed(logText)
	return entry, err
}

// AppendIndexed is Append that also reports the entry's position.
func (l *Ledger) AppendIndexed(logText string) (uint64, LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head := ""
	if n := len(l.entries); n > 0 {
		head = l.entries[n-1].Hash
	}

	entry := NewEntry(head, logText)
	position := uint64(len(l.entries))

	if l.persister != nil {
		if err := l.persister.Persist(l.module, position, entry); err != nil {
			return 0, LogEntry{}, fmt.Errorf("failed to persist %s entry %d: %w", l.module, position, err)
		}
	}

	l.entries = append(l.entries, entry)
	return position, entry, nil
}

// Entries returns a copy of the chain in append order.
func (l *Ledger) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]LogEntry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the hash of the last entry, or "" for an empty chain.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1].Hash
}

// Verify checks the ledger's own chain. Appends may continue meanwhile.
func (l *Ledger) Verify() error {
	return Verify(l.module, l.Entries())
}

// Verify walks a chain from position 0. The first broken link or digest
// mismatch is returned as a *TamperError.
func Verify(module string, entries []LogEntry) error {
	chain := hash.NewChain("")

	for i, entry := range entries {
		if expected := chain.Head(); entry.PreviousHash != expected {
			return &TamperError{
				Module:   module,
				Position: uint64(i),
				Reason:   ReasonBrokenLink,
				Expected: expected,
				Actual:   entry.PreviousHash,
			}
		}

		recomputed := chain.Next(entry.Log)
		if recomputed != entry.Hash {
			return &TamperError{
				Module:   module,
				Position: uint64(i),
				Reason:   ReasonHashMismatch,
				Expected: recomputed,
				Actual:   entry.Hash,
			}
		}
	}

	return nil
}
