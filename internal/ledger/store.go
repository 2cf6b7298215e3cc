package ledger

import (
	"fmt"
	"time"

	"github.com/witnz/auditsync/internal/storage"
)

// Store persists ledger entries in the local bbolt database. It is both the
// single-node Persister and the Loader used to resume chains after restart.
type Store struct {
	storage *storage.Storage
	now     func() time.Time
}

func NewStore(s *storage.Storage) *Store {
	return &Store{storage: s, now: time.Now}
}

func (s *Store) Persist(module string, position uint64, entry LogEntry) error {
	return s.storage.SaveEntry(ToHashEntry(module, position, entry, s.now()))
}

func (s *Store) Load(module string) ([]LogEntry, error) {
	stored, err := s.storage.Entries(module)
	if err != nil {
		return nil, err
	}

	entries := make([]LogEntry, len(stored))
	for i, e := range stored {
		if e.Position != uint64(i) {
			return nil, fmt.Errorf("%s ledger has a gap at position %d", module, i)
		}
		entries[i] = FromHashEntry(e)
	}
	return entries, nil
}

func ToHashEntry(module string, position uint64, entry LogEntry, at time.Time) *storage.HashEntry {
	return &storage.HashEntry{
		Module:       module,
		Position:     position,
		Log:          entry.Log,
		PreviousHash: entry.PreviousHash,
		Hash:         entry.Hash,
		Timestamp:    at,
	}
}

func FromHashEntry(e storage.HashEntry) LogEntry {
	return LogEntry{
		Log:          e.Log,
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
	}
}
