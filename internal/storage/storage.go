package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	LedgerBucket   = []byte("ledger")
	MetadataBucket = []byte("metadata")
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrEntryExists = errors.New("storage: entry already exists")
)

type Storage struct {
	db *bolt.DB
}

// HashEntry is the persisted form of one ledger entry.
type HashEntry struct {
	Module       string    `json:"module"`
	Position     uint64    `json:"position"`
	Log          string    `json:"log"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	Timestamp    time.Time `json:"timestamp"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{LedgerBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func positionKey(pos uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, pos)
	return key
}

// SaveEntry writes an entry at its position. Positions are write-once.
func (s *Storage) SaveEntry(entry *HashEntry) error {
	if entry.Module == "" {
		return fmt.Errorf("hash entry has no module")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(LedgerBucket).CreateBucketIfNotExists([]byte(entry.Module))
		if err != nil {
			return fmt.Errorf("failed to create module bucket: %w", err)
		}

		key := positionKey(entry.Position)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: %s@%d", ErrEntryExists, entry.Module, entry.Position)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal hash entry: %w", err)
		}

		return bucket.Put(key, data)
	})
}

func (s *Storage) GetEntry(module string, pos uint64) (*HashEntry, error) {
	var entry HashEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LedgerBucket).Bucket([]byte(module))
		if bucket == nil {
			return fmt.Errorf("%w: module %s", ErrNotFound, module)
		}

		data := bucket.Get(positionKey(pos))
		if data == nil {
			return fmt.Errorf("%w: %s@%d", ErrNotFound, module, pos)
		}

		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func (s *Storage) LatestEntry(module string) (*HashEntry, error) {
	var entry HashEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LedgerBucket).Bucket([]byte(module))
		if bucket == nil {
			return fmt.Errorf("%w: module %s", ErrNotFound, module)
		}

		k, v := bucket.Cursor().Last()
		if k == nil {
			return fmt.Errorf("%w: module %s is empty", ErrNotFound, module)
		}

		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// Entries returns all entries of a module in position order. An unknown
// module yields an empty slice.
func (s *Storage) Entries(module string) ([]HashEntry, error) {
	entries := make([]HashEntry, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LedgerBucket).Bucket([]byte(module))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry HashEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// HasModule reports whether any entry was ever stored for module.
func (s *Storage) HasModule(module string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(LedgerBucket).Bucket([]byte(module)) != nil
		return nil
	})
	return found, err
}

func (s *Storage) Modules() ([]string, error) {
	modules := make([]string, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(LedgerBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				modules = append(modules, string(k))
			}
			return nil
		})
	})

	return modules, err
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: metadata key %s", ErrNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}

// Overwrite replaces a stored entry in place, bypassing the write-once
// check. Only the tamper simulation tool uses it.
func (s *Storage) Overwrite(entry *HashEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LedgerBucket).Bucket([]byte(entry.Module))
		if bucket == nil {
			return fmt.Errorf("%w: module %s", ErrNotFound, entry.Module)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal hash entry: %w", err)
		}

		return bucket.Put(positionKey(entry.Position), data)
	})
}
