// Package store persists in-flight stage waits in BadgerDB so they can be
// reconciled after a process restart.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/policy"
)

const waitPrefix = "wait/"

// WaitRecord is the persisted form of a suspended stage.
type WaitRecord struct {
	Token           string              `json:"token"`
	RunID           string              `json:"runId"`
	StageID         string              `json:"stageId"`
	Unit            domain.UnitMetadata `json:"unit"`
	ChangeStartTime time.Time           `json:"changeStartTime"`
	Policy          policy.Policy       `json:"policy"`
}

// Config holds the options of the wait store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// Store is a badger-backed wait store. It is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens the wait store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open wait store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func waitKey(runID, stageID string) []byte {
	return []byte(waitPrefix + runID + "/" + stageID)
}

// Put writes or replaces the record of a wait.
func (s *Store) Put(rec WaitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding wait record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(waitKey(rec.RunID, rec.StageID), data)
	})
}

// Get returns the record of the wait on the given stage.
func (s *Store) Get(runID, stageID string) (WaitRecord, bool, error) {
	var rec WaitRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(waitKey(runID, stageID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return WaitRecord{}, false, nil
	}
	if err != nil {
		return WaitRecord{}, false, fmt.Errorf("reading wait record: %w", err)
	}
	return rec, true, nil
}

// Delete removes the record of a wait. Deleting a missing record is not an error.
func (s *Store) Delete(runID, stageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(waitKey(runID, stageID))
	})
}

// All returns every persisted wait.
func (s *Store) All() ([]WaitRecord, error) {
	var out []WaitRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(waitPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec WaitRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing wait records: %w", err)
	}
	return out, nil
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
