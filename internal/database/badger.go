package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"wsync-go/internal/wsync"
)

var (
	recordPrefix    = []byte("record/")
	operationPrefix = []byte("op/")
	sequenceKey     = []byte("seq/operations")
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   wsync.Logger
	Clock    wsync.Clock
}

// BadgerStore implements wsync.Store on a Badger key-value database.
// Records live under record/<scope key>; operations under op/<id> with a
// zero-padded id so that key order is id order.
type BadgerStore struct {
	db    *badger.DB
	seq   *badger.Sequence
	clock wsync.Clock

	// mu makes the read-modify-write of FinishSyncOperation atomic with
	// respect to other writers in this process.
	mu sync.Mutex
}

type badgerRecord struct {
	SyncedVersion []byte    `json:"synced_version"`
	LastSyncedAt  time.Time `json:"last_synced_at"`
	Snapshot      []byte    `json:"snapshot"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type badgerOperation struct {
	ID         int64     `json:"id"`
	ScopeKey   string    `json:"scope_key"`
	Operation  string    `json:"operation"`
	Parameters string    `json:"parameters"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// badgerLogger routes Badger's printf-style logging to a wsync.Logger.
type badgerLogger struct {
	logger wsync.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

// NewBadgerStore opens (or creates) a Badger store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger store requires a directory")
		}
		if err := os.MkdirAll(opts.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Dir, err)
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open operation sequence: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = wsync.RealClock{}
	}
	return &BadgerStore{db: db, seq: seq, clock: clock}, nil
}

func recordKey(key string) []byte {
	return append(append([]byte{}, recordPrefix...), key...)
}

func operationKey(id int64) []byte {
	return fmt.Appendf(append([]byte{}, operationPrefix...), "%020d", id)
}

func (s *BadgerStore) Get(key string) (*wsync.SyncRecord, error) {
	var rec badgerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync record: %w", err)
	}
	return &wsync.SyncRecord{
		SyncedVersion: rec.SyncedVersion,
		LastSyncedAt:  rec.LastSyncedAt,
		Snapshot:      rec.Snapshot,
	}, nil
}

func (s *BadgerStore) Set(key string, rec *wsync.SyncRecord) error {
	data, err := json.Marshal(badgerRecord{
		SyncedVersion: rec.SyncedVersion,
		LastSyncedAt:  rec.LastSyncedAt,
		Snapshot:      rec.Snapshot,
		UpdatedAt:     s.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding sync record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(key), data)
	})
	if err != nil {
		return fmt.Errorf("saving sync record: %w", err)
	}
	return nil
}

func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(key))
	})
	if err != nil {
		return fmt.Errorf("deleting sync record: %w", err)
	}
	return nil
}

// Keys returns the scope keys that have a record, in key order.
func (s *BadgerStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(recordPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sync records: %w", err)
	}
	return keys, nil
}

func (s *BadgerStore) CreateSyncOperation(scopeKey, operation, parameters string, startedAt time.Time) (*wsync.SyncOperation, error) {
	next, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("allocating sync operation id: %w", err)
	}
	// Sequences start at zero; ids start at one like SQLite rowids.
	op := badgerOperation{
		ID:         int64(next) + 1,
		ScopeKey:   scopeKey,
		Operation:  operation,
		Parameters: parameters,
		Status:     wsync.StatusRunning,
		StartedAt:  startedAt.UTC(),
	}
	if err := s.putOperation(op); err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	return op.toSyncOperation(), nil
}

func (s *BadgerStore) FinishSyncOperation(id int64, status string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(operationKey(id))
		if err != nil {
			return err
		}
		var op badgerOperation
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &op) }); err != nil {
			return err
		}
		op.Status = status
		op.FinishedAt = finishedAt.UTC()
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return txn.Set(operationKey(id), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("finishing sync operation: no operation with id %d", id)
	}
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	return nil
}

func (s *BadgerStore) ListSyncOperations(limit int) ([]*wsync.SyncOperation, error) {
	var ops []*wsync.SyncOperation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = operationPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, operationPrefix...), 0xff)
		for it.Seek(seek); it.Valid() && len(ops) < limit; it.Next() {
			var op badgerOperation
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &op) }); err != nil {
				return err
			}
			ops = append(ops, op.toSyncOperation())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return ops, nil
}

func (s *BadgerStore) putOperation(op badgerOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(operationKey(op.ID), data)
	})
}

func (op badgerOperation) toSyncOperation() *wsync.SyncOperation {
	return &wsync.SyncOperation{
		ID:         op.ID,
		ScopeKey:   op.ScopeKey,
		Operation:  op.Operation,
		Parameters: op.Parameters,
		Status:     op.Status,
		StartedAt:  op.StartedAt,
		FinishedAt: op.FinishedAt,
	}
}

// Close releases the id sequence and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("releasing operation sequence: %w", err)
	}
	return s.db.Close()
}

var _ wsync.Store = (*BadgerStore)(nil)
