package database

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"wsync-go/internal/wsync"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func runStoreContract(t *testing.T, open func(t *testing.T) wsync.Store) {
	t.Helper()

	t.Run("missing record", func(t *testing.T) {
		s := open(t)
		rec, err := s.Get("absent")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec != nil {
			t.Errorf("Get() = %+v, want nil", rec)
		}
		if err := s.Delete("absent"); err != nil {
			t.Errorf("Delete() of missing key error = %v", err)
		}
	})

	t.Run("set get replace delete", func(t *testing.T) {
		s := open(t)
		first := &wsync.SyncRecord{
			SyncedVersion: []byte(`{"a":1}`),
			LastSyncedAt:  t0,
			Snapshot:      []byte("snapshot-1"),
		}
		if err := s.Set("k", first); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		got, err := s.Get("k")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got == nil {
			t.Fatal("Get() = nil after Set")
		}
		if !bytes.Equal(got.SyncedVersion, first.SyncedVersion) || !bytes.Equal(got.Snapshot, first.Snapshot) {
			t.Errorf("Get() = %+v, want %+v", got, first)
		}
		if !got.LastSyncedAt.Equal(t0) {
			t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, t0)
		}

		second := &wsync.SyncRecord{SyncedVersion: []byte(`{}`), Snapshot: []byte("snapshot-2")}
		if err := s.Set("k", second); err != nil {
			t.Fatalf("Set() replace error = %v", err)
		}
		got, _ = s.Get("k")
		if string(got.Snapshot) != "snapshot-2" {
			t.Errorf("Snapshot = %q after replace, want %q", got.Snapshot, "snapshot-2")
		}
		if !got.LastSyncedAt.IsZero() {
			t.Errorf("LastSyncedAt = %v, want zero", got.LastSyncedAt)
		}

		if err := s.Delete("k"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if got, _ := s.Get("k"); got != nil {
			t.Errorf("Get() after Delete = %+v, want nil", got)
		}
	})

	t.Run("operations newest first", func(t *testing.T) {
		s := open(t)
		op1, err := s.CreateSyncOperation("scope-a", "open", "", t0)
		if err != nil {
			t.Fatalf("CreateSyncOperation() error = %v", err)
		}
		if op1.ID == 0 {
			t.Error("operation ID should be non-zero")
		}
		if op1.Status != wsync.StatusRunning {
			t.Errorf("Status = %q, want %q", op1.Status, wsync.StatusRunning)
		}
		op2, err := s.CreateSyncOperation("scope-a", "push", "write_file notes.md", t0.Add(time.Second))
		if err != nil {
			t.Fatalf("CreateSyncOperation() error = %v", err)
		}

		ops, err := s.ListSyncOperations(10)
		if err != nil {
			t.Fatalf("ListSyncOperations() error = %v", err)
		}
		if len(ops) != 2 {
			t.Fatalf("got %d operations, want 2", len(ops))
		}
		if ops[0].ID != op2.ID || ops[1].ID != op1.ID {
			t.Errorf("order = [%d %d], want [%d %d]", ops[0].ID, ops[1].ID, op2.ID, op1.ID)
		}
		if ops[0].Parameters != "write_file notes.md" || ops[0].ScopeKey != "scope-a" {
			t.Errorf("ops[0] = %+v", ops[0])
		}

		limited, err := s.ListSyncOperations(1)
		if err != nil {
			t.Fatalf("ListSyncOperations(1) error = %v", err)
		}
		if len(limited) != 1 || limited[0].ID != op2.ID {
			t.Errorf("ListSyncOperations(1) = %+v, want only the newest", limited)
		}
	})

	t.Run("finish operation", func(t *testing.T) {
		s := open(t)
		op, err := s.CreateSyncOperation("scope-a", "push", "", t0)
		if err != nil {
			t.Fatalf("CreateSyncOperation() error = %v", err)
		}
		if err := s.FinishSyncOperation(op.ID, wsync.StatusPending, t0.Add(time.Minute)); err != nil {
			t.Fatalf("FinishSyncOperation() error = %v", err)
		}

		ops, _ := s.ListSyncOperations(1)
		if ops[0].Status != wsync.StatusPending {
			t.Errorf("Status = %q, want %q", ops[0].Status, wsync.StatusPending)
		}
		if !ops[0].FinishedAt.Equal(t0.Add(time.Minute)) {
			t.Errorf("FinishedAt = %v, want %v", ops[0].FinishedAt, t0.Add(time.Minute))
		}

		if err := s.FinishSyncOperation(op.ID+1000, wsync.StatusSuccess, t0); err == nil {
			t.Error("FinishSyncOperation() of unknown id expected error")
		}
	})
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", fixedClock{t0})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(BadgerOptions{InMemory: true, Clock: fixedClock{t0}})
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) wsync.Store { return newTestSQLiteStore(t) })
}

func TestBadgerStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) wsync.Store { return newTestBadgerStore(t) })
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")

	s, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := s.Set("k", &wsync.SyncRecord{SyncedVersion: []byte(`{}`), Snapshot: []byte("snap")}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get("k")
	if err != nil || got == nil || string(got.Snapshot) != "snap" {
		t.Fatalf("Get() after reopen = %+v, %v", got, err)
	}
	if err := reopened.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	if err := s.Set("k", &wsync.SyncRecord{SyncedVersion: []byte(`{}`), Snapshot: []byte("snap")}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	first, err := s.CreateSyncOperation("k", "open", "", t0)
	if err != nil {
		t.Fatalf("CreateSyncOperation() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewBadgerStore(BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get("k")
	if err != nil || got == nil || string(got.Snapshot) != "snap" {
		t.Fatalf("Get() after reopen = %+v, %v", got, err)
	}

	second, err := reopened.CreateSyncOperation("k", "push", "", t0)
	if err != nil {
		t.Fatalf("CreateSyncOperation() error = %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("operation id after reopen = %d, want greater than %d", second.ID, first.ID)
	}
	ops, _ := reopened.ListSyncOperations(10)
	if len(ops) != 2 || ops[0].ID != second.ID {
		t.Errorf("ListSyncOperations() = %+v, want newest first across reopen", ops)
	}
}

func TestStores_Keys(t *testing.T) {
	type keyed interface {
		wsync.Store
		Keys() ([]string, error)
	}
	for name, s := range map[string]keyed{
		"sqlite": newTestSQLiteStore(t),
		"badger": newTestBadgerStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"b", "a"} {
				if err := s.Set(k, &wsync.SyncRecord{SyncedVersion: []byte(`{}`)}); err != nil {
					t.Fatalf("Set(%s) error = %v", k, err)
				}
			}
			keys, err := s.Keys()
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
				t.Errorf("Keys() = %v, want [a b]", keys)
			}
		})
	}
}

func TestSQLiteStore_BackupTo(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.Set("k", &wsync.SyncRecord{SyncedVersion: []byte(`{}`), Snapshot: []byte("snap")}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := s.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	backup, err := NewSQLiteStore(dest, nil)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer backup.Close()

	got, err := backup.Get("k")
	if err != nil || got == nil {
		t.Fatalf("backup Get() = %+v, %v; want record", got, err)
	}
}
