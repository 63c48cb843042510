package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wsync-go/internal/changeset"
	"wsync-go/internal/config"
	"wsync-go/internal/fs"
	"wsync-go/internal/markdiff"
	"wsync-go/internal/workspace"
	"wsync-go/internal/wsync"
)

// newTestConfig returns a config for replica that shares vaultRoot with
// any other replica built from the same root.
func newTestConfig(t *testing.T, replica, vaultRoot string) *config.Config {
	t.Helper()
	cfg := config.NewConfig(replica, t.TempDir())
	cfg.Scope = config.ScopeConfig{Organization: "acme", Project: "handbook"}
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "shared", FSVaultRoot: vaultRoot}}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *WSApp {
	t.Helper()
	a, err := NewWSApp(context.Background(), cfg, operation, Options{})
	if err != nil {
		t.Fatalf("NewWSApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWSApp_ApplyAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	vaultRoot := t.TempDir()

	writer := newTestApp(t, newTestConfig(t, "laptop", vaultRoot), "write")
	if err := writer.Apply(ctx, workspace.WriteFileOp("/guide/intro.md", "# Welcome\n")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if writer.Status().Pending {
		t.Error("Status().Pending = true after accepted push")
	}

	reader := newTestApp(t, newTestConfig(t, "desktop", vaultRoot), "cat")
	got, err := reader.Cat(ctx, "/guide/intro.md")
	if err != nil {
		t.Fatalf("Cat() error = %v", err)
	}
	if got != "# Welcome\n" {
		t.Errorf("Cat() = %q, want %q", got, "# Welcome\n")
	}
}

func TestWSApp_ImportExport(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	for rel, content := range map[string]string{
		"readme.md":       "hello",
		"docs/guide.md":   "guide",
		"docs/trace.log":  "noise",
		fs.IgnoreFileName: "*.log\n",
	} {
		p := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := newTestConfig(t, "laptop", t.TempDir())
	a := newTestApp(t, cfg, "import")
	n, err := a.Import(ctx, src, false)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Import() pushed %d operations, want 3", n)
	}

	again, err := a.Import(ctx, src, false)
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if again != 0 {
		t.Errorf("second Import() pushed %d operations, want 0", again)
	}

	dest := filepath.Join(t.TempDir(), "export")
	written, err := a.Export(ctx, dest)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if written != 2 {
		t.Errorf("Export() wrote %d files, want 2", written)
	}
	data, err := os.ReadFile(filepath.Join(dest, "docs", "guide.md"))
	if err != nil || string(data) != "guide" {
		t.Errorf("exported guide.md = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "docs", "trace.log")); !os.IsNotExist(err) {
		t.Errorf("ignored file was exported (stat err = %v)", err)
	}
}

func TestWSApp_ImportRecordsOperation(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.md"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig(t, "laptop", t.TempDir())
	a, err := NewWSApp(ctx, cfg, "import", Options{})
	if err != nil {
		t.Fatalf("NewWSApp() error = %v", err)
	}
	if _, err := a.Import(ctx, src, false); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b := newTestApp(t, cfg, "history")
	history, err := b.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	var found *wsync.SyncOperation
	for _, op := range history {
		if op.Operation == "import" {
			found = op
		}
	}
	if found == nil {
		t.Fatalf("History() = %+v, want an import entry", history)
	}
	if found.Status != wsync.StatusSuccess || found.Parameters != src {
		t.Errorf("import entry = %+v, want success with parameters %q", found, src)
	}
	if found.FinishedAt.IsZero() {
		t.Error("import entry was not finished")
	}
}

func TestWSApp_PendingChanges(t *testing.T) {
	ctx := context.Background()
	vaultRoot := filepath.Join(t.TempDir(), "vault")
	a := newTestApp(t, newTestConfig(t, "laptop", vaultRoot), "write")

	if err := a.Apply(ctx, workspace.WriteFileOp("/a.md", "hello")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// Unreachable vault: the next push is saved locally and deferred.
	if err := os.RemoveAll(vaultRoot); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(vaultRoot, []byte("not a directory"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := a.Apply(ctx, workspace.WriteFileOp("/a.md", "hello world")); err != nil {
		t.Fatalf("Apply() with unreachable vault error = %v", err)
	}
	if !a.Status().Pending {
		t.Fatal("Status().Pending = false with unreachable vault")
	}

	tree, err := a.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	n := FindNode(tree, "/a.md")
	if n == nil || n.Changes == nil || n.Changes.Action != changeset.ActionUpdated {
		t.Fatalf("/a.md node = %+v, want updated", n)
	}

	out, err := a.ContentDiff(ctx, "/a.md")
	if err != nil {
		t.Fatalf("ContentDiff() error = %v", err)
	}
	if !strings.HasPrefix(out, "hello") || !strings.Contains(out, markdiff.ClassInsert) || !strings.Contains(out, "world") {
		t.Errorf("ContentDiff() = %q, want highlighted insertion", out)
	}

	if _, err := a.ContentDiff(ctx, "/missing.md"); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("ContentDiff(missing) error = %v, want ErrNotFound", err)
	}
}

func TestWSApp_AgeEncryption(t *testing.T) {
	ctx := context.Background()
	vaultRoot := t.TempDir()
	cfg := newTestConfig(t, "laptop", vaultRoot)
	cfg.Encryption.Type = "age"

	if err := InitKeys(cfg, "correct horse"); err != nil {
		t.Fatalf("InitKeys() error = %v", err)
	}
	if err := InitKeys(cfg, "correct horse"); err == nil {
		t.Error("second InitKeys() expected error")
	}

	if _, err := NewWSApp(ctx, cfg, "write", Options{}); err == nil {
		t.Error("NewWSApp() without passphrase expected error")
	}
	wrong := func() (string, error) { return "wrong", nil }
	if _, err := NewWSApp(ctx, cfg, "write", Options{Passphrase: wrong}); err == nil {
		t.Error("NewWSApp() with wrong passphrase expected error")
	}

	right := func() (string, error) { return "correct horse", nil }
	a, err := NewWSApp(ctx, cfg, "write", Options{Passphrase: right})
	if err != nil {
		t.Fatalf("NewWSApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })

	if err := a.Apply(ctx, workspace.WriteFileOp("/secret.md", "plaintext marker")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	docs, err := filepath.Glob(filepath.Join(vaultRoot, "documents", "*.doc"))
	if err != nil || len(docs) != 1 {
		t.Fatalf("vault documents = %v, %v; want one", docs, err)
	}
	stored, err := os.ReadFile(docs[0])
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(stored, []byte("plaintext marker")) {
		t.Error("vault document contains plaintext")
	}
}

func TestNewWSApp_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid config", func(t *testing.T) {
		cfg := newTestConfig(t, "r", t.TempDir())
		cfg.Store.Type = "redis"
		if _, err := NewWSApp(ctx, cfg, "open", Options{}); err == nil {
			t.Fatal("NewWSApp() expected error")
		}
	})

	t.Run("missing scope", func(t *testing.T) {
		cfg := newTestConfig(t, "r", t.TempDir())
		cfg.Scope = config.ScopeConfig{}
		if _, err := NewWSApp(ctx, cfg, "open", Options{}); err == nil {
			t.Fatal("NewWSApp() expected error")
		}
	})

	t.Run("scope override", func(t *testing.T) {
		cfg := newTestConfig(t, "r", t.TempDir())
		cfg.Scope = config.ScopeConfig{}
		scope := wsync.Scope{Organization: "acme", Project: "other"}
		a, err := NewWSApp(ctx, cfg, "open", Options{Scope: scope})
		if err != nil {
			t.Fatalf("NewWSApp() error = %v", err)
		}
		defer a.Close()
		if a.Scope() != scope {
			t.Errorf("Scope() = %+v, want %+v", a.Scope(), scope)
		}
	})

	t.Run("no vaults", func(t *testing.T) {
		cfg := newTestConfig(t, "r", t.TempDir())
		cfg.Vaults = nil
		if _, err := NewWSApp(ctx, cfg, "open", Options{}); err == nil {
			t.Fatal("NewWSApp() expected error")
		}
	})
}

func TestFindNode(t *testing.T) {
	f := &changeset.Node{Name: "f.txt", Path: "/b/f.txt", Changes: &changeset.Changes{Action: changeset.ActionDeleted}}
	tree := []*changeset.Node{
		{Name: "a", Path: "/a"},
		{Name: "b", Path: "/b", Children: []*changeset.Node{f}},
	}

	if got := FindNode(tree, "/b/f.txt"); got != f {
		t.Errorf("FindNode(/b/f.txt) = %+v, want %+v", got, f)
	}
	if got := FindNode(tree, "/a/f.txt"); got != nil {
		t.Errorf("FindNode(/a/f.txt) = %+v, want nil", got)
	}
}
