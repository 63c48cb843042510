package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"wsync-go/internal/crdt"
	"wsync-go/internal/workspace"
)

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestOSFilesystemManager_Resolve(t *testing.T) {
	m := NewOSFilesystemManager(nil)
	root := t.TempDir()
	writeLocal(t, root, "file.md", "x")

	got, err := m.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != root {
		t.Errorf("Resolve() = %q, want %q", got, root)
	}

	if _, err := m.Resolve(filepath.Join(root, "file.md")); err == nil {
		t.Error("Resolve(file) expected error")
	}
	if _, err := m.Resolve(filepath.Join(root, "missing")); err == nil {
		t.Error("Resolve(missing) expected error")
	}

	link := filepath.Join(root, "link")
	if err := os.Symlink(root, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := m.Resolve(link); err == nil {
		t.Error("Resolve(symlink) expected error")
	}
}

func TestOSFilesystemManager_FindFiles(t *testing.T) {
	root := t.TempDir()
	writeLocal(t, root, "a.md", "a")
	writeLocal(t, root, "notes/b.md", "b")
	writeLocal(t, root, "notes/debug.log", "noise")
	writeLocal(t, root, "build/out.md", "generated")

	m := NewOSFilesystemManager(NewIgnoreMatcher([]string{"*.log", "build/"}))
	entries, err := m.FindFiles(root)
	if err != nil {
		t.Fatalf("FindFiles() error = %v", err)
	}

	var got []string
	for _, e := range entries {
		got = append(got, e.Path)
	}
	want := []string{"/a.md", "/notes", "/notes/b.md"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindFiles() paths mismatch (-want +got):\n%s", diff)
	}
	if !entries[1].IsDir || entries[2].IsDir {
		t.Errorf("IsDir flags wrong: %+v", entries)
	}
}

func TestOSFilesystemManager_ReadFile_RejectsBinary(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "blob.bin")
	if err := os.WriteFile(p, []byte{0xff, 0xfe, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewOSFilesystemManager(nil).ReadFile(p); err == nil {
		t.Error("ReadFile() expected error for invalid UTF-8")
	}
}

func TestOSFilesystemManager_WriteFile(t *testing.T) {
	root := t.TempDir()
	m := NewOSFilesystemManager(nil)
	dest := filepath.Join(root, "out.md")

	if err := m.WriteFile(dest, "first"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := m.WriteFile(dest, "second"); err != nil {
		t.Fatalf("WriteFile() overwrite error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}

	leftovers, _ := filepath.Glob(filepath.Join(root, ".tmp-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestImportOps(t *testing.T) {
	t.Run("new tree", func(t *testing.T) {
		root := t.TempDir()
		writeLocal(t, root, "readme.md", "hello")
		writeLocal(t, root, "docs/guide.md", "guide")

		doc := crdt.New("local")
		ops, err := ImportOps(doc, NewOSFilesystemManager(nil), root, false)
		if err != nil {
			t.Fatalf("ImportOps() error = %v", err)
		}
		want := []workspace.Operation{
			{Kind: workspace.OpMkdir, Path: "/docs"},
			workspace.WriteFileOp("/docs/guide.md", "guide"),
			workspace.WriteFileOp("/readme.md", "hello"),
		}
		if diff := cmp.Diff(want, ops); diff != "" {
			t.Errorf("ImportOps() mismatch (-want +got):\n%s", diff)
		}

		if err := workspace.Apply(doc, ops...); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		got, err := workspace.ReadFile(doc, "/docs/guide.md")
		if err != nil || got != "guide" {
			t.Errorf("ReadFile() = %q, %v", got, err)
		}
	})

	t.Run("unchanged files are skipped", func(t *testing.T) {
		root := t.TempDir()
		writeLocal(t, root, "same.md", "same")
		writeLocal(t, root, "edited.md", "new text")

		doc := crdt.New("local")
		if err := workspace.Apply(doc,
			workspace.WriteFileOp("/same.md", "same"),
			workspace.WriteFileOp("/edited.md", "old text"),
		); err != nil {
			t.Fatal(err)
		}

		ops, err := ImportOps(doc, NewOSFilesystemManager(nil), root, false)
		if err != nil {
			t.Fatalf("ImportOps() error = %v", err)
		}
		want := []workspace.Operation{workspace.WriteFileOp("/edited.md", "new text")}
		if diff := cmp.Diff(want, ops); diff != "" {
			t.Errorf("ImportOps() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("prune removes missing and keeps ignored", func(t *testing.T) {
		root := t.TempDir()
		writeLocal(t, root, "keep.md", "keep")

		doc := crdt.New("local")
		if err := workspace.Apply(doc,
			workspace.WriteFileOp("/keep.md", "keep"),
			workspace.WriteFileOp("/gone/a.md", "a"),
			workspace.WriteFileOp("/gone/b.md", "b"),
			workspace.WriteFileOp("/trace.log", "log"),
		); err != nil {
			t.Fatal(err)
		}

		m := NewOSFilesystemManager(NewIgnoreMatcher([]string{"*.log"}))
		ops, err := ImportOps(doc, m, root, true)
		if err != nil {
			t.Fatalf("ImportOps() error = %v", err)
		}
		want := []workspace.Operation{{Kind: workspace.OpRemove, Path: "/gone"}}
		if diff := cmp.Diff(want, ops); diff != "" {
			t.Errorf("ImportOps() mismatch (-want +got):\n%s", diff)
		}
		if err := workspace.Apply(doc, ops...); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	})

	t.Run("file replaced by directory", func(t *testing.T) {
		root := t.TempDir()
		writeLocal(t, root, "notes/today.md", "today")

		doc := crdt.New("local")
		if err := workspace.Apply(doc, workspace.WriteFileOp("/notes", "was a file")); err != nil {
			t.Fatal(err)
		}

		ops, err := ImportOps(doc, NewOSFilesystemManager(nil), root, true)
		if err != nil {
			t.Fatalf("ImportOps() error = %v", err)
		}
		if err := workspace.Apply(doc, ops...); err != nil {
			t.Fatalf("Apply(%v) error = %v", ops, err)
		}
		got, err := workspace.ReadFile(doc, "/notes/today.md")
		if err != nil || got != "today" {
			t.Errorf("ReadFile() = %q, %v", got, err)
		}
	})
}

func TestExport(t *testing.T) {
	doc := crdt.New("local")
	if err := workspace.Apply(doc,
		workspace.WriteFileOp("/readme.md", "hello"),
		workspace.WriteFileOp("/docs/guide.md", "guide"),
		workspace.Operation{Kind: workspace.OpMkdir, Path: "/empty"},
	); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(t.TempDir(), "out")
	m := NewOSFilesystemManager(nil)
	n, err := Export(doc, m, root)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Export() wrote %d files, want 2", n)
	}

	data, err := os.ReadFile(filepath.Join(root, "docs", "guide.md"))
	if err != nil || string(data) != "guide" {
		t.Errorf("guide.md = %q, %v", data, err)
	}
	if info, err := os.Stat(filepath.Join(root, "empty")); err != nil || !info.IsDir() {
		t.Errorf("empty dir not created: %v", err)
	}

	// Re-importing an export yields no operations.
	ops, err := ImportOps(doc, m, root, true)
	if err != nil {
		t.Fatalf("ImportOps() error = %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("ImportOps() after export = %v, want none", ops)
	}
}
