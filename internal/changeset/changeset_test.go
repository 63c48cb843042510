package changeset

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"wsync-go/internal/crdt"
	"wsync-go/internal/workspace"
)

var ignoreIdentity = []cmp.Option{
	cmpopts.IgnoreFields(Node{}, "ID", "ParentID", "Content"),
	cmpopts.EquateEmpty(),
}

func apply(t *testing.T, doc *crdt.Document, ops ...workspace.Operation) {
	t.Helper()
	if err := workspace.Apply(doc, ops...); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
}

func mkdir(p string) workspace.Operation {
	return workspace.Operation{Kind: workspace.OpMkdir, Path: p}
}

func build(t *testing.T, current, base *crdt.Document) []*Node {
	t.Helper()
	nodes, err := BuildTree(current, base)
	if err != nil {
		t.Fatalf("BuildTree() error: %v", err)
	}
	return nodes
}

func applyDelta(old string, delta []crdt.DeltaOp) string {
	src := []rune(old)
	var out []rune
	pos := 0
	for _, op := range delta {
		switch {
		case op.Retain > 0:
			out = append(out, src[pos:pos+op.Retain]...)
			pos += op.Retain
		case op.Delete > 0:
			pos += op.Delete
		default:
			out = append(out, []rune(op.Insert)...)
		}
	}
	return string(append(out, src[pos:]...))
}

func TestBuildTree_NoBaseline(t *testing.T) {
	doc := crdt.New("a")
	apply(t, doc,
		workspace.WriteFileOp("/file1.txt", "content1"),
		workspace.WriteFileOp("/docs/readme.md", "# hi"),
		workspace.UpdateMetadataOp("/docs/readme.md", map[string]any{"status": "draft"}),
	)

	got := build(t, doc, nil)
	want := []*Node{
		{Type: "file", Name: "file1.txt", FileExtension: "txt", Path: "/file1.txt"},
		{Type: "directory", Name: "docs", Path: "/docs", Children: []*Node{
			{Type: "file", Name: "readme.md", FileExtension: "md", Path: "/docs/readme.md",
				Metadata: map[string]any{"status": "draft"}},
		}},
	}
	if diff := cmp.Diff(want, got, ignoreIdentity...); diff != "" {
		t.Errorf("BuildTree() mismatch (-want +got):\n%s", diff)
	}
	if got[0].Content == nil || got[0].Content.String() != "content1" {
		t.Errorf("Content handle does not read the live text")
	}
	if got[1].Children[0].ParentID != got[1].ID {
		t.Errorf("ParentID = %q, want %q", got[1].Children[0].ParentID, got[1].ID)
	}
}

func TestBuildTree_Changes(t *testing.T) {
	tests := []struct {
		name  string
		setup []workspace.Operation
		edit  []workspace.Operation
		want  []*Node
	}{
		{
			name:  "rename only",
			setup: []workspace.Operation{mkdir("/oldName")},
			edit:  []workspace.Operation{{Kind: workspace.OpRename, Path: "/oldName", Name: "newName"}},
			want: []*Node{{
				Type: "directory", Name: "newName", Path: "/newName",
				Changes: &Changes{
					Action: ActionUpdated,
					Name:   &StringChange{Old: "oldName", New: "newName"},
					Path:   &StringChange{Old: "/oldName", New: "/newName"},
				},
			}},
		},
		{
			name:  "move only",
			setup: []workspace.Operation{mkdir("/a"), mkdir("/b"), workspace.WriteFileOp("/a/f.txt", "")},
			edit:  []workspace.Operation{{Kind: workspace.OpMove, Path: "/a/f.txt", Target: "/b"}},
			want: []*Node{
				{Type: "directory", Name: "a", Path: "/a"},
				{Type: "directory", Name: "b", Path: "/b", Children: []*Node{{
					Type: "file", Name: "f.txt", FileExtension: "txt", Path: "/b/f.txt",
					Changes: &Changes{
						Action: ActionMoved,
						Path:   &StringChange{Old: "/a/f.txt", New: "/b/f.txt"},
					},
				}}},
			},
		},
		{
			name:  "move and rename",
			setup: []workspace.Operation{mkdir("/a"), mkdir("/b"), workspace.WriteFileOp("/a/f.txt", "")},
			edit: []workspace.Operation{
				{Kind: workspace.OpMove, Path: "/a/f.txt", Target: "/b"},
				{Kind: workspace.OpRename, Path: "/b/f.txt", Name: "g.txt"},
			},
			want: []*Node{
				{Type: "directory", Name: "a", Path: "/a"},
				{Type: "directory", Name: "b", Path: "/b", Children: []*Node{{
					Type: "file", Name: "g.txt", FileExtension: "txt", Path: "/b/g.txt",
					Changes: &Changes{
						Action: ActionMoved,
						Name:   &StringChange{Old: "f.txt", New: "g.txt"},
						Path:   &StringChange{Old: "/a/f.txt", New: "/b/g.txt"},
					},
				}}},
			},
		},
		{
			name: "delete directory with descendants",
			setup: []workspace.Operation{
				workspace.WriteFileOp("/keep.txt", ""),
				workspace.WriteFileOp("/d/x.txt", "x"),
				workspace.WriteFileOp("/d/sub/y.txt", "y"),
			},
			edit: []workspace.Operation{{Kind: workspace.OpRemove, Path: "/d"}},
			want: []*Node{
				{Type: "file", Name: "keep.txt", FileExtension: "txt", Path: "/keep.txt"},
				{Type: "directory", Name: "d", Path: "/d", Changes: &Changes{Action: ActionDeleted}, Children: []*Node{
					{Type: "file", Name: "x.txt", FileExtension: "txt", Path: "/d/x.txt", Changes: &Changes{Action: ActionDeleted}},
					{Type: "directory", Name: "sub", Path: "/d/sub", Changes: &Changes{Action: ActionDeleted}, Children: []*Node{
						{Type: "file", Name: "y.txt", FileExtension: "txt", Path: "/d/sub/y.txt", Changes: &Changes{Action: ActionDeleted}},
					}},
				}},
			},
		},
		{
			name:  "deleted file reattached under live parent",
			setup: []workspace.Operation{workspace.WriteFileOp("/d/x.txt", ""), workspace.WriteFileOp("/d/y.txt", "")},
			edit:  []workspace.Operation{{Kind: workspace.OpRemove, Path: "/d/x.txt"}},
			want: []*Node{
				{Type: "directory", Name: "d", Path: "/d", Children: []*Node{
					{Type: "file", Name: "y.txt", FileExtension: "txt", Path: "/d/y.txt"},
					{Type: "file", Name: "x.txt", FileExtension: "txt", Path: "/d/x.txt", Changes: &Changes{Action: ActionDeleted}},
				}},
			},
		},
		{
			name:  "file moved into a directory that is then deleted",
			setup: []workspace.Operation{mkdir("/a"), mkdir("/b"), workspace.WriteFileOp("/a/f.txt", "")},
			edit: []workspace.Operation{
				{Kind: workspace.OpMove, Path: "/a/f.txt", Target: "/b"},
				{Kind: workspace.OpRemove, Path: "/b"},
			},
			want: []*Node{
				{Type: "directory", Name: "a", Path: "/a"},
				{Type: "directory", Name: "b", Path: "/b", Changes: &Changes{Action: ActionDeleted}, Children: []*Node{{
					Type: "file", Name: "f.txt", FileExtension: "txt", Path: "/b/f.txt",
					Changes: &Changes{
						Action: ActionDeleted,
						Path:   &StringChange{Old: "/a/f.txt", New: "/b/f.txt"},
					},
				}}},
			},
		},
		{
			name: "new empty directory",
			edit: []workspace.Operation{mkdir("/new")},
			want: []*Node{{
				Type: "directory", Name: "new", Path: "/new",
				Changes: &Changes{Action: ActionCreated, Path: &StringChange{New: "/new"}},
			}},
		},
		{
			name: "new file with content",
			edit: []workspace.Operation{workspace.WriteFileOp("/n.txt", "abc")},
			want: []*Node{{
				Type: "file", Name: "n.txt", FileExtension: "txt", Path: "/n.txt",
				Changes: &Changes{
					Action:  ActionCreated,
					Path:    &StringChange{New: "/n.txt"},
					Content: &ContentChange{Old: "", Diff: []crdt.DeltaOp{{Insert: "abc"}}},
				},
			}},
		},
		{
			name:  "metadata only",
			setup: []workspace.Operation{workspace.WriteFileOp("/f.md", "")},
			edit:  []workspace.Operation{workspace.UpdateMetadataOp("/f.md", map[string]any{"status": "done"})},
			want: []*Node{{
				Type: "file", Name: "f.md", FileExtension: "md", Path: "/f.md",
				Metadata: map[string]any{"status": "done"},
				Changes: &Changes{
					Action:   ActionUpdated,
					Metadata: map[string]crdt.ValueChange{"status": {Old: nil, New: "done"}},
				},
			}},
		},
		{
			name:  "unchanged tree",
			setup: []workspace.Operation{workspace.WriteFileOp("/same.txt", "s")},
			want: []*Node{
				{Type: "file", Name: "same.txt", FileExtension: "txt", Path: "/same.txt"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := crdt.New("base")
			apply(t, base, tt.setup...)
			current := base.Fork()
			apply(t, current, tt.edit...)

			got := build(t, current, base)
			if diff := cmp.Diff(tt.want, got, ignoreIdentity...); diff != "" {
				t.Errorf("BuildTree() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildTree_TextEdit(t *testing.T) {
	base := crdt.New("base")
	apply(t, base, workspace.WriteFileOp("/f.md", "hello world"))
	current := base.Fork()
	apply(t, current, workspace.WriteFileOp("/f.md", "hello brave world"))

	got := build(t, current, base)
	if len(got) != 1 {
		t.Fatalf("BuildTree() returned %d nodes, want 1", len(got))
	}
	c := got[0].Changes
	if c == nil || c.Action != ActionUpdated {
		t.Fatalf("Changes = %+v, want action updated", c)
	}
	if c.Name != nil || c.Path != nil {
		t.Errorf("text edit reported name/path changes: %+v %+v", c.Name, c.Path)
	}
	if c.Content == nil || c.Content.Old != "hello world" {
		t.Fatalf("Content = %+v, want old %q", c.Content, "hello world")
	}
	if got := applyDelta(c.Content.Old, c.Content.Diff); got != "hello brave world" {
		t.Errorf("old + diff = %q, want %q", got, "hello brave world")
	}
	if got := got[0].Content.String(); got != "hello brave world" {
		t.Errorf("live content = %q", got)
	}
	// The baseline document is left untouched.
	if got, _ := workspace.ReadFile(base, "/f.md"); got != "hello world" {
		t.Errorf("baseline content = %q", got)
	}
}

func TestBuildTree_SnapshotRoundTrip(t *testing.T) {
	doc := crdt.New("a")
	apply(t, doc,
		workspace.WriteFileOp("/a/b/c.md", "text"),
		mkdir("/empty"),
		workspace.UpdateMetadataOp("/a/b/c.md", map[string]any{"n": 1}),
	)
	snap, err := doc.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	restored := crdt.New("b")
	if err := restored.Import(snap); err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	opts := []cmp.Option{cmpopts.IgnoreFields(Node{}, "Content"), cmpopts.EquateEmpty()}
	if diff := cmp.Diff(build(t, doc, nil), build(t, restored, nil), opts...); diff != "" {
		t.Errorf("restored tree mismatch (-orig +restored):\n%s", diff)
	}
}

func TestBuildTree_UnknownType(t *testing.T) {
	doc := crdt.New("a")
	id, err := doc.CreateNode(crdt.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.NodeMap(id).Set(workspace.KeyType, "symlink"); err != nil {
		t.Fatal(err)
	}

	_, err = BuildTree(doc, nil)
	var ierr *InvariantError
	if !errors.As(err, &ierr) || !errors.Is(err, ErrStructuralInvariant) {
		t.Fatalf("BuildTree() error = %v, want InvariantError", err)
	}
	if ierr.Node != id {
		t.Errorf("InvariantError.Node = %q, want %q", ierr.Node, id)
	}
}

func TestBuildTree_UnmergeableRevisions(t *testing.T) {
	// Two documents that reuse one peer ID for different ops cannot merge.
	base := crdt.New("shared")
	for i := 0; i < 2; i++ {
		if _, err := base.CreateNode(crdt.RootID); err != nil {
			t.Fatal(err)
		}
	}
	current := crdt.New("shared")
	id, err := current.CreateNode(crdt.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if err := current.NodeText(id).Insert(0, "ab"); err != nil {
		t.Fatal(err)
	}

	if _, err := BuildTree(current, base); !errors.Is(err, crdt.ErrImport) {
		t.Fatalf("BuildTree() error = %v, want ErrImport", err)
	}
}
