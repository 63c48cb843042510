// Package changeset turns two revisions of a workspace document into an
// annotated forest for review.
package changeset

import (
	"fmt"

	"wsync-go/internal/crdt"
	"wsync-go/internal/workspace"
)

// Action summarizes how a node differs from the baseline.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
	ActionMoved   Action = "moved"
)

// StringChange is an old/new pair. An empty Old means the value did not
// exist in the baseline.
type StringChange struct {
	Old string `json:"old,omitempty"`
	New string `json:"new"`
}

// ContentChange holds the baseline text and the edit that produces the
// current text from it.
type ContentChange struct {
	Old  string         `json:"old"`
	Diff []crdt.DeltaOp `json:"diff"`
}

// Changes is attached to a node only when it differs from the baseline.
type Changes struct {
	Action   Action                      `json:"action"`
	Name     *StringChange               `json:"name,omitempty"`
	Path     *StringChange               `json:"path,omitempty"`
	Content  *ContentChange              `json:"content,omitempty"`
	Metadata map[string]crdt.ValueChange `json:"metadata,omitempty"`
}

// Node is one directory or file of the changeset forest.
type Node struct {
	ID            crdt.TreeID    `json:"id"`
	ParentID      crdt.TreeID    `json:"parentId"`
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	FileExtension string         `json:"fileExtension,omitempty"`
	Path          string         `json:"path"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	// Content reads the live text of a file. Nil for directories.
	Content  *crdt.Text `json:"-"`
	Children []*Node    `json:"children,omitempty"`
	Changes  *Changes   `json:"changes,omitempty"`
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.Type == workspace.TypeDirectory }

// changeIndex holds the three change maps of a diff keyed by node.
type changeIndex struct {
	tree  map[crdt.TreeID]crdt.TreeChange
	maps  map[crdt.TreeID]crdt.MapChange
	texts map[crdt.TreeID]crdt.TextChange
}

func indexDiff(d *crdt.Diff) *changeIndex {
	idx := &changeIndex{
		tree:  make(map[crdt.TreeID]crdt.TreeChange, len(d.Tree)),
		maps:  make(map[crdt.TreeID]crdt.MapChange, len(d.Maps)),
		texts: make(map[crdt.TreeID]crdt.TextChange, len(d.Texts)),
	}
	for _, c := range d.Tree {
		idx.tree[c.Target] = c
	}
	for _, c := range d.Maps {
		idx.maps[c.Node] = c
	}
	for _, c := range d.Texts {
		idx.texts[c.Node] = c
	}
	return idx
}

// baseline is what the walk of the base revision records.
type baseline struct {
	doc   *crdt.Document
	path  map[crdt.TreeID]string
	name  map[crdt.TreeID]string
	text  map[crdt.TreeID]string
	order []crdt.TreeID
	// deleted maps a live parent (or the root) to the topmost removed
	// subtrees last seen under it.
	deleted map[crdt.TreeID][]*Node
}

// BuildTree returns the live forest of current. When base is non-nil every
// node that differs from base carries Changes, and nodes removed since
// base are reattached under their last parent with action "deleted".
func BuildTree(current, base *crdt.Document) ([]*Node, error) {
	if base == nil {
		w := &walker{live: current, current: current}
		return w.walk(crdt.RootID, "")
	}

	fork := base.Fork()
	before := fork.Version()
	update, err := current.ExportUpdate(before)
	if err != nil {
		return nil, fmt.Errorf("exporting current changes: %w", err)
	}
	if err := fork.Import(update); err != nil {
		return nil, fmt.Errorf("merging current into baseline: %w", err)
	}
	diff, err := fork.Diff(before, fork.Version())
	if err != nil {
		return nil, fmt.Errorf("diffing revisions: %w", err)
	}
	changes := indexDiff(diff)

	bl, err := walkBaseline(base, fork, changes)
	if err != nil {
		return nil, err
	}
	w := &walker{live: fork, current: current, changes: changes, base: bl}
	return w.walk(crdt.RootID, "")
}

func walkBaseline(base, fork *crdt.Document, changes *changeIndex) (*baseline, error) {
	bl := &baseline{
		doc:     base,
		path:    make(map[crdt.TreeID]string),
		name:    make(map[crdt.TreeID]string),
		text:    make(map[crdt.TreeID]string),
		deleted: make(map[crdt.TreeID][]*Node),
	}
	var visit func(parent crdt.TreeID, prefix string) error
	visit = func(parent crdt.TreeID, prefix string) error {
		for _, id := range base.Children(parent) {
			name := workspace.NodeName(base, id)
			p := prefix + "/" + name
			bl.path[id] = p
			bl.name[id] = name
			bl.order = append(bl.order, id)
			if _, ok := changes.texts[id]; ok {
				bl.text[id] = base.NodeText(id).String()
			}
			if err := visit(id, p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(crdt.RootID, ""); err != nil {
		return nil, err
	}

	// Synthesize removed subtrees, then hang each one under the nearest
	// removed ancestor or, failing that, its last live parent.
	removed := make(map[crdt.TreeID]*Node)
	for _, id := range bl.order {
		if !fork.IsDeleted(id) {
			continue
		}
		node, err := bl.deletedNode(fork, id)
		if err != nil {
			return nil, err
		}
		removed[id] = node
	}
	for _, id := range bl.order {
		node := removed[id]
		if node == nil {
			continue
		}
		parent := node.ParentID
		for parent != crdt.RootID && removed[parent] == nil && fork.IsDeleted(parent) {
			next, ok := fork.Parent(parent)
			if !ok {
				return nil, &InvariantError{Node: parent, Reason: "deleted ancestor has no parent"}
			}
			parent = next
		}
		if holder := removed[parent]; holder != nil {
			holder.Children = append(holder.Children, node)
		} else {
			bl.deleted[parent] = append(bl.deleted[parent], node)
		}
	}

	// A removed node's path follows the parent it is shown under.
	for parent, nodes := range bl.deleted {
		prefix := ""
		if parent != crdt.RootID {
			prefix = workspace.PathOf(fork, parent)
		}
		for _, n := range nodes {
			placeDeleted(n, prefix)
		}
	}
	return bl, nil
}

func placeDeleted(n *Node, prefix string) {
	p := prefix + "/" + n.Name
	if p != n.Path {
		n.Changes.Path = &StringChange{Old: n.Path, New: p}
		n.Path = p
	}
	for _, c := range n.Children {
		placeDeleted(c, p)
	}
}

func (bl *baseline) deletedNode(fork *crdt.Document, id crdt.TreeID) (*Node, error) {
	parent, ok := fork.Parent(id)
	if !ok {
		return nil, &InvariantError{Node: id, Reason: "no parent"}
	}
	n := &Node{
		ID:       id,
		ParentID: parent,
		Type:     workspace.NodeType(bl.doc, id),
		Name:     bl.name[id],
		Path:     bl.path[id],
		Metadata: workspace.Metadata(bl.doc, id),
		Changes:  &Changes{Action: ActionDeleted},
	}
	switch n.Type {
	case workspace.TypeDirectory:
	case workspace.TypeFile:
		n.FileExtension = workspace.NodeExtension(bl.doc, id)
		n.Content = bl.doc.NodeText(id)
	default:
		return nil, &InvariantError{Node: id, Reason: fmt.Sprintf("unknown node type %q", n.Type)}
	}
	return n, nil
}

type walker struct {
	live    *crdt.Document
	current *crdt.Document
	changes *changeIndex
	base    *baseline
}

func (w *walker) walk(parent crdt.TreeID, prefix string) ([]*Node, error) {
	var out []*Node
	for _, id := range w.live.Children(parent) {
		n, err := w.node(id, prefix)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if w.base != nil {
		out = append(out, w.base.deleted[parent]...)
	}
	return out, nil
}

func (w *walker) node(id crdt.TreeID, prefix string) (*Node, error) {
	parent, ok := w.live.Parent(id)
	if !ok {
		return nil, &InvariantError{Node: id, Reason: "no parent"}
	}
	name := workspace.NodeName(w.live, id)
	n := &Node{
		ID:       id,
		ParentID: parent,
		Type:     workspace.NodeType(w.live, id),
		Name:     name,
		Path:     prefix + "/" + name,
		Metadata: workspace.Metadata(w.live, id),
	}
	switch n.Type {
	case workspace.TypeDirectory:
	case workspace.TypeFile:
		n.FileExtension = workspace.NodeExtension(w.live, id)
		if w.current.Exists(id) {
			n.Content = w.current.NodeText(id)
		} else {
			n.Content = w.live.NodeText(id)
		}
	default:
		return nil, &InvariantError{Node: id, Reason: fmt.Sprintf("unknown node type %q", n.Type)}
	}

	if w.changes != nil {
		changes, err := w.annotate(n)
		if err != nil {
			return nil, err
		}
		n.Changes = changes
	}

	children, err := w.walk(id, n.Path)
	if err != nil {
		return nil, err
	}
	n.Children = children
	return n, nil
}

func (w *walker) annotate(n *Node) (*Changes, error) {
	tc, structural := w.changes.tree[n.ID]
	mc, fields := w.changes.maps[n.ID]
	txc, text := w.changes.texts[n.ID]
	if !structural && !fields && !text {
		return nil, nil
	}

	c := &Changes{}
	switch {
	case structural && tc.Action == crdt.TreeCreate:
		c.Action = ActionCreated
	case structural && tc.Action == crdt.TreeMove:
		c.Action = ActionMoved
	case fields, text:
		c.Action = ActionUpdated
	default:
		return nil, &InvariantError{Node: n.ID, Reason: fmt.Sprintf("cannot resolve action for tree change %q", tc.Action)}
	}

	if fields {
		for key, vc := range mc.Updated {
			if workspace.IsReservedKey(key) {
				continue
			}
			if c.Metadata == nil {
				c.Metadata = make(map[string]crdt.ValueChange)
			}
			c.Metadata[key] = vc
		}
	}

	renamed := false
	if vc, ok := mc.Updated[workspace.KeyName]; ok && c.Action != ActionCreated {
		oldName, _ := vc.Old.(string)
		if oldName != n.Name {
			renamed = true
			c.Name = &StringChange{Old: w.base.name[n.ID], New: n.Name}
			if c.Name.Old == "" {
				c.Name.Old = oldName
			}
		}
	}
	switch {
	case c.Action == ActionCreated:
		c.Path = &StringChange{New: n.Path}
	case c.Action == ActionMoved || renamed:
		c.Path = &StringChange{Old: w.base.path[n.ID], New: n.Path}
	}

	if text {
		c.Content = &ContentChange{Old: w.base.text[n.ID], Diff: txc.Delta}
	}
	return c, nil
}
