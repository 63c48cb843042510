package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// TreeAction is the structural change of a node between two versions.
type TreeAction string

const (
	TreeCreate TreeAction = "create"
	TreeDelete TreeAction = "delete"
	TreeMove   TreeAction = "move"
)

// TreeChange describes a structural change of one node.
type TreeChange struct {
	Target    TreeID
	Action    TreeAction
	OldParent TreeID
	NewParent TreeID
}

// ValueChange is the old and new value of one map key. A nil side means
// the key was absent.
type ValueChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// MapChange lists the updated keys of one node's map container.
type MapChange struct {
	Container ContainerID
	Node      TreeID
	Updated   map[string]ValueChange
}

// DeltaOp is one step of a text delta. Exactly one field is set.
type DeltaOp struct {
	Retain int    `json:"retain,omitempty"`
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
}

func (op DeltaOp) String() string {
	switch {
	case op.Insert != "":
		return fmt.Sprintf("insert(%q)", op.Insert)
	case op.Delete > 0:
		return fmt.Sprintf("delete(%d)", op.Delete)
	default:
		return fmt.Sprintf("retain(%d)", op.Retain)
	}
}

// TextChange is the edit that turns the old text of a container into the new one.
type TextChange struct {
	Container ContainerID
	Node      TreeID
	Delta     []DeltaOp
}

// Diff is the difference between two versions of a document.
type Diff struct {
	Tree  []TreeChange
	Maps  []MapChange
	Texts []TextChange
}

// Diff computes the changes that lead from version from to version to. Both
// versions must be covered by the document.
func (d *Document) Diff(from, to VersionVector) (*Diff, error) {
	if !d.known.Covers(from) || !d.known.Covers(to) {
		return nil, fmt.Errorf("diffing %s..%s: version not held by document", from, to)
	}
	before, err := replay(filterOps(d.ops, from))
	if err != nil {
		return nil, fmt.Errorf("checking out %s: %w", from, err)
	}
	after, err := replay(filterOps(d.ops, to))
	if err != nil {
		return nil, fmt.Errorf("checking out %s: %w", to, err)
	}

	ids := make(map[TreeID]struct{}, len(after.nodes))
	for id := range before.nodes {
		ids[id] = struct{}{}
	}
	for id := range after.nodes {
		ids[id] = struct{}{}
	}
	sorted := make([]TreeID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := &Diff{}
	for _, id := range sorted {
		if tc, ok := diffNode(id, before, after); ok {
			out.Tree = append(out.Tree, tc)
		}
		if updated := diffMap(before.maps[id], after.maps[id]); len(updated) > 0 {
			out.Maps = append(out.Maps, MapChange{Container: mapContainerID(id), Node: id, Updated: updated})
		}
		if delta := diffText(before.texts[id], after.texts[id]); len(delta) > 0 {
			out.Texts = append(out.Texts, TextChange{Container: textContainerID(id), Node: id, Delta: delta})
		}
	}
	return out, nil
}

func diffNode(id TreeID, before, after *state) (TreeChange, bool) {
	b, inBefore := before.nodes[id]
	a, inAfter := after.nodes[id]
	wasPresent := inBefore && !b.deleted
	isPresent := inAfter && !a.deleted
	switch {
	case !wasPresent && isPresent:
		return TreeChange{Target: id, Action: TreeCreate, NewParent: a.parent}, true
	case wasPresent && !isPresent:
		return TreeChange{Target: id, Action: TreeDelete, OldParent: b.parent}, true
	case wasPresent && isPresent && a.parent != b.parent:
		return TreeChange{Target: id, Action: TreeMove, OldParent: b.parent, NewParent: a.parent}, true
	}
	return TreeChange{}, false
}

func diffMap(before, after map[string]any) map[string]ValueChange {
	var updated map[string]ValueChange
	record := func(k string, oldV, newV any) {
		if updated == nil {
			updated = make(map[string]ValueChange)
		}
		updated[k] = ValueChange{Old: oldV, New: newV}
	}
	for k, oldV := range before {
		if newV, ok := after[k]; !ok || newV != oldV {
			record(k, oldV, after[k])
		}
	}
	for k, newV := range after {
		if _, ok := before[k]; !ok {
			record(k, nil, newV)
		}
	}
	return updated
}

// diffText relies on the replay preserving the relative order of characters
// present in both versions.
func diffText(before, after []textItem) []DeltaOp {
	deletedBefore := make(map[ID]bool, len(before))
	for _, it := range before {
		deletedBefore[it.id] = it.deleted
	}

	var delta []DeltaOp
	var insert strings.Builder
	flushInsert := func() {
		if insert.Len() > 0 {
			delta = append(delta, DeltaOp{Insert: insert.String()})
			insert.Reset()
		}
	}
	push := func(next DeltaOp) {
		if last := len(delta) - 1; last >= 0 {
			switch {
			case next.Retain > 0 && delta[last].Retain > 0:
				delta[last].Retain += next.Retain
				return
			case next.Delete > 0 && delta[last].Delete > 0:
				delta[last].Delete += next.Delete
				return
			}
		}
		delta = append(delta, next)
	}

	for _, it := range after {
		deleted, known := deletedBefore[it.id]
		wasVisible := known && !deleted
		switch {
		case wasVisible && !it.deleted:
			flushInsert()
			push(DeltaOp{Retain: 1})
		case wasVisible && it.deleted:
			flushInsert()
			push(DeltaOp{Delete: 1})
		case !wasVisible && !it.deleted:
			insert.WriteRune(it.r)
		}
	}
	flushInsert()

	if last := len(delta) - 1; last >= 0 && delta[last].Retain > 0 {
		delta = delta[:last]
	}
	return delta
}
