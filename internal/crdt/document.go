package crdt

import (
	"fmt"
	"sort"
)

// Document is a replicated workspace document.
type Document struct {
	peer    PeerID
	lamport uint64
	ops     []*op
	known   VersionVector
	st      *state
}

// New returns an empty document that stamps local ops with peer.
func New(peer PeerID) *Document {
	if peer == "" {
		peer = NewPeerID()
	}
	return &Document{
		peer:  peer,
		known: VersionVector{},
		st:    newState(),
	}
}

// Peer returns the peer ID used for local ops.
func (d *Document) Peer() PeerID { return d.peer }

// Version returns the version vector of every op the document holds.
func (d *Document) Version() VersionVector { return d.known.Clone() }

// Frontiers returns the last op ID held from each peer, sorted by peer.
func (d *Document) Frontiers() []ID {
	out := make([]ID, 0, len(d.known))
	for p, c := range d.known {
		if c > 0 {
			out = append(out, ID{Peer: p, Counter: c - 1})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Fork returns an independent copy of the document with a fresh peer ID.
func (d *Document) Fork() *Document {
	fork, err := d.ForkAt(d.known)
	if err != nil {
		// The document's own history always replays.
		panic(fmt.Sprintf("crdt: forking document: %v", err))
	}
	return fork
}

// Clone returns an independent copy that keeps the same peer ID. Ops made
// on the clone can be imported back into d.
func (d *Document) Clone() *Document {
	c := d.Fork()
	c.peer = d.peer
	return c
}

// ForkAt returns an independent document holding only the ops covered by vv.
// vv must be causally closed, as every version produced by Version is.
func (d *Document) ForkAt(vv VersionVector) (*Document, error) {
	ops := filterOps(d.ops, vv)
	st, err := replay(ops)
	if err != nil {
		return nil, fmt.Errorf("checking out %s: %w", vv, err)
	}
	fork := &Document{
		peer:  NewPeerID(),
		ops:   ops,
		known: versionOf(ops),
		st:    st,
	}
	fork.lamport = nextLamport(ops)
	return fork, nil
}

func filterOps(ops []*op, vv VersionVector) []*op {
	out := make([]*op, 0, len(ops))
	for _, o := range ops {
		if o.ID.Counter+o.length() <= vv[o.ID.Peer] {
			out = append(out, o)
		}
	}
	return out
}

func versionOf(ops []*op) VersionVector {
	vv := VersionVector{}
	for _, o := range ops {
		if end := o.ID.Counter + o.length(); end > vv[o.ID.Peer] {
			vv[o.ID.Peer] = end
		}
	}
	return vv
}

func nextLamport(ops []*op) uint64 {
	var next uint64
	for _, o := range ops {
		if o.Lamport+1 > next {
			next = o.Lamport + 1
		}
	}
	return next
}

// commit stamps and applies a local op.
func (d *Document) commit(o *op) error {
	o.ID = ID{Peer: d.peer, Counter: d.known[d.peer]}
	o.Lamport = d.lamport
	if o.Kind == opTreeCreate {
		o.Node = treeIDOf(o.ID)
	}
	if err := o.validate(); err != nil {
		return err
	}
	if err := d.st.apply(o); err != nil {
		return err
	}
	d.ops = append(d.ops, o)
	d.known[d.peer] = o.ID.Counter + o.length()
	d.lamport++
	return nil
}

func (d *Document) checkLive(id TreeID) error {
	n, ok := d.st.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if n.deleted || !d.st.alive(id) {
		return fmt.Errorf("node %s: %w", id, ErrNodeDeleted)
	}
	return nil
}

// CreateNode appends a new node under parent and returns its ID.
func (d *Document) CreateNode(parent TreeID) (TreeID, error) {
	if parent != RootID {
		if err := d.checkLive(parent); err != nil {
			return "", err
		}
	}
	o := &op{Kind: opTreeCreate, Parent: parent}
	if err := d.commit(o); err != nil {
		return "", err
	}
	return o.Node, nil
}

// MoveNode places id as the last child of parent.
func (d *Document) MoveNode(id, parent TreeID) error {
	if err := d.checkLive(id); err != nil {
		return err
	}
	if parent != RootID {
		if err := d.checkLive(parent); err != nil {
			return err
		}
	}
	if parent == id || d.st.isAncestor(id, parent) {
		return fmt.Errorf("moving %s under %s: %w", id, parent, ErrCycle)
	}
	return d.commit(&op{Kind: opTreeMove, Node: id, Parent: parent})
}

// DeleteNode removes id, and with it every descendant, from the live tree.
func (d *Document) DeleteNode(id TreeID) error {
	if err := d.checkLive(id); err != nil {
		return err
	}
	return d.commit(&op{Kind: opTreeDelete, Node: id})
}

// Roots returns the live top-level nodes in placement order.
func (d *Document) Roots() []TreeID { return d.Children(RootID) }

// Children returns the live children of parent in placement order.
func (d *Document) Children(parent TreeID) []TreeID {
	ids := d.st.childrenOf(parent)
	out := make([]TreeID, len(ids))
	copy(out, ids)
	return out
}

// Parent returns the parent of id. The second result is false when the
// node was never created.
func (d *Document) Parent(id TreeID) (TreeID, bool) {
	n, ok := d.st.nodes[id]
	if !ok {
		return RootID, false
	}
	return n.parent, true
}

// Exists reports whether id was ever created in this document.
func (d *Document) Exists(id TreeID) bool {
	_, ok := d.st.nodes[id]
	return ok
}

// IsDeleted reports whether id is absent from the live tree, either because
// it was deleted itself or because an ancestor was.
func (d *Document) IsDeleted(id TreeID) bool {
	return !d.st.alive(id)
}

// NodeMap returns the map container owned by node id.
func (d *Document) NodeMap(id TreeID) *Map { return &Map{doc: d, node: id} }

// NodeText returns the text container owned by node id.
func (d *Document) NodeText(id TreeID) *Text { return &Text{doc: d, node: id} }

// Map is a handle on a node's scalar fields.
type Map struct {
	doc  *Document
	node TreeID
}

func (m *Map) ID() ContainerID { return mapContainerID(m.node) }

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.doc.st.maps[m.node][key]
	return v, ok
}

// GetString returns the value under key if it is a string.
func (m *Map) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores a scalar value under key. Integers are stored as float64.
func (m *Map) Set(key string, value any) error {
	v, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	if err := m.doc.checkLive(m.node); err != nil {
		return err
	}
	return m.doc.commit(&op{Kind: opMapSet, Node: m.node, Key: key, Value: v})
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Map) Delete(key string) error {
	if _, ok := m.Get(key); !ok {
		return nil
	}
	if err := m.doc.checkLive(m.node); err != nil {
		return err
	}
	return m.doc.commit(&op{Kind: opMapDelete, Node: m.node, Key: key})
}

// Keys returns the stored keys in sorted order.
func (m *Map) Keys() []string {
	entries := m.doc.st.maps[m.node]
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (m *Map) Len() int { return len(m.doc.st.maps[m.node]) }

// Text is a handle on a node's text content. Positions count code points.
type Text struct {
	doc  *Document
	node TreeID
}

func (t *Text) ID() ContainerID { return textContainerID(t.node) }

// Node returns the tree node owning the text.
func (t *Text) Node() TreeID { return t.node }

func (t *Text) String() string { return t.doc.st.textString(t.node) }

// Len returns the number of code points in the text.
func (t *Text) Len() int { return len(t.doc.st.visibleText(t.node)) }

// Insert inserts s before the code point at pos.
func (t *Text) Insert(pos int, s string) error {
	if s == "" {
		return nil
	}
	if err := t.doc.checkLive(t.node); err != nil {
		return err
	}
	visible := t.doc.st.visibleText(t.node)
	if pos < 0 || pos > len(visible) {
		return fmt.Errorf("inserting at %d of %d: %w", pos, len(visible), ErrOutOfRange)
	}
	o := &op{Kind: opTextInsert, Node: t.node, Text: s}
	if pos > 0 {
		origin := visible[pos-1].id
		o.Origin = &origin
	}
	return t.doc.commit(o)
}

// Delete removes n code points starting at pos.
func (t *Text) Delete(pos, n int) error {
	if n == 0 {
		return nil
	}
	if err := t.doc.checkLive(t.node); err != nil {
		return err
	}
	visible := t.doc.st.visibleText(t.node)
	if pos < 0 || n < 0 || pos+n > len(visible) {
		return fmt.Errorf("deleting %d at %d of %d: %w", n, pos, len(visible), ErrOutOfRange)
	}
	var spans []span
	for _, it := range visible[pos : pos+n] {
		if last := len(spans) - 1; last >= 0 && spans[last].Peer == it.id.Peer && spans[last].End == it.id.Counter {
			spans[last].End++
			continue
		}
		spans = append(spans, span{Peer: it.id.Peer, Start: it.id.Counter, End: it.id.Counter + 1})
	}
	return t.doc.commit(&op{Kind: opTextDelete, Node: t.node, Spans: spans})
}
