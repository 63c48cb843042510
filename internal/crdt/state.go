package crdt

import (
	"fmt"
	"sort"
)

type nodeState struct {
	parent  TreeID
	deleted bool
	// placedBy orders siblings: the op that last put the node under its parent.
	placedBy *op
}

type textItem struct {
	id      ID
	r       rune
	deleted bool
}

// state is the materialized view of a set of ops.
type state struct {
	nodes    map[TreeID]*nodeState
	maps     map[TreeID]map[string]any
	texts    map[TreeID][]textItem
	children map[TreeID][]TreeID
}

func newState() *state {
	return &state{
		nodes: make(map[TreeID]*nodeState),
		maps:  make(map[TreeID]map[string]any),
		texts: make(map[TreeID][]textItem),
	}
}

// replay builds the state for ops, which must already be in replay order.
func replay(ops []*op) (*state, error) {
	st := newState()
	for _, o := range ops {
		if err := st.apply(o); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *state) apply(o *op) error {
	switch o.Kind {
	case opTreeCreate:
		if _, ok := s.nodes[o.Node]; ok {
			return fmt.Errorf("op %s: node %s already exists", o.ID, o.Node)
		}
		if o.Parent != RootID {
			if _, ok := s.nodes[o.Parent]; !ok {
				return fmt.Errorf("op %s: parent %s: %w", o.ID, o.Parent, ErrNodeNotFound)
			}
		}
		s.nodes[o.Node] = &nodeState{parent: o.Parent, placedBy: o}
		s.children = nil

	case opTreeMove:
		n, ok := s.nodes[o.Node]
		if !ok {
			return fmt.Errorf("op %s: node %s: %w", o.ID, o.Node, ErrNodeNotFound)
		}
		if o.Parent != RootID {
			if _, ok := s.nodes[o.Parent]; !ok {
				return fmt.Errorf("op %s: parent %s: %w", o.ID, o.Parent, ErrNodeNotFound)
			}
		}
		if o.Parent == o.Node || s.isAncestor(o.Node, o.Parent) {
			// A concurrent move already placed the target parent below this
			// node; the later op loses.
			return nil
		}
		n.parent = o.Parent
		n.deleted = false
		n.placedBy = o
		s.children = nil

	case opTreeDelete:
		n, ok := s.nodes[o.Node]
		if !ok {
			return fmt.Errorf("op %s: node %s: %w", o.ID, o.Node, ErrNodeNotFound)
		}
		n.deleted = true
		s.children = nil

	case opMapSet, opMapDelete:
		if _, ok := s.nodes[o.Node]; !ok {
			return fmt.Errorf("op %s: node %s: %w", o.ID, o.Node, ErrNodeNotFound)
		}
		m := s.maps[o.Node]
		if m == nil {
			m = make(map[string]any)
			s.maps[o.Node] = m
		}
		if o.Kind == opMapDelete {
			delete(m, o.Key)
		} else {
			m[o.Key] = o.Value
		}

	case opTextInsert:
		if _, ok := s.nodes[o.Node]; !ok {
			return fmt.Errorf("op %s: node %s: %w", o.ID, o.Node, ErrNodeNotFound)
		}
		items := s.texts[o.Node]
		at := 0
		if o.Origin != nil {
			idx := indexOfItem(items, *o.Origin)
			if idx < 0 {
				return fmt.Errorf("op %s: origin %s not found", o.ID, o.Origin)
			}
			at = idx + 1
		}
		run := make([]textItem, 0, len(o.Text))
		i := uint64(0)
		for _, r := range o.Text {
			run = append(run, textItem{id: ID{Peer: o.ID.Peer, Counter: o.ID.Counter + i}, r: r})
			i++
		}
		next := make([]textItem, 0, len(items)+len(run))
		next = append(next, items[:at]...)
		next = append(next, run...)
		next = append(next, items[at:]...)
		s.texts[o.Node] = next

	case opTextDelete:
		if _, ok := s.nodes[o.Node]; !ok {
			return fmt.Errorf("op %s: node %s: %w", o.ID, o.Node, ErrNodeNotFound)
		}
		items := s.texts[o.Node]
		index := make(map[ID]int, len(items))
		for i, it := range items {
			index[it.id] = i
		}
		var targets []int
		for _, sp := range o.Spans {
			for c := sp.Start; c < sp.End; c++ {
				i, ok := index[ID{Peer: sp.Peer, Counter: c}]
				if !ok {
					return fmt.Errorf("op %s: deleted character %d@%s not found", o.ID, c, sp.Peer)
				}
				targets = append(targets, i)
			}
		}
		for _, i := range targets {
			items[i].deleted = true
		}

	default:
		return fmt.Errorf("op %s: unknown kind %q", o.ID, o.Kind)
	}
	return nil
}

func indexOfItem(items []textItem, id ID) int {
	for i := range items {
		if items[i].id == id {
			return i
		}
	}
	return -1
}

// isAncestor reports whether a is a strict ancestor of b.
func (s *state) isAncestor(a, b TreeID) bool {
	seen := 0
	for cur := b; cur != RootID; {
		n, ok := s.nodes[cur]
		if !ok {
			return false
		}
		if n.parent == a {
			return true
		}
		cur = n.parent
		seen++
		if seen > len(s.nodes) {
			return false
		}
	}
	return false
}

// alive reports whether the node exists and neither it nor any ancestor is deleted.
func (s *state) alive(id TreeID) bool {
	seen := 0
	for cur := id; cur != RootID; {
		n, ok := s.nodes[cur]
		if !ok || n.deleted {
			return false
		}
		cur = n.parent
		seen++
		if seen > len(s.nodes) {
			return false
		}
	}
	return true
}

// childrenOf returns the non-deleted children of parent in placement order.
func (s *state) childrenOf(parent TreeID) []TreeID {
	if s.children == nil {
		s.children = make(map[TreeID][]TreeID)
		for id, n := range s.nodes {
			if n.deleted {
				continue
			}
			s.children[n.parent] = append(s.children[n.parent], id)
		}
		for p, ids := range s.children {
			sort.Slice(ids, func(i, j int) bool {
				return s.nodes[ids[i]].placedBy.before(s.nodes[ids[j]].placedBy)
			})
			s.children[p] = ids
		}
	}
	return s.children[parent]
}

func (s *state) visibleText(node TreeID) []textItem {
	items := s.texts[node]
	out := make([]textItem, 0, len(items))
	for _, it := range items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

func (s *state) textString(node TreeID) string {
	items := s.texts[node]
	buf := make([]rune, 0, len(items))
	for _, it := range items {
		if !it.deleted {
			buf = append(buf, it.r)
		}
	}
	return string(buf)
}
