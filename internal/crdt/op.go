package crdt

import (
	"fmt"
	"math"
	"unicode/utf8"
)

type opKind string

const (
	opTreeCreate opKind = "tree.create"
	opTreeMove   opKind = "tree.move"
	opTreeDelete opKind = "tree.delete"
	opMapSet     opKind = "map.set"
	opMapDelete  opKind = "map.delete"
	opTextInsert opKind = "text.insert"
	opTextDelete opKind = "text.delete"
)

// span is a run of consecutive character IDs [Start, End) from one peer.
type span struct {
	Peer  PeerID `json:"p"`
	Start uint64 `json:"s"`
	End   uint64 `json:"e"`
}

// op is one entry of the operation log. Ops are immutable once committed.
type op struct {
	ID      ID     `json:"id"`
	Lamport uint64 `json:"l"`
	Kind    opKind `json:"k"`
	Node    TreeID `json:"n,omitempty"`
	Parent  TreeID `json:"pa,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   any    `json:"v"`
	Origin  *ID    `json:"o,omitempty"`
	Text    string `json:"t,omitempty"`
	Spans   []span `json:"sp,omitempty"`
}

// length is the number of IDs the op consumes. A text insert consumes one
// ID per code point so every character is individually addressable.
func (o *op) length() uint64 {
	if o.Kind == opTextInsert {
		return uint64(utf8.RuneCountInString(o.Text))
	}
	return 1
}

// before orders ops for replay: lamport, then peer, then counter.
func (o *op) before(other *op) bool {
	if o.Lamport != other.Lamport {
		return o.Lamport < other.Lamport
	}
	if o.ID.Peer != other.ID.Peer {
		return o.ID.Peer < other.ID.Peer
	}
	return o.ID.Counter < other.ID.Counter
}

func (o *op) validate() error {
	if o.ID.Peer == "" {
		return fmt.Errorf("op %s has no peer", o.ID)
	}
	switch o.Kind {
	case opTreeCreate:
		if o.Node != treeIDOf(o.ID) {
			return fmt.Errorf("op %s creates node %q with foreign id", o.ID, o.Node)
		}
	case opTreeMove, opTreeDelete, opMapDelete, opTextDelete:
		if o.Node == RootID {
			return fmt.Errorf("op %s targets the root", o.ID)
		}
	case opMapSet:
		if o.Node == RootID {
			return fmt.Errorf("op %s targets the root", o.ID)
		}
		v, err := normalizeValue(o.Value)
		if err != nil {
			return fmt.Errorf("op %s: %w", o.ID, err)
		}
		o.Value = v
	case opTextInsert:
		if o.Node == RootID {
			return fmt.Errorf("op %s targets the root", o.ID)
		}
		if o.Text == "" || !utf8.ValidString(o.Text) {
			return fmt.Errorf("op %s carries invalid text", o.ID)
		}
	default:
		return fmt.Errorf("op %s has unknown kind %q", o.ID, o.Kind)
	}
	return nil
}

// normalizeValue restricts map values to JSON scalars so that a value reads
// back identically after an encode/decode round trip.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows", ErrUnsupportedValue, x)
		}
		return float64(x), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}
