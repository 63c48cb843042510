package workspace

import (
	"fmt"

	"wsync-go/internal/crdt"
)

// OpKind names a workspace operation.
type OpKind string

const (
	OpWriteFile      OpKind = "write_file"
	OpUpdateMetadata OpKind = "update_metadata"
	OpMkdir          OpKind = "mkdir"
	OpMove           OpKind = "move"
	OpRename         OpKind = "rename"
	OpRemove         OpKind = "remove"
)

// Operation is one local edit queued for a push.
type Operation struct {
	Kind     OpKind         `json:"kind"`
	Path     string         `json:"path"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Target is the destination directory of a move.
	Target string `json:"target,omitempty"`
	// Name is the new name of a rename.
	Name string `json:"name,omitempty"`
}

// WriteFileOp writes content to path, creating the file if missing.
func WriteFileOp(path, content string) Operation {
	return Operation{Kind: OpWriteFile, Path: path, Content: content}
}

// UpdateMetadataOp merges metadata into an existing node.
func UpdateMetadataOp(path string, metadata map[string]any) Operation {
	return Operation{Kind: OpUpdateMetadata, Path: path, Metadata: metadata}
}

func (o Operation) String() string {
	switch o.Kind {
	case OpMove:
		return fmt.Sprintf("%s %s -> %s", o.Kind, o.Path, o.Target)
	case OpRename:
		return fmt.Sprintf("%s %s -> %s", o.Kind, o.Path, o.Name)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Path)
	}
}

// Apply runs ops against doc in order and stops at the first failure. Ops
// applied before the failure stay in doc; callers wanting all-or-nothing
// apply to a clone.
func Apply(doc *crdt.Document, ops ...Operation) error {
	for i, op := range ops {
		if err := apply(doc, op); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, op, err)
		}
	}
	return nil
}

func apply(doc *crdt.Document, op Operation) error {
	switch op.Kind {
	case OpWriteFile:
		_, err := WriteFile(doc, op.Path, op.Content)
		return err
	case OpUpdateMetadata:
		return UpdateMetadata(doc, op.Path, op.Metadata)
	case OpMkdir:
		_, err := Mkdir(doc, op.Path)
		return err
	case OpMove:
		return Move(doc, op.Path, op.Target)
	case OpRename:
		return Rename(doc, op.Path, op.Name)
	case OpRemove:
		return Remove(doc, op.Path)
	default:
		return invalid(string(op.Kind), op.Path, fmt.Errorf("unknown operation"))
	}
}

// Entry is a live node visited by Walk.
type Entry struct {
	ID    crdt.TreeID
	Path  string
	Type  string
	Depth int
}

// Walk visits every live node depth-first in placement order. Returning an
// error from fn stops the walk.
func Walk(doc *crdt.Document, fn func(Entry) error) error {
	var walk func(parent crdt.TreeID, prefix string, depth int) error
	walk = func(parent crdt.TreeID, prefix string, depth int) error {
		for _, id := range doc.Children(parent) {
			e := Entry{ID: id, Path: prefix + "/" + NodeName(doc, id), Type: NodeType(doc, id), Depth: depth}
			if err := fn(e); err != nil {
				return err
			}
			if err := walk(id, e.Path, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(crdt.RootID, "", 0)
}
