// Package workspace gives a crdt.Document filesystem semantics: nodes are
// directories or files addressed by slash-separated paths.
package workspace

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"wsync-go/internal/crdt"
)

// Node map keys with fixed meaning. Every other key is free-form metadata.
const (
	KeyType          = "type"
	KeyName          = "name"
	KeyFileExtension = "fileExtension"
)

const (
	TypeDirectory = "directory"
	TypeFile      = "file"
)

// IsReservedKey reports whether key is managed by the workspace itself.
func IsReservedKey(key string) bool {
	return key == KeyType || key == KeyName || key == KeyFileExtension
}

// Extension returns the file extension of name without the leading dot.
func Extension(name string) string {
	return strings.TrimPrefix(path.Ext(name), ".")
}

// NodeType returns the declared type of a node.
func NodeType(doc *crdt.Document, id crdt.TreeID) string {
	t, _ := doc.NodeMap(id).GetString(KeyType)
	return t
}

// NodeName returns the name of a node.
func NodeName(doc *crdt.Document, id crdt.TreeID) string {
	n, _ := doc.NodeMap(id).GetString(KeyName)
	return n
}

// NodeExtension returns the stored file extension of a node.
func NodeExtension(doc *crdt.Document, id crdt.TreeID) string {
	e, _ := doc.NodeMap(id).GetString(KeyFileExtension)
	return e
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// splitPath cleans p and returns its components. The root has none.
func splitPath(p string) ([]string, error) {
	if p == "" {
		return nil, ErrInvalidPath
	}
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return nil, nil
	}
	parts := strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
	for _, part := range parts {
		if err := checkName(part); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: bad name %q", ErrInvalidPath, name)
	}
	return nil
}

func child(doc *crdt.Document, parent crdt.TreeID, name string) (crdt.TreeID, bool) {
	for _, id := range doc.Children(parent) {
		if NodeName(doc, id) == name {
			return id, true
		}
	}
	return crdt.RootID, false
}

// Resolve returns the node at p. The root path resolves to crdt.RootID.
func Resolve(doc *crdt.Document, p string) (crdt.TreeID, error) {
	parts, err := splitPath(p)
	if err != nil {
		return crdt.RootID, err
	}
	cur := crdt.RootID
	for i, part := range parts {
		if cur != crdt.RootID && NodeType(doc, cur) != TypeDirectory {
			return crdt.RootID, fmt.Errorf("/%s: %w", strings.Join(parts[:i], "/"), ErrNotDirectory)
		}
		next, ok := child(doc, cur, part)
		if !ok {
			return crdt.RootID, ErrNotFound
		}
		cur = next
	}
	return cur, nil
}

// PathOf returns the absolute path of a live node.
func PathOf(doc *crdt.Document, id crdt.TreeID) string {
	var names []string
	for cur := id; cur != crdt.RootID; {
		names = append(names, NodeName(doc, cur))
		parent, ok := doc.Parent(cur)
		if !ok {
			break
		}
		cur = parent
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return "/" + strings.Join(names, "/")
}

func createNode(doc *crdt.Document, parent crdt.TreeID, name, typ string) (crdt.TreeID, error) {
	id, err := doc.CreateNode(parent)
	if err != nil {
		return crdt.RootID, err
	}
	m := doc.NodeMap(id)
	if err := m.Set(KeyType, typ); err != nil {
		return crdt.RootID, err
	}
	if err := m.Set(KeyName, name); err != nil {
		return crdt.RootID, err
	}
	if typ == TypeFile {
		if err := m.Set(KeyFileExtension, Extension(name)); err != nil {
			return crdt.RootID, err
		}
	}
	return id, nil
}

// mkdirAll returns the directory at parts, creating missing components.
func mkdirAll(doc *crdt.Document, op string, parts []string) (crdt.TreeID, error) {
	cur := crdt.RootID
	for i, part := range parts {
		next, ok := child(doc, cur, part)
		if !ok {
			var err error
			if next, err = createNode(doc, cur, part, TypeDirectory); err != nil {
				return crdt.RootID, fmt.Errorf("creating directory %q: %w", part, err)
			}
		} else if NodeType(doc, next) != TypeDirectory {
			return crdt.RootID, invalid(op, "/"+strings.Join(parts[:i+1], "/"), ErrNotDirectory)
		}
		cur = next
	}
	return cur, nil
}

// Mkdir creates the directory at p and any missing parents.
func Mkdir(doc *crdt.Document, p string) (crdt.TreeID, error) {
	parts, err := splitPath(p)
	if err != nil {
		return crdt.RootID, invalid("mkdir", p, err)
	}
	if len(parts) == 0 {
		return crdt.RootID, invalid("mkdir", p, ErrExists)
	}
	return mkdirAll(doc, "mkdir", parts)
}

// WriteFile sets the content of the file at p, creating it and its parent
// directories if missing. Existing content is edited in place with a
// minimal diff so concurrent edits elsewhere in the text survive a merge.
func WriteFile(doc *crdt.Document, p, content string) (crdt.TreeID, error) {
	parts, err := splitPath(p)
	if err != nil {
		return crdt.RootID, invalid("write", p, err)
	}
	if len(parts) == 0 {
		return crdt.RootID, invalid("write", p, ErrNotFile)
	}
	dir, err := mkdirAll(doc, "write", parts[:len(parts)-1])
	if err != nil {
		return crdt.RootID, err
	}
	name := parts[len(parts)-1]
	id, ok := child(doc, dir, name)
	if !ok {
		if id, err = createNode(doc, dir, name, TypeFile); err != nil {
			return crdt.RootID, fmt.Errorf("creating file %s: %w", p, err)
		}
	} else if NodeType(doc, id) != TypeFile {
		return crdt.RootID, invalid("write", p, ErrNotFile)
	}
	if err := setText(doc.NodeText(id), content); err != nil {
		return crdt.RootID, fmt.Errorf("writing %s: %w", p, err)
	}
	return id, nil
}

func setText(text *crdt.Text, content string) error {
	current := text.String()
	if current == content {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(current, content, false))
	pos := 0
	for _, d := range diffs {
		n := len([]rune(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			if err := text.Delete(pos, n); err != nil {
				return err
			}
		case diffmatchpatch.DiffInsert:
			if err := text.Insert(pos, d.Text); err != nil {
				return err
			}
			pos += n
		}
	}
	return nil
}

// ReadFile returns the content of the file at p.
func ReadFile(doc *crdt.Document, p string) (string, error) {
	id, err := resolveExisting(doc, "read", p)
	if err != nil {
		return "", err
	}
	if NodeType(doc, id) != TypeFile {
		return "", invalid("read", p, ErrNotFile)
	}
	return doc.NodeText(id).String(), nil
}

// UpdateMetadata merges metadata into the fields of an existing node. A nil
// value removes the key.
func UpdateMetadata(doc *crdt.Document, p string, metadata map[string]any) error {
	id, err := resolveExisting(doc, "update metadata", p)
	if err != nil {
		return err
	}
	for key := range metadata {
		if IsReservedKey(key) {
			return invalid("update metadata", p, fmt.Errorf("%w: %q", ErrReservedKey, key))
		}
	}
	m := doc.NodeMap(id)
	for _, key := range sortedKeys(metadata) {
		v := metadata[key]
		if v == nil {
			err = m.Delete(key)
		} else {
			err = m.Set(key, v)
		}
		if err != nil {
			return fmt.Errorf("updating %q on %s: %w", key, p, err)
		}
	}
	return nil
}

// Metadata returns the free-form fields of a node.
func Metadata(doc *crdt.Document, id crdt.TreeID) map[string]any {
	m := doc.NodeMap(id)
	out := make(map[string]any)
	for _, k := range m.Keys() {
		if IsReservedKey(k) {
			continue
		}
		v, _ := m.Get(k)
		out[k] = v
	}
	return out
}

// Move places the node at p inside the directory at dir, keeping its name.
func Move(doc *crdt.Document, p, dir string) error {
	id, err := resolveExisting(doc, "move", p)
	if err != nil {
		return err
	}
	target, err := Resolve(doc, dir)
	if err != nil {
		return invalid("move", dir, err)
	}
	if target != crdt.RootID && NodeType(doc, target) != TypeDirectory {
		return invalid("move", dir, ErrNotDirectory)
	}
	if parent, _ := doc.Parent(id); parent == target {
		return nil
	}
	if _, taken := child(doc, target, NodeName(doc, id)); taken {
		return invalid("move", p, ErrExists)
	}
	if err := doc.MoveNode(id, target); err != nil {
		return invalid("move", p, err)
	}
	return nil
}

// Rename changes the name of the node at p. Files get their extension
// updated along with the name.
func Rename(doc *crdt.Document, p, name string) error {
	id, err := resolveExisting(doc, "rename", p)
	if err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return invalid("rename", p, err)
	}
	if NodeName(doc, id) == name {
		return nil
	}
	parent, _ := doc.Parent(id)
	if _, taken := child(doc, parent, name); taken {
		return invalid("rename", p, ErrExists)
	}
	m := doc.NodeMap(id)
	if err := m.Set(KeyName, name); err != nil {
		return err
	}
	if NodeType(doc, id) == TypeFile {
		if ext, cur := Extension(name), NodeExtension(doc, id); ext != cur {
			return m.Set(KeyFileExtension, ext)
		}
	}
	return nil
}

// Remove deletes the node at p together with everything below it.
func Remove(doc *crdt.Document, p string) error {
	id, err := resolveExisting(doc, "remove", p)
	if err != nil {
		return err
	}
	return doc.DeleteNode(id)
}

func resolveExisting(doc *crdt.Document, op, p string) (crdt.TreeID, error) {
	id, err := Resolve(doc, p)
	if err != nil {
		return crdt.RootID, invalid(op, p, err)
	}
	if id == crdt.RootID {
		return crdt.RootID, invalid(op, p, ErrInvalidPath)
	}
	return id, nil
}
