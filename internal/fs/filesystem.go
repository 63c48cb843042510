// Package fs moves workspace documents to and from a local directory tree.
package fs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"wsync-go/internal/crdt"
	"wsync-go/internal/workspace"
)

// LocalEntry is a file or directory found under an import root.
type LocalEntry struct {
	// Path is the workspace path, always slash-separated and rooted at "/".
	Path    string
	AbsPath string
	IsDir   bool
}

// OSFilesystemManager reads and writes the real filesystem.
type OSFilesystemManager struct {
	ignore *IgnoreMatcher
}

// NewOSFilesystemManager creates a manager that skips paths matched by
// ignore. A nil matcher ignores nothing.
func NewOSFilesystemManager(ignore *IgnoreMatcher) *OSFilesystemManager {
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}
	return &OSFilesystemManager{ignore: ignore}
}

// Resolve validates a raw path and returns it as an absolute directory.
func (m *OSFilesystemManager) Resolve(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return "", fmt.Errorf("symlinks not supported: %s", absPath)
	case mode&os.ModeDevice != 0:
		return "", fmt.Errorf("device files not supported: %s", absPath)
	case mode&os.ModeNamedPipe != 0:
		return "", fmt.Errorf("named pipes not supported: %s", absPath)
	case mode&os.ModeSocket != 0:
		return "", fmt.Errorf("sockets not supported: %s", absPath)
	case !info.IsDir():
		return "", fmt.Errorf("path is not a directory: %s", absPath)
	}
	return absPath, nil
}

// FindFiles discovers directories and regular files under root, in lexical
// order. Ignored directories are not descended into. Anything that is
// neither a directory nor a regular file is skipped.
func (m *OSFilesystemManager) FindFiles(root string) ([]LocalEntry, error) {
	var entries []LocalEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if m.ignore.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		entries = append(entries, LocalEntry{
			Path:    "/" + filepath.ToSlash(rel),
			AbsPath: p,
			IsDir:   d.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return entries, nil
}

// Ignored reports whether a workspace path is excluded from import.
func (m *OSFilesystemManager) Ignored(workspacePath string, isDir bool) bool {
	rel := strings.TrimPrefix(workspacePath, "/")
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if m.ignore.Match(filepath.FromSlash(strings.Join(parts[:i], "/")), true) {
			return true
		}
	}
	return m.ignore.Match(filepath.FromSlash(rel), isDir)
}

// ReadFile returns the content of a text file. Files that are not valid
// UTF-8 are rejected.
func (m *OSFilesystemManager) ReadFile(absPath string) (string, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", absPath, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not a UTF-8 text file", absPath)
	}
	return string(data), nil
}

// MkdirAll creates a directory and its parents.
func (m *OSFilesystemManager) MkdirAll(absPath string) error {
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}
	return nil
}

// WriteFile writes content to absPath using atomic write (temp file + rename).
func (m *OSFilesystemManager) WriteFile(absPath, content string) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(absPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, bytes.NewReader([]byte(content))); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, absPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// ImportOps compares the directory tree under root with doc and returns
// the operations that make the workspace match it. Files whose content is
// unchanged produce no operation. With prune set, workspace nodes missing
// on disk are removed unless they are ignored.
func ImportOps(doc *crdt.Document, m *OSFilesystemManager, root string, prune bool) ([]workspace.Operation, error) {
	local, err := m.FindFiles(root)
	if err != nil {
		return nil, err
	}

	var ops []workspace.Operation
	var replaced []string
	seen := make(map[string]bool, len(local))
	for _, e := range local {
		seen[e.Path] = true

		id, resolveErr := workspace.Resolve(doc, e.Path)
		exists := resolveErr == nil
		existingType := ""
		if exists {
			existingType = workspace.NodeType(doc, id)
		}

		if e.IsDir {
			switch {
			case existingType == workspace.TypeDirectory:
			case exists:
				replaced = append(replaced, e.Path)
				ops = append(ops, workspace.Operation{Kind: workspace.OpRemove, Path: e.Path})
				fallthrough
			default:
				ops = append(ops, workspace.Operation{Kind: workspace.OpMkdir, Path: e.Path})
			}
			continue
		}

		content, err := m.ReadFile(e.AbsPath)
		if err != nil {
			return nil, err
		}
		switch {
		case existingType == workspace.TypeFile:
			if doc.NodeText(id).String() == content {
				continue
			}
		case exists:
			replaced = append(replaced, e.Path)
			ops = append(ops, workspace.Operation{Kind: workspace.OpRemove, Path: e.Path})
		}
		ops = append(ops, workspace.WriteFileOp(e.Path, content))
	}

	if !prune {
		return ops, nil
	}

	var missing []string
	err = workspace.Walk(doc, func(e workspace.Entry) error {
		if seen[e.Path] || m.Ignored(e.Path, e.Type == workspace.TypeDirectory) {
			return nil
		}
		missing = append(missing, e.Path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(missing)
	removed := replaced
	for _, p := range missing {
		if underAny(p, removed) {
			continue
		}
		removed = append(removed, p)
		ops = append(ops, workspace.Operation{Kind: workspace.OpRemove, Path: p})
	}
	return ops, nil
}

func underAny(p string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

// Export writes every directory and file of doc below root and returns the
// number of files written. Local files absent from doc are left alone.
func Export(doc *crdt.Document, m *OSFilesystemManager, root string) (int, error) {
	if err := m.MkdirAll(root); err != nil {
		return 0, err
	}
	written := 0
	err := workspace.Walk(doc, func(e workspace.Entry) error {
		dest := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(e.Path, "/")))
		switch e.Type {
		case workspace.TypeDirectory:
			return m.MkdirAll(dest)
		case workspace.TypeFile:
			if err := m.MkdirAll(filepath.Dir(dest)); err != nil {
				return err
			}
			if err := m.WriteFile(dest, doc.NodeText(e.ID).String()); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("exporting to %s: %w", root, err)
	}
	return written, nil
}
