package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"wsync-go/internal/wsync"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// Documents are stored next to a generation marker:
//
//	<root>/
//	  documents/
//	    <key>.doc          (encoded document)
//	    <key>.generation   (decimal generation number)
type FileSystemVault struct {
	name         string
	root         string
	documentsDir string

	// Serializes the generation check with the write that follows it.
	// Separate processes sharing a root are not coordinated.
	mu sync.Mutex
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	documentsDir := filepath.Join(root, "documents")
	if err := os.MkdirAll(documentsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}

	return &FileSystemVault{
		name:         name,
		root:         root,
		documentsDir: documentsDir,
	}, nil
}

// PutDocument stores the document and then advances the generation marker.
func (v *FileSystemVault) PutDocument(ctx context.Context, key string, r io.Reader, size int64, generation int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	current, err := v.readGeneration(key)
	if err != nil {
		return err
	}
	if generation != current+1 {
		return fmt.Errorf("putting %s at generation %d (stored %d): %w", key, generation, current, wsync.ErrConflict)
	}

	if err := v.writeFile(v.documentPath(key), r, size); err != nil {
		return err
	}

	data := strings.NewReader(strconv.FormatInt(generation, 10))
	return v.writeFile(v.generationPath(key), data, data.Size())
}

// GetDocument writes the stored document to w.
func (v *FileSystemVault) GetDocument(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(v.documentPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("document %s: %w", key, wsync.ErrNotFound)
		}
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	return nil
}

// GetGeneration returns the stored generation, or 0 if no marker exists.
func (v *FileSystemVault) GetGeneration(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return v.readGeneration(key)
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	info, err = os.Stat(v.documentsDir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.documentsDir)
	}
	return nil
}

func (v *FileSystemVault) documentPath(key string) string {
	return filepath.Join(v.documentsDir, key+".doc")
}

func (v *FileSystemVault) generationPath(key string) string {
	return filepath.Join(v.documentsDir, key+".generation")
}

func (v *FileSystemVault) readGeneration(key string) (int64, error) {
	data, err := os.ReadFile(v.generationPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading generation file: %w", err)
	}

	generation, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing generation: %w", err)
	}
	return generation, nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
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

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ wsync.Vault = (*FileSystemVault)(nil)
