package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"wsync-go/internal/wsync"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It is safe for concurrent use and suitable for testing.
type MemoryVault struct {
	name string

	mu          sync.RWMutex
	documents   map[string][]byte
	generations map[string]int64
}

// NewMemoryVault creates a new empty in-memory vault.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:        name,
		documents:   make(map[string][]byte),
		generations: make(map[string]int64),
	}
}

// PutDocument stores the document if generation follows the stored one.
func (v *MemoryVault) PutDocument(ctx context.Context, key string, r io.Reader, size int64, generation int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if current := v.generations[key]; generation != current+1 {
		return fmt.Errorf("putting %s at generation %d (stored %d): %w", key, generation, current, wsync.ErrConflict)
	}
	v.documents[key] = data
	v.generations[key] = generation
	return nil
}

// GetDocument writes the stored document to w.
func (v *MemoryVault) GetDocument(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.RLock()
	data, ok := v.documents[key]
	v.mu.RUnlock()

	if !ok {
		return fmt.Errorf("document %s: %w", key, wsync.ErrNotFound)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// GetGeneration returns the stored generation, or 0 if there is none.
func (v *MemoryVault) GetGeneration(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.generations[key], nil
}

// ValidateSetup always succeeds for memory vault.
func (v *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Len returns how many documents are stored.
func (v *MemoryVault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.documents)
}

var _ wsync.Vault = (*MemoryVault)(nil)
