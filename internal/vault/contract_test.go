package vault

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"wsync-go/internal/wsync"
)

// runVaultContract exercises the behavior every Vault implementation shares.
func runVaultContract(t *testing.T, newVault func(t *testing.T) wsync.Vault) {
	t.Helper()
	ctx := context.Background()

	put := func(t *testing.T, v wsync.Vault, key, data string, generation int64) error {
		t.Helper()
		return v.PutDocument(ctx, key, strings.NewReader(data), int64(len(data)), generation)
	}

	t.Run("missing document", func(t *testing.T) {
		v := newVault(t)

		var buf bytes.Buffer
		err := v.GetDocument(ctx, "absent", &buf)
		if !errors.Is(err, wsync.ErrNotFound) {
			t.Fatalf("GetDocument() error = %v, want ErrNotFound", err)
		}

		gen, err := v.GetGeneration(ctx, "absent")
		if err != nil {
			t.Fatalf("GetGeneration() error = %v", err)
		}
		if gen != 0 {
			t.Errorf("GetGeneration() = %d, want 0", gen)
		}
	})

	t.Run("put and get", func(t *testing.T) {
		v := newVault(t)

		if err := put(t, v, "doc", "first", 1); err != nil {
			t.Fatalf("PutDocument() error = %v", err)
		}
		if err := put(t, v, "doc", "second", 2); err != nil {
			t.Fatalf("PutDocument() error = %v", err)
		}

		var buf bytes.Buffer
		if err := v.GetDocument(ctx, "doc", &buf); err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		if got := buf.String(); got != "second" {
			t.Errorf("GetDocument() = %q, want %q", got, "second")
		}

		gen, err := v.GetGeneration(ctx, "doc")
		if err != nil {
			t.Fatalf("GetGeneration() error = %v", err)
		}
		if gen != 2 {
			t.Errorf("GetGeneration() = %d, want 2", gen)
		}
	})

	t.Run("generation conflict", func(t *testing.T) {
		v := newVault(t)

		if err := put(t, v, "doc", "first", 2); !errors.Is(err, wsync.ErrConflict) {
			t.Fatalf("PutDocument() skipping a generation error = %v, want ErrConflict", err)
		}
		if err := put(t, v, "doc", "first", 1); err != nil {
			t.Fatalf("PutDocument() error = %v", err)
		}
		if err := put(t, v, "doc", "stale", 1); !errors.Is(err, wsync.ErrConflict) {
			t.Fatalf("PutDocument() reusing a generation error = %v, want ErrConflict", err)
		}

		var buf bytes.Buffer
		if err := v.GetDocument(ctx, "doc", &buf); err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		if got := buf.String(); got != "first" {
			t.Errorf("GetDocument() after conflict = %q, want %q", got, "first")
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		v := newVault(t)

		if err := put(t, v, "a", "alpha", 1); err != nil {
			t.Fatalf("PutDocument(a) error = %v", err)
		}
		if err := put(t, v, "b", "beta", 1); err != nil {
			t.Fatalf("PutDocument(b) error = %v", err)
		}

		var buf bytes.Buffer
		if err := v.GetDocument(ctx, "a", &buf); err != nil {
			t.Fatalf("GetDocument(a) error = %v", err)
		}
		if got := buf.String(); got != "alpha" {
			t.Errorf("GetDocument(a) = %q, want %q", got, "alpha")
		}
	})

	t.Run("validate setup", func(t *testing.T) {
		v := newVault(t)
		if err := v.ValidateSetup(ctx); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})
}
