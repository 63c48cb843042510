package wsync

import (
	"context"
	"io"

	"wsync-go/internal/crdt"
)

// Remote is the authority a replica synchronizes with. Transport failures
// are reported as *TransportError; any other error means the authority
// refused the request.
type Remote interface {
	// Pull returns the update bytes the caller is missing relative to version.
	Pull(ctx context.Context, scope Scope, version crdt.VersionVector) ([]byte, error)

	// Push merges update into the authority's document and returns the
	// bytes the caller is missing relative to version.
	Push(ctx context.Context, scope Scope, version crdt.VersionVector, update []byte) ([]byte, error)
}

// Vault is blob storage for the authority's documents. Every stored
// document carries a generation number used for optimistic concurrency.
type Vault interface {
	// PutDocument stores the document under key. generation must be one
	// more than the stored generation, otherwise ErrConflict is returned.
	PutDocument(ctx context.Context, key string, r io.Reader, size int64, generation int64) error

	// GetDocument writes the stored document to w. Returns ErrNotFound if
	// nothing is stored under key.
	GetDocument(ctx context.Context, key string, w io.Writer) error

	// GetGeneration returns the stored generation, or 0 if there is none.
	GetGeneration(ctx context.Context, key string) (int64, error)

	// ValidateSetup verifies that the vault is reachable and usable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts documents at rest in a vault. Encryption needs only
// the public key; decryption needs the passphrase-protected private key.
type Encryptor interface {
	// Setup generates a key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a context for the session.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
