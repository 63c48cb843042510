// Package authority implements the remote side of synchronization: a
// Remote that keeps one merged document per scope in a Vault.
package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"wsync-go/internal/crdt"
	"wsync-go/internal/encryption"
	"wsync-go/internal/wsync"
)

// peer is the replica ID of documents materialized by the authority. The
// authority only merges and never authors ops.
const peer crdt.PeerID = "authority"

// Options configures an Authority. Zero values select defaults.
type Options struct {
	Logger wsync.Logger

	// Encryptor seals documents before they are written to the vault and
	// Decryption opens them. Both default to plaintext.
	Encryptor  wsync.Encryptor
	Decryption wsync.DecryptionContext

	// ConflictRetries bounds how often a push reloads and re-merges after
	// losing a generation race against another writer.
	ConflictRetries int
}

// Authority serves pulls and pushes from documents stored in a vault.
type Authority struct {
	vault wsync.Vault
	opts  Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ wsync.Remote = (*Authority)(nil)

// New creates an Authority backed by vault.
func New(vault wsync.Vault, opts Options) *Authority {
	if opts.Logger == nil {
		opts.Logger = wsync.NewNopLogger()
	}
	if opts.Encryptor == nil {
		opts.Encryptor = encryption.PlainEncryptor{}
	}
	if opts.Decryption == nil {
		opts.Decryption = encryption.PlainEncryptor{}
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	return &Authority{
		vault: vault,
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
	}
}

// lock serializes writers of one document within this process.
func (a *Authority) lock(key string) func() {
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Pull returns the ops of the scope's document not covered by version. An
// unknown scope yields an empty update.
func (a *Authority) Pull(ctx context.Context, scope wsync.Scope, version crdt.VersionVector) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", wsync.ErrRejected, err)
	}

	doc, _, err := a.load(ctx, scope.Key())
	if err != nil {
		return nil, err
	}
	update, err := doc.ExportUpdate(version)
	if err != nil {
		return nil, fmt.Errorf("exporting update for %s: %w", scope, err)
	}
	a.opts.Logger.Debug("served pull", "scope", scope.String(), "from", version.String(), "to", doc.Version().String())
	return update, nil
}

// Push merges update into the scope's document, stores the result and
// returns the ops the caller is missing relative to version. An update
// that cannot be merged is rejected with ErrRejected.
func (a *Authority) Push(ctx context.Context, scope wsync.Scope, version crdt.VersionVector, update []byte) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", wsync.ErrRejected, err)
	}
	key := scope.Key()
	unlock := a.lock(key)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= a.opts.ConflictRetries; attempt++ {
		doc, generation, err := a.load(ctx, key)
		if err != nil {
			return nil, err
		}

		before := doc.Version()
		if err := doc.Import(update); err != nil {
			a.opts.Logger.Warn("rejected push", "scope", scope.String(), "error", err)
			return nil, fmt.Errorf("%w: %v", wsync.ErrRejected, err)
		}

		if !before.Equal(doc.Version()) {
			err = a.save(ctx, key, doc, generation+1)
			if errors.Is(err, wsync.ErrConflict) {
				lastErr = err
				a.opts.Logger.Debug("generation conflict, retrying", "scope", scope.String(), "attempt", attempt+1)
				continue
			}
			if err != nil {
				return nil, err
			}
			a.opts.Logger.Info("stored document", "scope", scope.String(), "generation", generation+1, "version", doc.Version().String())
		}

		resp, err := doc.ExportUpdate(version)
		if err != nil {
			return nil, fmt.Errorf("exporting update for %s: %w", scope, err)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("storing %s after %d attempts: %w", scope, a.opts.ConflictRetries+1, lastErr)
}

// load reads and merges the stored document. A missing document is empty
// at generation 0.
func (a *Authority) load(ctx context.Context, key string) (*crdt.Document, int64, error) {
	generation, err := a.vault.GetGeneration(ctx, key)
	if err != nil {
		return nil, 0, &wsync.TransportError{Op: "vault generation", Err: err}
	}

	doc := crdt.New(peer)
	if generation == 0 {
		return doc, 0, nil
	}

	var sealed bytes.Buffer
	if err := a.vault.GetDocument(ctx, key, &sealed); err != nil {
		if errors.Is(err, wsync.ErrNotFound) {
			return doc, 0, nil
		}
		return nil, 0, &wsync.TransportError{Op: "vault get", Err: err}
	}

	data, err := encryption.Open(a.opts.Decryption, sealed.Bytes())
	if err != nil {
		return nil, 0, fmt.Errorf("decrypting document %s: %w", key, err)
	}
	if err := doc.Import(data); err != nil {
		return nil, 0, fmt.Errorf("loading document %s: %w", key, err)
	}
	return doc, generation, nil
}

func (a *Authority) save(ctx context.Context, key string, doc *crdt.Document, generation int64) error {
	snap, err := doc.ExportSnapshot()
	if err != nil {
		return fmt.Errorf("exporting snapshot: %w", err)
	}
	sealed, err := encryption.Seal(a.opts.Encryptor, snap)
	if err != nil {
		return fmt.Errorf("encrypting document %s: %w", key, err)
	}

	err = a.vault.PutDocument(ctx, key, bytes.NewReader(sealed), int64(len(sealed)), generation)
	if err != nil && !errors.Is(err, wsync.ErrConflict) {
		return &wsync.TransportError{Op: "vault put", Err: err}
	}
	return err
}
