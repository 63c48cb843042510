package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"wsync-go/internal/authority"
	"wsync-go/internal/changeset"
	"wsync-go/internal/config"
	"wsync-go/internal/crdt"
	"wsync-go/internal/database"
	"wsync-go/internal/encryption"
	"wsync-go/internal/fs"
	"wsync-go/internal/markdiff"
	"wsync-go/internal/vault"
	"wsync-go/internal/workspace"
	"wsync-go/internal/wsync"
)

// Options tunes NewWSApp. Zero values select defaults.
type Options struct {
	// Scope overrides the configured default scope when its organization
	// is set.
	Scope wsync.Scope
	// Vault names the configured vault to use. Empty selects the first.
	Vault string
	// Passphrase unlocks the private key when age encryption is configured.
	Passphrase func() (string, error)
	// Console receives log records at or above ConsoleLevel.
	Console      io.Writer
	ConsoleLevel slog.Level
	Clock        wsync.Clock
}

// WSApp is the application layer between the CLI and the sync controller.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw paths, and releases everything on Close.
type WSApp struct {
	cfg    *config.Config
	scope  wsync.Scope
	clock  wsync.Clock
	store  wsync.Store
	vault  wsync.Vault
	ctrl   *wsync.Controller
	op     *CommandOperation
	logger *slog.Logger
	logs   io.Closer
}

// NewWSApp creates a fully wired WSApp from the given config.
// operation identifies the CLI command being run (e.g. "import", "sync").
// The caller must call Close when done.
func NewWSApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*WSApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	scope := wsync.Scope{
		Organization: cfg.Scope.Organization,
		Project:      cfg.Scope.Project,
		Campaign:     cfg.Scope.Campaign,
	}
	if opts.Scope.Organization != "" {
		scope = opts.Scope
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = wsync.RealClock{}
	}

	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	logger, logs, err := newLogger(cfg.LogDir, cfg.Log, opID, opts.Console, opts.ConsoleLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	wlog := &slogAdapter{l: logger}

	a := &WSApp{cfg: cfg, scope: scope, clock: opts.Clock, logger: logger, logs: logs}
	fail := func(err error) (*WSApp, error) {
		a.release()
		return nil, err
	}

	vcfg, err := cfg.Vault(opts.Vault)
	if err != nil {
		return fail(err)
	}
	if a.vault, err = vault.NewVaultFromConfig(ctx, vcfg); err != nil {
		return fail(fmt.Errorf("creating vault: %w", err))
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fail(fmt.Errorf("creating encryptor: %w", err))
	}
	dc, err := unlock(cfg.Encryption, enc, opts.Passphrase)
	if err != nil {
		return fail(err)
	}

	if a.store, err = database.NewStoreFromConfig(cfg.Store, cfg.ReplicaID, wlog, opts.Clock); err != nil {
		return fail(fmt.Errorf("creating store: %w", err))
	}
	if checker, ok := a.store.(interface{ CheckMigrations() error }); ok {
		if err := checker.CheckMigrations(); err != nil {
			return fail(fmt.Errorf("store schema out of date: %w", err))
		}
	}

	remote := authority.New(a.vault, authority.Options{
		Logger:     wlog,
		Encryptor:  enc,
		Decryption: dc,
	})
	a.ctrl = wsync.NewController(a.store, remote, wsync.Options{
		Logger:         wlog,
		Clock:          opts.Clock,
		NetworkTimeout: cfg.Sync.NetworkTimeout,
		Retry: wsync.RetryPolicy{
			MaxTries:        uint(cfg.Sync.MaxRetries),
			InitialInterval: cfg.Sync.InitialBackoff,
			MaxInterval:     cfg.Sync.MaxBackoff,
		},
	})
	a.op = NewCommandOperation(operation, "")

	logger.Debug("app ready", "operation", operation, "scope", scope.String(), "vault", vcfg.Name, "store", cfg.Store.Type)
	return a, nil
}

func unlock(cfg config.EncryptionConfig, enc wsync.Encryptor, passphrase func() (string, error)) (wsync.DecryptionContext, error) {
	if cfg.Type != "age" {
		return enc.Unlock("")
	}
	if !enc.IsConfigured() {
		return nil, fmt.Errorf("encryption keys not found; run 'wsync keys init' first")
	}
	if passphrase == nil {
		return nil, fmt.Errorf("age encryption requires a passphrase")
	}
	p, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	dc, err := enc.Unlock(p)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key: %w", err)
	}
	return dc, nil
}

// InitKeys generates the configured key pair protected by passphrase.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	if enc.IsConfigured() && cfg.Encryption.Type == "age" {
		return fmt.Errorf("keys already exist at %s", cfg.Encryption.PublicKeyPath)
	}
	return enc.Setup(passphrase)
}

// Scope returns the scope this app operates on.
func (a *WSApp) Scope() wsync.Scope { return a.scope }

// persistOperation saves the command to the operation log. Only commands
// that change the workspace call it.
func (a *WSApp) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	rec, err := a.store.CreateSyncOperation(a.scope.Key(), a.op.Operation, parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	a.op.ID = rec.ID
	return nil
}

// Document returns the live workspace document.
func (a *WSApp) Document(ctx context.Context) (*crdt.Document, error) {
	return a.ctrl.Open(ctx, a.scope)
}

// Cat returns the content of the file at path.
func (a *WSApp) Cat(ctx context.Context, path string) (string, error) {
	doc, err := a.Document(ctx)
	if err != nil {
		return "", err
	}
	return workspace.ReadFile(doc, path)
}

// Apply pushes ops and waits for the authority. A push deferred because the
// authority is unreachable is not an error; Status reports it as pending.
func (a *WSApp) Apply(ctx context.Context, ops ...workspace.Operation) error {
	res, err := a.ctrl.Push(ctx, a.scope, ops)
	if err != nil {
		return a.op.Fail(err)
	}
	return a.op.Fail(res.Wait(ctx))
}

// Sync sends unsynced local edits and merges what the authority has.
func (a *WSApp) Sync(ctx context.Context) error {
	res, err := a.ctrl.Sync(ctx, a.scope)
	if err != nil {
		return a.op.Fail(err)
	}
	return a.op.Fail(res.Wait(ctx))
}

// Status returns the sync status of the scope.
func (a *WSApp) Status() wsync.Status {
	return a.ctrl.Status(a.scope)
}

// Changes returns the workspace tree annotated with the edits not yet
// confirmed by the authority.
func (a *WSApp) Changes(ctx context.Context) ([]*changeset.Node, error) {
	doc, err := a.Document(ctx)
	if err != nil {
		return nil, err
	}
	base, err := a.ctrl.Baseline(ctx, a.scope)
	if err != nil {
		return nil, err
	}
	return changeset.BuildTree(doc, base)
}

// Tree returns the workspace tree without change annotations.
func (a *WSApp) Tree(ctx context.Context) ([]*changeset.Node, error) {
	doc, err := a.Document(ctx)
	if err != nil {
		return nil, err
	}
	return changeset.BuildTree(doc, nil)
}

// ContentDiff renders the unconfirmed edits of the file at path as
// highlighted Markdown. An unchanged file renders as its content.
func (a *WSApp) ContentDiff(ctx context.Context, path string) (string, error) {
	tree, err := a.Changes(ctx)
	if err != nil {
		return "", err
	}
	n := FindNode(tree, path)
	if n == nil {
		return "", fmt.Errorf("%s: %w", path, workspace.ErrNotFound)
	}
	if n.IsDir() {
		return "", fmt.Errorf("%s: %w", path, workspace.ErrNotFile)
	}
	if n.Changes == nil || n.Changes.Content == nil {
		if n.Content == nil {
			return "", nil
		}
		return markdiff.GenerateDiffMarkdown(n.Content.String(), nil), nil
	}
	return markdiff.GenerateDiffMarkdown(n.Changes.Content.Old, n.Changes.Content.Diff), nil
}

// FindNode returns the node at path in tree, or nil.
func FindNode(tree []*changeset.Node, path string) *changeset.Node {
	for _, n := range tree {
		if n.Path == path {
			return n
		}
		if strings.HasPrefix(path, n.Path+"/") {
			if found := FindNode(n.Children, path); found != nil {
				return found
			}
		}
	}
	return nil
}

// Import makes the workspace match the directory tree at rawPath and
// returns the number of operations pushed.
func (a *WSApp) Import(ctx context.Context, rawPath string, prune bool) (int, error) {
	fsmgr, root, err := a.localTree(rawPath)
	if err != nil {
		return 0, err
	}
	if err := a.persistOperation(root); err != nil {
		return 0, err
	}
	doc, err := a.Document(ctx)
	if err != nil {
		return 0, a.op.Fail(err)
	}
	ops, err := fs.ImportOps(doc, fsmgr, root, prune)
	if err != nil {
		return 0, a.op.Fail(err)
	}
	if len(ops) == 0 {
		a.logger.Info("import found no changes", "root", root)
		return 0, nil
	}
	a.logger.Info("importing", "root", root, "operations", len(ops))
	return len(ops), a.Apply(ctx, ops...)
}

// Export writes the workspace below rawPath, creating it if needed, and
// returns the number of files written.
func (a *WSApp) Export(ctx context.Context, rawPath string) (int, error) {
	if err := os.MkdirAll(rawPath, 0755); err != nil {
		return 0, fmt.Errorf("creating export directory: %w", err)
	}
	fsmgr, root, err := a.localTree(rawPath)
	if err != nil {
		return 0, err
	}
	if err := a.persistOperation(root); err != nil {
		return 0, err
	}
	doc, err := a.Document(ctx)
	if err != nil {
		return 0, a.op.Fail(err)
	}
	n, err := fs.Export(doc, fsmgr, root)
	return n, a.op.Fail(err)
}

func (a *WSApp) localTree(rawPath string) (*fs.OSFilesystemManager, string, error) {
	root, err := fs.NewOSFilesystemManager(nil).Resolve(rawPath)
	if err != nil {
		return nil, "", fmt.Errorf("resolving path: %w", err)
	}
	ignore, err := fs.NewDefaultIgnoreMatcher(root, a.cfg.Filesystem.Ignore)
	if err != nil {
		return nil, "", err
	}
	return fs.NewOSFilesystemManager(ignore), root, nil
}

// History returns the most recent entries of the operation log.
func (a *WSApp) History(limit int) ([]*wsync.SyncOperation, error) {
	return a.ctrl.History(limit)
}

// CheckVault verifies that the configured vault is reachable.
func (a *WSApp) CheckVault(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Sync.NetworkTimeout)
	defer cancel()
	return a.vault.ValidateSetup(ctx)
}

// Close finishes the operation record, stops background sync work and
// closes the store.
func (a *WSApp) Close() error {
	var firstErr error

	if a.ctrl != nil {
		if err := a.ctrl.Close(); err != nil {
			firstErr = fmt.Errorf("closing controller: %w", err)
		}
	}
	if a.op != nil && a.op.Persisted() {
		if err := a.store.FinishSyncOperation(a.op.ID, a.op.Status, a.clock.Now()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *WSApp) release() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing store: %w", err)
		}
		a.store = nil
	}
	if a.logs != nil {
		a.logs.Close()
		a.logs = nil
	}
	return firstErr
}

// defaultWait bounds how long a CLI command waits for the authority.
const defaultWait = 2 * time.Minute

// WithWait returns a context bounded by the time a command may wait on the
// network phase of a push.
func WithWait(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultWait)
}
