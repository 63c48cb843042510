package wsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"wsync-go/internal/crdt"
	"wsync-go/internal/workspace"
)

// RetryPolicy bounds the retries of a reconciliation push.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures a Controller. Zero values select defaults.
type Options struct {
	Logger         Logger
	Clock          Clock
	IDs            IDGenerator
	NetworkTimeout time.Duration
	Retry          RetryPolicy

	// OnDocument is called when a background exchange replaces the
	// document of a scope. Callers holding the old document should switch.
	OnDocument func(Scope, *crdt.Document)

	// OnStatus is called whenever the status of a scope changes.
	OnStatus func(Scope, Status)
}

// Status is what a UI shows about a scope.
type Status struct {
	Online bool
	// Pending means local edits are saved but not yet accepted by the authority.
	Pending      bool
	LastSyncedAt time.Time
}

// PushResult reports the network phase of a push.
type PushResult struct {
	done chan struct{}
	err  error
}

func newPushResult() *PushResult {
	return &PushResult{done: make(chan struct{})}
}

func (r *PushResult) finish(err error) {
	r.err = err
	close(r.done)
}

// Done is closed once the network phase has finished.
func (r *PushResult) Done() <-chan struct{} { return r.done }

// Wait blocks until the network phase finishes. It returns nil when the
// authority accepted the push or when the push was deferred because the
// authority was unreachable.
func (r *PushResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type scopeState struct {
	// mu serializes mutation and persistence of the scope's document.
	mu           sync.Mutex
	scope        Scope
	doc          *crdt.Document
	synced       crdt.VersionVector
	lastSyncedAt time.Time
	pending      bool
}

// Controller keeps local replicas durable and synchronized with a Remote.
// Each scope has exactly one live document; local edits go through Push.
type Controller struct {
	store  Store
	remote Remote
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	online bool
	closed bool
	scopes map[string]*scopeState
}

// NewController returns a controller that starts in the online state.
func NewController(store Store, remote Remote, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 30 * time.Second
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry.MaxTries = 5
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = 500 * time.Millisecond
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:  store,
		remote: remote,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		online: true,
		scopes: make(map[string]*scopeState),
	}
}

func (c *Controller) state(scope Scope) (*scopeState, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	key := scope.Key()
	st, ok := c.scopes[key]
	if !ok {
		st = &scopeState{scope: scope, synced: crdt.VersionVector{}}
		c.scopes[key] = st
	}
	return st, nil
}

// Online reports whether the controller believes the authority is reachable.
func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Controller) newPeer() crdt.PeerID {
	return crdt.PeerID(c.opts.IDs.New())
}

// Open returns the live document of scope. The first open of a scope with
// no local record blocks on a pull from the authority. Otherwise the cached
// document is returned at once and refreshed in the background.
func (c *Controller) Open(ctx context.Context, scope Scope) (*crdt.Document, error) {
	st, err := c.state(scope)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.doc != nil {
		doc := st.doc
		st.mu.Unlock()
		return doc, nil
	}

	op := c.begin(scope, "open", "")
	doc, cached, err := c.load(ctx, st)
	st.mu.Unlock()
	if err != nil {
		if IsTransport(err) {
			c.markOffline(err)
		}
		c.finish(op, StatusError)
		return nil, err
	}
	c.finish(op, StatusSuccess)
	c.publish(st)
	if cached {
		c.refresh(st)
	}
	return doc, nil
}

// load fills st from the local record, or from a blocking pull when there
// is none. Must hold st.mu.
func (c *Controller) load(ctx context.Context, st *scopeState) (*crdt.Document, bool, error) {
	key := st.scope.Key()
	rec, err := c.store.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("reading sync record: %w", err)
	}

	if rec != nil {
		doc, synced, err := c.hydrate(rec)
		if err != nil {
			c.discard(st)
			return nil, false, fmt.Errorf("loading cached document for %s: %w", st.scope, err)
		}
		st.doc = doc
		st.synced = synced
		st.lastSyncedAt = rec.LastSyncedAt
		st.pending = !synced.Covers(doc.Version())
		c.opts.Logger.Debug("opened cached document", "scope", st.scope.String(), "version", doc.Version().String(), "frontiers", fmt.Sprint(doc.Frontiers()), "pending", st.pending)
		return doc, true, nil
	}

	doc := crdt.New(c.newPeer())
	blob, err := c.pull(ctx, st.scope, doc.Version())
	if err != nil {
		return nil, false, fmt.Errorf("pulling %s: %w", st.scope, err)
	}
	remoteVersion, err := crdt.UpdateVersion(blob)
	if err == nil {
		err = doc.Import(blob)
	}
	if err != nil {
		c.discard(st)
		return nil, false, fmt.Errorf("importing %s: %w", st.scope, err)
	}
	st.doc = doc
	st.synced = remoteVersion
	st.lastSyncedAt = c.opts.Clock.Now()
	st.pending = false
	if err := c.persist(st); err != nil {
		return nil, false, err
	}
	c.opts.Logger.Info("pulled document", "scope", st.scope.String(), "version", doc.Version().String())
	return doc, false, nil
}

func (c *Controller) hydrate(rec *SyncRecord) (*crdt.Document, crdt.VersionVector, error) {
	synced, err := crdt.DecodeVersionVector(rec.SyncedVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", crdt.ErrImport, err)
	}
	doc := crdt.New(c.newPeer())
	if len(rec.Snapshot) > 0 {
		if err := doc.Import(rec.Snapshot); err != nil {
			return nil, nil, err
		}
	}
	return doc, synced, nil
}

// discard drops the local record of a scope so that the next open starts
// from a clean pull. Must hold st.mu.
func (c *Controller) discard(st *scopeState) {
	if err := c.store.Delete(st.scope.Key()); err != nil {
		c.opts.Logger.Error("deleting corrupt sync record", "scope", st.scope.String(), "error", err)
	}
	st.doc = nil
	st.synced = crdt.VersionVector{}
	st.lastSyncedAt = time.Time{}
	st.pending = false
	c.opts.Logger.Warn("discarded local cache", "scope", st.scope.String())
}

// persist writes the full snapshot of st. Must hold st.mu.
func (c *Controller) persist(st *scopeState) error {
	snap, err := st.doc.ExportSnapshot()
	if err != nil {
		return fmt.Errorf("exporting snapshot: %w", err)
	}
	rec := &SyncRecord{
		SyncedVersion: st.synced.Encode(),
		LastSyncedAt:  st.lastSyncedAt,
		Snapshot:      snap,
	}
	if err := c.store.Set(st.scope.Key(), rec); err != nil {
		return fmt.Errorf("saving sync record for %s: %w", st.scope, err)
	}
	return nil
}

func (c *Controller) pull(ctx context.Context, scope Scope, version crdt.VersionVector) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.NetworkTimeout)
	defer cancel()
	return c.remote.Pull(ctx, scope, version)
}

// refresh pulls in the background and swaps in the merged document.
func (c *Controller) refresh(st *scopeState) {
	if !c.Online() || !c.track() {
		return
	}
	go func() {
		defer c.wg.Done()

		st.mu.Lock()
		if st.doc == nil {
			st.mu.Unlock()
			return
		}
		version := st.doc.Version()
		st.mu.Unlock()

		blob, err := c.pull(c.ctx, st.scope, version)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if IsTransport(err) {
				c.markOffline(err)
			}
			c.opts.Logger.Warn("background refresh failed", "scope", st.scope.String(), "error", err)
			return
		}
		// A pull carries none of our ops, so only the authority's own
		// version becomes synced.
		if doc := c.merge(st, crdt.VersionVector{}, blob); doc != nil && c.opts.OnDocument != nil {
			c.opts.OnDocument(st.scope, doc)
		}
		c.publish(st)
	}()
}

// merge imports blob into a copy of the scope's document, replaces the
// document with the copy and persists it. sent is the local version the
// authority has acknowledged in addition to the version recorded in blob. Returns nil if the
// bytes could not be merged, in which case the local cache is discarded.
func (c *Controller) merge(st *scopeState, sent crdt.VersionVector, blob []byte) *crdt.Document {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.doc == nil {
		return nil
	}

	remoteVersion, err := crdt.UpdateVersion(blob)
	var next *crdt.Document
	if err == nil {
		next = st.doc.Clone()
		err = next.Import(blob)
	}
	if err != nil {
		c.opts.Logger.Error("merging authority update", "scope", st.scope.String(), "error", err)
		c.discard(st)
		return nil
	}

	st.doc = next
	st.synced = st.synced.Join(sent).Join(remoteVersion)
	st.lastSyncedAt = c.opts.Clock.Now()
	st.pending = !st.synced.Covers(next.Version())
	if err := c.persist(st); err != nil {
		c.opts.Logger.Error("persisting merged document", "scope", st.scope.String(), "error", err)
	}
	return next
}

// Push applies ops to the live document of scope and saves the result
// locally before returning. ops are applied all-or-nothing; a failing op
// is returned as an error and nothing is saved. The exchange with the
// authority continues in the background and is reported by the result.
func (c *Controller) Push(ctx context.Context, scope Scope, ops []workspace.Operation) (*PushResult, error) {
	return c.push(ctx, scope, ops, false)
}

// Sync sends any unsynced local edits and merges what the authority has.
func (c *Controller) Sync(ctx context.Context, scope Scope) (*PushResult, error) {
	return c.push(ctx, scope, nil, false)
}

func (c *Controller) push(ctx context.Context, scope Scope, ops []workspace.Operation, retry bool) (*PushResult, error) {
	if _, err := c.Open(ctx, scope); err != nil {
		return nil, err
	}
	st, err := c.state(scope)
	if err != nil {
		return nil, err
	}

	op := c.begin(scope, "push", describe(ops))
	st.mu.Lock()
	if st.doc == nil {
		st.mu.Unlock()
		c.finish(op, StatusError)
		return nil, fmt.Errorf("pushing %s: document discarded", scope)
	}
	if err := c.applyLocal(st, ops); err != nil {
		st.mu.Unlock()
		c.finish(op, StatusError)
		return nil, err
	}
	sent := st.doc.Version()
	update, err := st.doc.ExportUpdate(st.synced)
	if err != nil {
		st.mu.Unlock()
		c.finish(op, StatusError)
		return nil, fmt.Errorf("exporting update: %w", err)
	}
	if !st.synced.Covers(sent) {
		st.pending = true
	}
	st.mu.Unlock()
	c.publish(st)

	res := newPushResult()
	if !c.Online() {
		c.opts.Logger.Info("offline, push deferred", "scope", scope.String())
		c.finish(op, StatusPending)
		res.finish(nil)
		return res, nil
	}

	if !c.track() {
		c.opts.Logger.Info("controller closed, push deferred", "scope", scope.String())
		c.finish(op, StatusPending)
		res.finish(nil)
		return res, nil
	}
	go func() {
		defer c.wg.Done()
		err := c.exchange(st, sent, update, retry)
		switch {
		case err == nil:
			c.finish(op, StatusSuccess)
		case IsTransport(err) || errors.Is(err, context.Canceled):
			c.opts.Logger.Warn("push deferred", "scope", scope.String(), "error", err)
			c.finish(op, StatusPending)
			err = nil
		default:
			c.opts.Logger.Error("push failed", "scope", scope.String(), "error", err)
			c.finish(op, StatusError)
		}
		c.publish(st)
		res.finish(err)
	}()
	return res, nil
}

// applyLocal applies ops to a clone, merges the clone into the live
// document and saves the snapshot. Must hold st.mu.
func (c *Controller) applyLocal(st *scopeState, ops []workspace.Operation) error {
	if len(ops) > 0 {
		draft := st.doc.Clone()
		if err := workspace.Apply(draft, ops...); err != nil {
			return err
		}
		delta, err := draft.ExportUpdate(st.doc.Version())
		if err != nil {
			return fmt.Errorf("exporting local edits: %w", err)
		}
		if err := st.doc.Import(delta); err != nil {
			return fmt.Errorf("merging local edits: %w", err)
		}
	}
	return c.persist(st)
}

// exchange sends update to the authority and merges the response.
func (c *Controller) exchange(st *scopeState, sent crdt.VersionVector, update []byte, retry bool) error {
	attempt := func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.NetworkTimeout)
		defer cancel()
		resp, err := c.remote.Push(ctx, st.scope, sent, update)
		if err != nil && !IsTransport(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	var resp []byte
	var err error
	if retry {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.opts.Retry.InitialInterval
		b.MaxInterval = c.opts.Retry.MaxInterval
		resp, err = backoff.Retry(c.ctx, attempt,
			backoff.WithBackOff(b),
			backoff.WithMaxTries(c.opts.Retry.MaxTries),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.opts.Logger.Debug("retrying reconciliation", "scope", st.scope.String(), "error", err, "next", next)
			}),
		)
	} else {
		resp, err = attempt()
	}
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if IsTransport(err) {
			st.mu.Lock()
			st.pending = true
			st.mu.Unlock()
			c.markOffline(err)
		}
		return err
	}

	doc := c.merge(st, sent, resp)
	if doc == nil {
		return fmt.Errorf("merging response for %s: %w", st.scope, crdt.ErrImport)
	}
	if c.opts.OnDocument != nil {
		c.opts.OnDocument(st.scope, doc)
	}
	c.opts.Logger.Info("synced", "scope", st.scope.String(), "version", doc.Version().String())
	return nil
}

func (c *Controller) markOffline(err error) {
	c.mu.Lock()
	was := c.online
	c.online = false
	c.mu.Unlock()
	if was {
		c.opts.Logger.Warn("authority unreachable, going offline", "error", err)
		c.publishAll()
	}
}

// SetOnline records a connectivity change. Going from offline to online
// starts exactly one reconciliation push for every scope with pending
// edits; the results of those pushes are returned.
func (c *Controller) SetOnline(online bool) []*PushResult {
	c.mu.Lock()
	was := c.online
	c.online = online
	var pending []*scopeState
	if !was && online {
		for _, st := range c.scopes {
			st.mu.Lock()
			if st.pending && st.doc != nil {
				pending = append(pending, st)
			}
			st.mu.Unlock()
		}
	}
	c.mu.Unlock()

	if was != online {
		c.opts.Logger.Info("connectivity changed", "online", online)
		c.publishAll()
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].scope.String() < pending[j].scope.String() })
	var results []*PushResult
	for _, st := range pending {
		res, err := c.push(c.ctx, st.scope, nil, true)
		if err != nil {
			c.opts.Logger.Error("starting reconciliation", "scope", st.scope.String(), "error", err)
			continue
		}
		results = append(results, res)
	}
	return results
}

// Status returns the sync status of scope.
func (c *Controller) Status(scope Scope) Status {
	st, err := c.state(scope)
	if err != nil {
		return Status{Online: c.Online()}
	}
	return c.status(st)
}

func (c *Controller) status(st *scopeState) Status {
	online := c.Online()
	st.mu.Lock()
	defer st.mu.Unlock()
	return Status{Online: online, Pending: st.pending, LastSyncedAt: st.lastSyncedAt}
}

func (c *Controller) publish(st *scopeState) {
	if c.opts.OnStatus == nil {
		return
	}
	c.opts.OnStatus(st.scope, c.status(st))
}

func (c *Controller) publishAll() {
	if c.opts.OnStatus == nil {
		return
	}
	c.mu.Lock()
	states := make([]*scopeState, 0, len(c.scopes))
	for _, st := range c.scopes {
		states = append(states, st)
	}
	c.mu.Unlock()
	for _, st := range states {
		c.publish(st)
	}
}

// Baseline returns a copy of the scope's document as last confirmed by the
// authority, for diffing against the live document.
func (c *Controller) Baseline(ctx context.Context, scope Scope) (*crdt.Document, error) {
	if _, err := c.Open(ctx, scope); err != nil {
		return nil, err
	}
	st, err := c.state(scope)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.doc == nil {
		return nil, fmt.Errorf("baseline of %s: document discarded", scope)
	}
	return st.doc.ForkAt(st.synced)
}

// History returns the most recent entries of the operation log.
func (c *Controller) History(limit int) ([]*SyncOperation, error) {
	return c.store.ListSyncOperations(limit)
}

// Close cancels background work and waits for it to stop. The store is
// left open.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}

// track registers one background goroutine. It fails once Close has
// started so that no Add races the final Wait.
func (c *Controller) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Controller) begin(scope Scope, operation, params string) *SyncOperation {
	op, err := c.store.CreateSyncOperation(scope.Key(), operation, params, c.opts.Clock.Now())
	if err != nil {
		c.opts.Logger.Warn("recording operation", "operation", operation, "error", err)
		return nil
	}
	return op
}

func (c *Controller) finish(op *SyncOperation, status string) {
	if op == nil {
		return
	}
	if err := c.store.FinishSyncOperation(op.ID, status, c.opts.Clock.Now()); err != nil {
		c.opts.Logger.Warn("finishing operation", "id", op.ID, "error", err)
	}
}

func describe(ops []workspace.Operation) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.String()
	}
	return strings.Join(parts, "; ")
}
