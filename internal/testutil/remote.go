package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wsync-go/internal/crdt"
	"wsync-go/internal/wsync"
)

// errUnreachable is what an offline FlakyRemote fails with.
var errUnreachable = errors.New("connection refused")

// FlakyRemote wraps a Remote with switchable failures and call counters.
type FlakyRemote struct {
	inner wsync.Remote

	mu      sync.Mutex
	offline bool
	failing int
	reject  error
	corrupt bool
	gate    chan struct{}
	pulls   int
	pushes  int
}

// NewFlakyRemote wraps inner. It starts reachable.
func NewFlakyRemote(inner wsync.Remote) *FlakyRemote {
	return &FlakyRemote{inner: inner}
}

// SetOffline makes every call fail with a transport error.
func (r *FlakyRemote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// FailPushes makes the next n pushes fail with a transport error.
func (r *FlakyRemote) FailPushes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = n
}

// SetReject makes pushes fail with err, which is wrapped in ErrRejected.
// A nil err clears it.
func (r *FlakyRemote) SetReject(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = err
}

// SetCorrupt makes successful calls return bytes that cannot be imported.
func (r *FlakyRemote) SetCorrupt(corrupt bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corrupt = corrupt
}

// Hold blocks pushes until the returned release function is called.
func (r *FlakyRemote) Hold() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.gate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Pulls returns the number of pull attempts.
func (r *FlakyRemote) Pulls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// Pushes returns the number of push attempts, failed ones included.
func (r *FlakyRemote) Pushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

func (r *FlakyRemote) Pull(ctx context.Context, scope wsync.Scope, version crdt.VersionVector) ([]byte, error) {
	r.mu.Lock()
	r.pulls++
	offline, corrupt := r.offline, r.corrupt
	r.mu.Unlock()

	if offline {
		return nil, &wsync.TransportError{Op: "pull", Err: errUnreachable}
	}
	resp, err := r.inner.Pull(ctx, scope, version)
	if err == nil && corrupt {
		return []byte("not a document"), nil
	}
	return resp, err
}

func (r *FlakyRemote) Push(ctx context.Context, scope wsync.Scope, version crdt.VersionVector, update []byte) ([]byte, error) {
	r.mu.Lock()
	r.pushes++
	offline, reject, corrupt, gate := r.offline, r.reject, r.corrupt, r.gate
	if r.failing > 0 {
		r.failing--
		offline = true
	}
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &wsync.TransportError{Op: "push", Err: ctx.Err()}
		}
	}
	if offline {
		return nil, &wsync.TransportError{Op: "push", Err: errUnreachable}
	}
	if reject != nil {
		return nil, fmt.Errorf("%w: %v", wsync.ErrRejected, reject)
	}
	resp, err := r.inner.Push(ctx, scope, version, update)
	if err == nil && corrupt {
		return []byte("not a document"), nil
	}
	return resp, err
}

var _ wsync.Remote = (*FlakyRemote)(nil)
