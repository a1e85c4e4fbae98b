// Package bridge implements the shell side of the cross-frame protocol: a
// transport abstraction over the isolation boundary, request/response
// correlation, and the attach/handshake state machine with its retry
// tolerances.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/triangleos/trios/pkg/protocol"
)

var (
	// ErrTransportClosed indicates the transport can no longer carry frames.
	ErrTransportClosed = errors.New("bridge: transport closed")
	// ErrCallTimeout indicates a correlated request saw no reply in time.
	ErrCallTimeout = errors.New("bridge: call timed out")
	// ErrOriginNotAllowed indicates the peer origin is outside the allow-list.
	ErrOriginNotAllowed = errors.New("bridge: origin not allowed")
	// ErrFrameNotReady indicates the embedded document never signalled
	// readiness within the bounded wait.
	ErrFrameNotReady = errors.New("bridge: frame not ready")
	// ErrNoFrame indicates no embedded frame is attached.
	ErrNoFrame = errors.New("bridge: no frame attached")
)

// Transport hides the underlying channel between the shell and the embedded
// document. The two sides share no memory; every interaction is
// copy-by-message.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	// Receive yields inbound messages until the transport closes.
	Receive() <-chan protocol.Message
	// Origin reports the peer's origin for allow-list checks.
	Origin() string
	Close() error
}

type callResult struct {
	msg protocol.Message
	err error
}

// pendingTracker correlates replies to outstanding requests by request id.
// Replies without a matching pending entry are simply dropped by the caller.
type pendingTracker struct {
	mu      sync.Mutex
	pending map[string]chan callResult
	closed  bool
	err     error
}

func newPendingTracker() *pendingTracker {
	return &pendingTracker{pending: make(map[string]chan callResult)}
}

func (p *pendingTracker) add(id string) (chan callResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if p.err == nil {
			p.err = ErrTransportClosed
		}
		return nil, p.err
	}
	if _, exists := p.pending[id]; exists {
		return nil, fmt.Errorf("bridge: duplicate request id %s", id)
	}
	ch := make(chan callResult, 1)
	p.pending[id] = ch
	return ch, nil
}

// deliver routes a reply to its waiting caller; returns false when no caller
// is waiting (stale or uncorrelated reply).
func (p *pendingTracker) deliver(id string, res callResult) bool {
	p.mu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- res
		close(ch)
	}
	return ok
}

func (p *pendingTracker) cancel(id string) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (p *pendingTracker) failAll(err error) {
	p.mu.Lock()
	for id, ch := range p.pending {
		delete(p.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	p.closed = true
	p.err = err
	p.mu.Unlock()
}
