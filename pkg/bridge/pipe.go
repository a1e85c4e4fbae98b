package bridge

import (
	"context"
	"sync"

	"github.com/triangleos/trios/pkg/protocol"
)

// Pipe is an in-process Transport, one end of a cross-wired pair. It stands
// in for the real socket in tests and for locally embedded documents.
type Pipe struct {
	origin string
	out    chan<- protocol.Message
	in     <-chan protocol.Message
	done   chan struct{}
	once   sync.Once
}

// NewPipe returns both ends of an in-process transport. Messages sent on one
// end are received on the other. Both ends report the same origin.
func NewPipe(origin string) (*Pipe, *Pipe) {
	ab := make(chan protocol.Message, 16)
	ba := make(chan protocol.Message, 16)
	done := make(chan struct{})
	a := &Pipe{origin: origin, out: ab, in: ba, done: done}
	b := &Pipe{origin: origin, out: ba, in: ab, done: done}
	return a, b
}

// Send queues a message for the peer end.
func (p *Pipe) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive yields messages from the peer end.
func (p *Pipe) Receive() <-chan protocol.Message { return p.in }

// Origin reports the simulated peer origin.
func (p *Pipe) Origin() string { return p.origin }

// Close tears down both ends.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
