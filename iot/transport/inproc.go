package transport

import (
	"context"
	"sync"
)

// InProc is an in-process connection. Requests are dispatched straight to a
// Handler, with the same deferred, serialized delivery semantics as any other
// connection. It backs single-binary deployments and tests.
type InProc struct {
	handler Handler

	mu     sync.Mutex
	closed bool
}

// NewInProc returns a new in-process connection serving requests with the
// given handler.
func NewInProc(handler Handler) *InProc {
	if handler == nil {
		panic("handler is missing")
	}
	return &InProc{handler: handler}
}

// OpenSession opens a session addressed to the given resource.
func (c *InProc) OpenSession(address string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return &inprocSession{conn: c, address: address}, nil
}

// Close closes the connection. Sessions already open fail their subsequent
// requests with ErrConnectionClosed.
func (c *InProc) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *InProc) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type inprocSession struct {
	conn    *InProc
	address string
	queue   serialQueue

	mu     sync.Mutex
	closed bool
}

func (s *inprocSession) Send(ctx context.Context, req Request, handler ResultHandler) {
	s.queue.enqueue(func() {
		// the close check happens on the dispatch goroutine, so requests
		// still queued when the session closes resolve with a failure
		// instead of being dropped
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			handler(Result{}, ErrSessionClosed)
			return
		}
		if s.conn.isClosed() {
			handler(Result{}, ErrConnectionClosed)
			return
		}
		handler(s.conn.handler(ctx, s.address, req), nil)
	})
}

func (s *inprocSession) Close(handler func(error)) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	s.queue.enqueue(func() {
		if alreadyClosed {
			handler(ErrSessionClosed)
			return
		}
		handler(nil)
	})
}
