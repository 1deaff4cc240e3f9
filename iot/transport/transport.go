/*Package transport provides the asynchronous request/response primitive
which the device APIs are built on.

A Connection is a shared, possibly multiplexed link to the hub. Request
scopes open Sessions on it; closing a session releases only that session's
state and never tears down the connection, so sibling sessions stay usable.

Every submitted request resolves exactly once through its result handler,
and the handler is always invoked on a dispatch goroutine of the session,
never inline with the submitting call. All handler invocations of one
session are serialized with respect to each other.
*/
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"
)

// ErrSessionClosed is delivered to handlers of requests submitted on a
// session that has been closed, and to requests still in flight when the
// session closes.
var ErrSessionClosed = errors.New("transport: session closed")

// ErrConnectionClosed is delivered when the underlying connection is gone.
var ErrConnectionClosed = errors.New("transport: connection closed")

// ErrTimeout is delivered when a request got no reply in time.
var ErrTimeout = errors.New("transport: request timed out")

// Request is a single request to a hub API endpoint.
type Request struct {
	Action   string          `json:"action"`
	DeviceID string          `json:"device_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Result is the outcome of a completed request. Status carries the result
// code defined by the addressed API; this layer passes it through untouched.
type Result struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResultHandler receives the outcome of a request: either a result with a
// nil error, or an error if the request could not be completed at all.
type ResultHandler func(Result, error)

// Handler is the server side of the contract: it processes a request
// addressed to a resource and returns its result. The context carries the
// logger restored from the request envelope.
type Handler func(ctx context.Context, address string, req Request) Result

// Session is a request scope on a connection, addressed to one resource.
type Session interface {
	// Send submits a request. The handler is invoked exactly once,
	// always deferred with respect to this call.
	Send(ctx context.Context, req Request, handler ResultHandler)
	// Close releases the session. The handler is invoked exactly once;
	// the session is unusable afterwards either way. Requests still in
	// flight resolve with an error. The connection is not affected.
	Close(handler func(error))
}

// Connection is a shared link which sessions multiplex over.
type Connection interface {
	OpenSession(address string) (Session, error)
	Close() error
}

// serialQueue runs enqueued functions one at a time in FIFO order on a
// background goroutine. Enqueue never blocks and never runs the function
// inline.
type serialQueue struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (q *serialQueue) enqueue(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.run()
}

func (q *serialQueue) run() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}
