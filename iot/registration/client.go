/*Package registration provides access to the device registration API.

A device needs to be registered under its tenant before the hub accepts
telemetry for it or delivers commands to it. The Client is the asynchronous,
tenant-scoped consumer side of the API; the Registry is the hub side.

All operations resolve through result handlers which are invoked exactly
once and never inline with the submitting call. The handler receives either
a result code of the registration API (a normal outcome, including
not-found and conflict) or an error if the request could not be completed
at all.
*/
package registration

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iothub/core/logger"
	"github.com/relabs-tech/iothub/core/resource"
	"github.com/relabs-tech/iothub/iot/transport"
)

// Endpoint is the resource endpoint of the registration API.
const Endpoint = "registration"

// result codes of the registration API
const (
	StatusOK          = 200
	StatusCreated     = 201
	StatusBadRequest  = 400
	StatusNotFound    = 404
	StatusConflict    = 409
	StatusServerError = 500
)

// actions of the registration API
const (
	ActionGet        = "get"
	ActionRegister   = "register"
	ActionDeregister = "deregister"
)

// ErrSessionClosed is delivered for any operation attempted after Close
// has completed, and for operations still in flight when the session
// closes. It is distinct from transport failures.
var ErrSessionClosed = errors.New("registration: session closed")

// ResultHandler receives the outcome of a registration operation. The
// status is only valid if err is nil.
type ResultHandler func(status int, err error)

// Client is a client for the registration API, scoped to one tenant.
type Client interface {
	// Get checks whether the device is registered. The handler receives
	// StatusOK if it is, StatusNotFound if it is not.
	Get(deviceID string, handler ResultHandler)
	// Register registers a device, with optional metadata. The handler
	// receives StatusCreated on success and StatusConflict if the device
	// is already registered; a duplicate registration is a normal
	// outcome, not a failure.
	Register(deviceID string, data json.RawMessage, handler ResultHandler)
	// Deregister removes the device's registration. Once deregistered,
	// the device can no longer upload telemetry or receive commands
	// until it is registered again.
	Deregister(deviceID string, handler ResultHandler)
	// Close releases the client's session. The shared connection is not
	// affected, sibling clients stay usable. The handler is invoked
	// exactly once; the client is unusable afterwards either way.
	Close(handler func(error))
}

type client struct {
	tenantID string
	session  transport.Session

	mu     sync.Mutex
	closed bool
}

// NewClient opens a registration client for the given tenant on the shared
// connection.
func NewClient(conn transport.Connection, tenantID string) (Client, error) {
	address, err := resource.New(Endpoint, tenantID, "")
	if err != nil {
		return nil, err
	}
	session, err := conn.OpenSession(address.String())
	if err != nil {
		return nil, err
	}
	return &client{tenantID: tenantID, session: session}, nil
}

func (c *client) Get(deviceID string, handler ResultHandler) {
	c.submit(transport.Request{Action: ActionGet, DeviceID: deviceID}, handler)
}

func (c *client) Register(deviceID string, data json.RawMessage, handler ResultHandler) {
	c.submit(transport.Request{Action: ActionRegister, DeviceID: deviceID, Payload: data}, handler)
}

func (c *client) Deregister(deviceID string, handler ResultHandler) {
	c.submit(transport.Request{Action: ActionDeregister, DeviceID: deviceID}, handler)
}

func (c *client) submit(req transport.Request, handler ResultHandler) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// still deferred, callers may not rely on inline completion
		go handler(0, ErrSessionClosed)
		return
	}

	ctx, _ := logger.ContextWithTenant(context.Background(), c.tenantID)
	c.session.Send(ctx, req, func(res transport.Result, err error) {
		if errors.Is(err, transport.ErrSessionClosed) {
			err = ErrSessionClosed
		}
		if err != nil {
			handler(0, err)
			return
		}
		handler(res.Status, nil)
	})
}

func (c *client) Close(handler func(error)) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		go handler(ErrSessionClosed)
		return
	}
	c.session.Close(handler)
}
