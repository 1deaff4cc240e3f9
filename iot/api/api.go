/*Package api provides the RESTful interface to the device registration API.

It bridges synchronous HTTP requests onto the asynchronous registration
client: each request is submitted to the tenant's client and the handler
waits for the deferred result. Result codes of the registration API map
directly to HTTP status codes.
*/
package api

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iothub/core/logger"
	"github.com/relabs-tech/iothub/iot/registration"
	"github.com/relabs-tech/iothub/iot/transport"
)

// Builder is a builder helper for the Service.
type Builder struct {
	// Connection is the shared transport connection to the hub.
	// This is mandatory.
	Connection transport.Connection
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Timeout is the time to wait for an operation result before the
	// HTTP request fails with 504. The default is 10 seconds.
	Timeout time.Duration
}

// Service is the REST interface for device registration.
type Service struct {
	conn    transport.Connection
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]registration.Client
}

// MustNewService realizes the API and adds its routes to the router. It
// panics if a mandatory builder field is missing.
func MustNewService(b *Builder) *Service {
	if b.Connection == nil {
		panic("connection is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	s := &Service{
		conn:    b.Connection,
		timeout: timeout,
		clients: make(map[string]registration.Client),
	}
	s.handleRoutes(b.Router)
	return s
}

// clientForTenant returns the registration client for the tenant, opening
// one on the shared connection if necessary. Clients are cached; their
// sessions multiplex over the one connection.
func (s *Service) clientForTenant(tenantID string) (registration.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[tenantID]; ok {
		return client, nil
	}
	client, err := registration.NewClient(s.conn, tenantID)
	if err != nil {
		return nil, err
	}
	s.clients[tenantID] = client
	return client, nil
}

type outcome struct {
	status int
	err    error
}

// await submits the operation and waits for its deferred result.
func (s *Service) await(submit func(handler registration.ResultHandler)) outcome {
	results := make(chan outcome, 1)
	submit(func(status int, err error) {
		results <- outcome{status: status, err: err}
	})
	select {
	case o := <-results:
		return o
	case <-time.After(s.timeout):
		return outcome{err: transport.ErrTimeout}
	}
}

type deviceResponse struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
}

func (s *Service) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("registration: handle route /tenants/{tenant_id}/devices/{device_id} GET,PUT,DELETE")

	route := "/tenants/{tenant_id}/devices/{device_id}"

	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		tenantID, deviceID := params["tenant_id"], params["device_id"]
		rlog := logger.FromContext(r.Context())

		client, err := s.clientForTenant(tenantID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		o := s.await(func(handler registration.ResultHandler) {
			client.Get(deviceID, handler)
		})
		if o.err != nil {
			rlog.Errorln("cannot check registration:", o.err)
			http.Error(w, "registration request failed", http.StatusBadGateway)
			return
		}
		if o.status != registration.StatusOK {
			w.WriteHeader(o.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deviceResponse{DeviceID: deviceID, TenantID: tenantID})
	}).Methods(http.MethodGet)

	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		tenantID, deviceID := params["tenant_id"], params["device_id"]
		rlog := logger.FromContext(r.Context())

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		client, err := s.clientForTenant(tenantID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		o := s.await(func(handler registration.ResultHandler) {
			client.Register(deviceID, body, handler)
		})
		if o.err != nil {
			rlog.Errorln("cannot register device:", o.err)
			http.Error(w, "registration request failed", http.StatusBadGateway)
			return
		}
		if o.status != registration.StatusCreated {
			w.WriteHeader(o.status)
			return
		}
		rlog.Infoln("registered device", deviceID, "for tenant", tenantID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(deviceResponse{DeviceID: deviceID, TenantID: tenantID})
	}).Methods(http.MethodPut)

	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		tenantID, deviceID := params["tenant_id"], params["device_id"]
		rlog := logger.FromContext(r.Context())

		client, err := s.clientForTenant(tenantID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		o := s.await(func(handler registration.ResultHandler) {
			client.Deregister(deviceID, handler)
		})
		if o.err != nil {
			rlog.Errorln("cannot deregister device:", o.err)
			http.Error(w, "registration request failed", http.StatusBadGateway)
			return
		}
		if o.status == registration.StatusOK {
			rlog.Infoln("deregistered device", deviceID, "for tenant", tenantID)
		}
		w.WriteHeader(o.status)
	}).Methods(http.MethodDelete)
}

// Close closes all cached registration clients. The shared connection is
// left intact.
func (s *Service) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]registration.Client)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		client.Close(func(error) { wg.Done() })
	}
	wg.Wait()
}
