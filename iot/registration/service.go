package registration

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iothub/core/logger"
	"github.com/relabs-tech/iothub/core/resource"
	"github.com/relabs-tech/iothub/core/schema"
	"github.com/relabs-tech/iothub/iot/transport"
)

// RegistryBuilder is a builder helper for the Registry.
type RegistryBuilder struct {
	// Validator validates device metadata on registration. Optional.
	Validator *schema.Validator
	// SchemaID is the $id of the schema metadata is validated against.
	// Mandatory if Validator is set.
	SchemaID string
}

// Registry is the hub side of the registration API. It keeps device
// registrations per tenant in memory and answers requests with the result
// codes of the registration API.
type Registry struct {
	validator *schema.Validator
	schemaID  string

	mu      sync.RWMutex
	tenants map[string]map[string]json.RawMessage
}

// NewRegistry returns a new registry. The builder may be nil.
func NewRegistry(b *RegistryBuilder) *Registry {
	r := &Registry{
		tenants: make(map[string]map[string]json.RawMessage),
	}
	if b != nil {
		if b.Validator != nil && len(b.SchemaID) == 0 {
			panic("schema ID is missing")
		}
		r.validator = b.Validator
		r.schemaID = b.SchemaID
	}
	return r
}

// device is the payload shape of a successful get
type device struct {
	DeviceID string          `json:"device_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Handle processes a single registration request. It implements
// transport.Handler and never fails on the transport level: every outcome,
// including not-found and conflict, is a result code.
func (r *Registry) Handle(ctx context.Context, address string, req transport.Request) transport.Result {
	rlog := logger.FromContext(ctx)

	id, err := resource.Parse(address)
	if err != nil || id.Endpoint() != Endpoint {
		rlog.Warnln("request for invalid address:", address)
		return transport.Result{Status: StatusBadRequest}
	}
	tenantID := id.TenantID()
	if req.DeviceID == "" {
		return transport.Result{Status: StatusBadRequest}
	}

	switch req.Action {
	case ActionGet:
		return r.get(tenantID, req.DeviceID)
	case ActionRegister:
		rlog.Debugln("register device", req.DeviceID)
		return r.register(tenantID, req.DeviceID, req.Payload)
	case ActionDeregister:
		rlog.Debugln("deregister device", req.DeviceID)
		return r.deregister(tenantID, req.DeviceID)
	default:
		rlog.Warnln("unknown action:", req.Action)
		return transport.Result{Status: StatusBadRequest}
	}
}

func (r *Registry) get(tenantID, deviceID string) transport.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.tenants[tenantID][deviceID]
	if !ok {
		return transport.Result{Status: StatusNotFound}
	}
	payload, err := json.Marshal(device{DeviceID: deviceID, Data: data})
	if err != nil {
		return transport.Result{Status: StatusServerError}
	}
	return transport.Result{Status: StatusOK, Payload: payload}
}

func (r *Registry) register(tenantID, deviceID string, data json.RawMessage) transport.Result {
	if r.validator != nil && len(data) > 0 {
		if err := r.validator.ValidateBytes(data, r.schemaID); err != nil {
			return transport.Result{Status: StatusBadRequest}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	devices, ok := r.tenants[tenantID]
	if !ok {
		devices = make(map[string]json.RawMessage)
		r.tenants[tenantID] = devices
	}
	if _, ok := devices[deviceID]; ok {
		return transport.Result{Status: StatusConflict}
	}
	devices[deviceID] = data
	return transport.Result{Status: StatusCreated}
}

func (r *Registry) deregister(tenantID, deviceID string) transport.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices := r.tenants[tenantID]
	if _, ok := devices[deviceID]; !ok {
		return transport.Result{Status: StatusNotFound}
	}
	delete(devices, deviceID)
	return transport.Result{Status: StatusOK}
}

// IsRegistered reports whether the device is currently registered under the
// tenant. The MQTT broker uses this to gate telemetry uploads.
func (r *Registry) IsRegistered(tenantID, deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tenants[tenantID][deviceID]
	return ok
}
