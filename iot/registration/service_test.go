package registration_test

import (
	"context"
	"testing"

	"github.com/relabs-tech/iothub/core/schema"
	"github.com/relabs-tech/iothub/iot/registration"
	"github.com/relabs-tech/iothub/iot/transport"
)

func TestRegistryRejectsInvalidAddress(t *testing.T) {
	registry := registration.NewRegistry(nil)

	// "registration/" parses to the bare endpoint and carries no tenant,
	// it must come back as a bad request like any other malformed address
	for _, address := range []string{"telemetry/t1", "garbage", "registration/", "registration/t1/d1/extra"} {
		res := registry.Handle(context.Background(), address, transport.Request{
			Action:   registration.ActionGet,
			DeviceID: "d1",
		})
		if res.Status != registration.StatusBadRequest {
			t.Fatalf("expected bad request for address %q, got %d", address, res.Status)
		}
	}
}

func TestRegistryRejectsMissingDeviceAndUnknownAction(t *testing.T) {
	registry := registration.NewRegistry(nil)

	res := registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action: registration.ActionGet,
	})
	if res.Status != registration.StatusBadRequest {
		t.Fatalf("expected bad request for missing device ID, got %d", res.Status)
	}

	res = registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action:   "reboot",
		DeviceID: "d1",
	})
	if res.Status != registration.StatusBadRequest {
		t.Fatalf("expected bad request for unknown action, got %d", res.Status)
	}
}

func TestRegistryIsRegistered(t *testing.T) {
	registry := registration.NewRegistry(nil)

	if registry.IsRegistered("t1", "d1") {
		t.Fatal("device should not be registered yet")
	}
	res := registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action:   registration.ActionRegister,
		DeviceID: "d1",
	})
	if res.Status != registration.StatusCreated {
		t.Fatalf("expected created, got %d", res.Status)
	}
	if !registry.IsRegistered("t1", "d1") {
		t.Fatal("device should be registered")
	}
	if registry.IsRegistered("t2", "d1") {
		t.Fatal("device should not be registered under another tenant")
	}
}

func TestRegistryGetReturnsMetadata(t *testing.T) {
	registry := registration.NewRegistry(nil)

	registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action:   registration.ActionRegister,
		DeviceID: "d1",
		Payload:  []byte(`{"model":"bumlux:temp"}`),
	})
	res := registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action:   registration.ActionGet,
		DeviceID: "d1",
	})
	if res.Status != registration.StatusOK {
		t.Fatalf("expected OK, got %d", res.Status)
	}
	if len(res.Payload) == 0 {
		t.Fatal("expected a payload")
	}
}

func TestRegistryValidatesMetadata(t *testing.T) {
	const deviceSchema = `{
		"$id": "https://iothub.example.com/schemas/device.json",
		"type": "object",
		"required": ["model"],
		"properties": { "model": { "type": "string" } }
	}`
	validator, err := schema.NewValidator([]string{deviceSchema}, nil)
	if err != nil {
		t.Fatal(err)
	}
	registry := registration.NewRegistry(&registration.RegistryBuilder{
		Validator: validator,
		SchemaID:  "https://iothub.example.com/schemas/device.json",
	})

	res := registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action:   registration.ActionRegister,
		DeviceID: "d1",
		Payload:  []byte(`{"serial": 4711}`),
	})
	if res.Status != registration.StatusBadRequest {
		t.Fatalf("expected bad request for invalid metadata, got %d", res.Status)
	}

	res = registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action:   registration.ActionRegister,
		DeviceID: "d1",
		Payload:  []byte(`{"model":"bumlux:temp"}`),
	})
	if res.Status != registration.StatusCreated {
		t.Fatalf("expected created for valid metadata, got %d", res.Status)
	}

	// registration without metadata skips validation
	res = registry.Handle(context.Background(), "registration/t1", transport.Request{
		Action:   registration.ActionRegister,
		DeviceID: "d2",
	})
	if res.Status != registration.StatusCreated {
		t.Fatalf("expected created without metadata, got %d", res.Status)
	}
}
