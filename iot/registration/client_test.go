package registration_test

import (
	"errors"
	"testing"
	"time"

	"github.com/relabs-tech/iothub/iot/registration"
	"github.com/relabs-tech/iothub/iot/transport"
)

type outcome struct {
	status int
	err    error
}

func await(t *testing.T, ch chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for result")
		return outcome{}
	}
}

func newTestClient(t *testing.T, tenantID string) (registration.Client, transport.Connection) {
	t.Helper()
	registry := registration.NewRegistry(nil)
	conn := transport.NewInProc(registry.Handle)
	client, err := registration.NewClient(conn, tenantID)
	if err != nil {
		t.Fatal(err)
	}
	return client, conn
}

func TestClientLifecycle(t *testing.T) {
	client, _ := newTestClient(t, "t1")
	results := make(chan outcome, 1)
	handler := func(status int, err error) { results <- outcome{status, err} }

	client.Get("d1", handler)
	if o := await(t, results); o.err != nil || o.status != registration.StatusNotFound {
		t.Fatalf("expected not found for unknown device, got %v %v", o.status, o.err)
	}

	client.Register("d1", nil, handler)
	if o := await(t, results); o.err != nil || o.status != registration.StatusCreated {
		t.Fatalf("expected created, got %v %v", o.status, o.err)
	}

	client.Get("d1", handler)
	if o := await(t, results); o.err != nil || o.status != registration.StatusOK {
		t.Fatalf("expected OK for registered device, got %v %v", o.status, o.err)
	}

	// a duplicate registration is a result code, never a failure
	client.Register("d1", nil, handler)
	if o := await(t, results); o.err != nil || o.status != registration.StatusConflict {
		t.Fatalf("expected conflict, got %v %v", o.status, o.err)
	}

	client.Deregister("d1", handler)
	if o := await(t, results); o.err != nil || o.status != registration.StatusOK {
		t.Fatalf("expected OK for deregistration, got %v %v", o.status, o.err)
	}

	client.Get("d1", handler)
	if o := await(t, results); o.err != nil || o.status != registration.StatusNotFound {
		t.Fatalf("expected not found after deregistration, got %v %v", o.status, o.err)
	}
}

func TestClientIsScopedToTenant(t *testing.T) {
	registry := registration.NewRegistry(nil)
	conn := transport.NewInProc(registry.Handle)
	one, err := registration.NewClient(conn, "t1")
	if err != nil {
		t.Fatal(err)
	}
	two, err := registration.NewClient(conn, "t2")
	if err != nil {
		t.Fatal(err)
	}

	results := make(chan outcome, 1)
	handler := func(status int, err error) { results <- outcome{status, err} }

	one.Register("d1", nil, handler)
	if o := await(t, results); o.status != registration.StatusCreated {
		t.Fatalf("expected created, got %v %v", o.status, o.err)
	}

	// the same device ID is unknown under the sibling tenant
	two.Get("d1", handler)
	if o := await(t, results); o.err != nil || o.status != registration.StatusNotFound {
		t.Fatalf("expected not found under other tenant, got %v %v", o.status, o.err)
	}
}

func TestClientOperationAfterClose(t *testing.T) {
	client, _ := newTestClient(t, "t1")

	closeErrs := make(chan error, 1)
	client.Close(func(err error) { closeErrs <- err })
	select {
	case err := <-closeErrs:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for close")
	}

	results := make(chan outcome, 1)
	client.Get("d1", func(status int, err error) { results <- outcome{status, err} })
	o := await(t, results)
	if !errors.Is(o.err, registration.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v %v", o.status, o.err)
	}
}

func TestClientCloseFiresExactlyOnce(t *testing.T) {
	client, _ := newTestClient(t, "t1")

	closeErrs := make(chan error, 2)
	client.Close(func(err error) { closeErrs <- err })
	client.Close(func(err error) { closeErrs <- err })

	// the callbacks are not ordered with respect to each other: one close
	// succeeds, the other reports the closed session
	succeeded, reportedClosed := 0, 0
	for n := 0; n < 2; n++ {
		switch err := <-closeErrs; {
		case err == nil:
			succeeded++
		case errors.Is(err, registration.ErrSessionClosed):
			reportedClosed++
		default:
			t.Fatalf("unexpected close error %v", err)
		}
	}
	if succeeded != 1 || reportedClosed != 1 {
		t.Fatalf("expected exactly one successful close, got %d successes", succeeded)
	}
}

func TestClientCloseLeavesSiblingClientsIntact(t *testing.T) {
	registry := registration.NewRegistry(nil)
	conn := transport.NewInProc(registry.Handle)
	one, err := registration.NewClient(conn, "t1")
	if err != nil {
		t.Fatal(err)
	}
	two, err := registration.NewClient(conn, "t2")
	if err != nil {
		t.Fatal(err)
	}

	closeErrs := make(chan error, 1)
	one.Close(func(err error) { closeErrs <- err })
	if err := <-closeErrs; err != nil {
		t.Fatal(err)
	}

	results := make(chan outcome, 1)
	two.Register("d2", nil, func(status int, err error) { results <- outcome{status, err} })
	if o := await(t, results); o.err != nil || o.status != registration.StatusCreated {
		t.Fatalf("sibling client broken, got %v %v", o.status, o.err)
	}
}
