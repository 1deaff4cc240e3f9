package logger

import (
	"context"
	"testing"
)

func TestContextWithLoggerIsStable(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	if rlog == nil {
		t.Fatal("expected a logger")
	}
	id := RequestIDFromContext(ctx)
	if id == "" {
		t.Fatal("expected a request ID")
	}

	// a second call must not mint a new request ID
	ctx2, _ := ContextWithLogger(ctx)
	if RequestIDFromContext(ctx2) != id {
		t.Fatal("request ID changed on repeated call")
	}
}

func TestSerializeContextRoundTrip(t *testing.T) {
	ctx, _ := ContextWithTenant(context.Background(), "tenant1")
	data := SerializeContext(ctx)

	restored := ContextFromData(context.Background(), data)
	if RequestIDFromContext(restored) != RequestIDFromContext(ctx) {
		t.Fatal("request ID lost across serialization")
	}
	if values(restored).TenantID != "tenant1" {
		t.Fatal("tenant ID lost across serialization")
	}
}

func TestContextFromDataWithGarbage(t *testing.T) {
	ctx := ContextFromData(context.Background(), []byte("not json"))
	if RequestIDFromContext(ctx) == "" {
		t.Fatal("expected a fresh request ID for invalid data")
	}
}
