package resource_test

import (
	"errors"
	"testing"

	"github.com/relabs-tech/iothub/core/resource"
)

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"telemetry/tenant1", "telemetry/tenant1/device1"} {
		id, err := resource.Parse(s)
		if err != nil {
			t.Fatalf("cannot parse %s: %v", s, err)
		}
		if id.String() != s {
			t.Fatalf("expected %s, got %s", s, id.String())
		}
		again, err := resource.Parse(id.String())
		if err != nil {
			t.Fatal(err)
		}
		if !again.Equal(id) {
			t.Fatalf("round trip of %s lost information", s)
		}
	}
}

func TestParseInvalidSegmentCount(t *testing.T) {
	for _, s := range []string{"", "onlyendpoint", "a/b/c/d"} {
		if _, err := resource.Parse(s); !errors.Is(err, resource.ErrInvalidFormat) {
			t.Fatalf("expected invalid format for %q, got %v", s, err)
		}
	}
}

func TestParseTrailingSeparators(t *testing.T) {
	// trailing separators do not count as segments, so the arity rules
	// apply to what remains
	for _, s := range []string{"a/", "a//", "/"} {
		if _, err := resource.Parse(s); !errors.Is(err, resource.ErrInvalidFormat) {
			t.Fatalf("expected invalid format for %q, got %v", s, err)
		}
	}

	for in, want := range map[string]string{
		"a/b/":   "a/b",
		"a/b/c/": "a/b/c",
	} {
		id, err := resource.Parse(in)
		if err != nil {
			t.Fatalf("cannot parse %q: %v", in, err)
		}
		if id.String() != want {
			t.Fatalf("expected %s for %q, got %s", want, in, id.String())
		}
		// the accessors must be safe on the result
		if id.Endpoint() != "a" || id.TenantID() != "b" {
			t.Fatalf("unexpected segments in %s", id.String())
		}
	}
}

func TestParseRejectsHoles(t *testing.T) {
	if _, err := resource.Parse("a//b"); !errors.Is(err, resource.ErrInvalidFormat) {
		t.Fatal("expected invalid format for empty middle segment")
	}
}

func TestParseAssumingDefaultTenant(t *testing.T) {
	id, err := resource.ParseAssumingDefaultTenant("ep/dev")
	if err != nil {
		t.Fatal(err)
	}
	if id.Endpoint() != "ep" {
		t.Fatalf("unexpected endpoint %s", id.Endpoint())
	}
	if id.TenantID() != resource.DefaultTenant {
		t.Fatalf("unexpected tenant %s", id.TenantID())
	}
	deviceID, ok := id.DeviceID()
	if !ok || deviceID != "dev" {
		t.Fatalf("unexpected device ID %q", deviceID)
	}

	id, err = resource.ParseAssumingDefaultTenant("ep")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := id.DeviceID(); ok {
		t.Fatal("device ID should be absent")
	}

	id, err = resource.ParseAssumingDefaultTenant("ep/")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := id.DeviceID(); ok {
		t.Fatal("trailing separator should not count as a device ID")
	}

	for _, s := range []string{"", "/", "a/b/c"} {
		if _, err := resource.ParseAssumingDefaultTenant(s); !errors.Is(err, resource.ErrInvalidFormat) {
			t.Fatalf("expected invalid format for %q, got %v", s, err)
		}
	}
}

func TestNewRequiresEndpointAndTenant(t *testing.T) {
	if _, err := resource.New("", "t", "d"); !errors.Is(err, resource.ErrMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
	if _, err := resource.New("ep", "", "d"); !errors.Is(err, resource.ErrMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
	id, err := resource.New("ep", "t", "")
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != "ep/t" {
		t.Fatalf("unexpected string form %s", id.String())
	}
	if _, ok := id.DeviceID(); ok {
		t.Fatal("device ID should be absent")
	}
}

func TestFromPath(t *testing.T) {
	id, err := resource.FromPath([]string{"ep", "t", ""})
	if err != nil {
		t.Fatal(err)
	}
	other, err := resource.New("ep", "t", "")
	if err != nil {
		t.Fatal(err)
	}
	if !id.Equal(other) {
		t.Fatal("identifiers from different constructors should be equal")
	}

	if _, err := resource.FromPath([]string{"ep", "", "d"}); !errors.Is(err, resource.ErrInvalidFormat) {
		t.Fatalf("expected invalid format for non-trailing empty segment, got %v", err)
	}
	if _, err := resource.FromPath(nil); !errors.Is(err, resource.ErrInvalidFormat) {
		t.Fatalf("expected invalid format for empty path, got %v", err)
	}
}

func TestMatches(t *testing.T) {
	id, err := resource.New("ep", "t1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !id.Matches("ep", "*", "d1") {
		t.Fatal("wildcard pattern should match")
	}
	if id.Matches("ep", "*", "d2") {
		t.Fatal("pattern with different device should not match")
	}
	if id.Matches("ep", "t1") {
		t.Fatal("pattern with different arity should not match")
	}
	if !id.Matches("*", "*", "*") {
		t.Fatal("all-wildcard pattern should match")
	}
}

func TestEqualAcrossConstructors(t *testing.T) {
	parsed, err := resource.Parse("telemetry/t1/d1")
	if err != nil {
		t.Fatal(err)
	}
	built, err := resource.New("telemetry", "t1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(built) {
		t.Fatal("parse and from-parts should yield equal identifiers")
	}
	if parsed.String() != built.String() {
		t.Fatal("equal identifiers should have equal string forms")
	}

	shorter, err := resource.Parse("telemetry/t1")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Equal(shorter) {
		t.Fatal("identifiers of different length should not be equal")
	}
}

func TestPathReturnsCopy(t *testing.T) {
	id, err := resource.Parse("telemetry/t1/d1")
	if err != nil {
		t.Fatal(err)
	}
	path := id.Path()
	path[0] = "mutated"
	if id.Endpoint() != "telemetry" {
		t.Fatal("identifier must be immutable")
	}
}
