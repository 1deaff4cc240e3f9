/*Package resource provides unique identifiers for addressable resources.

A resource identifier is an immutable sequence of path segments. The first
segment names the endpoint the resource belongs to (for example "telemetry"
or "registration"), the second segment is the tenant ID and the optional
third segment is a device ID.
*/
package resource

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTenant is the well-known tenant substituted by
// ParseAssumingDefaultTenant.
const DefaultTenant = "DEFAULT_TENANT"

// Separator is the path separator of the canonical string form.
const Separator = "/"

// Wildcard matches any single segment in Matches patterns.
const Wildcard = "*"

// ErrInvalidFormat is returned when a string or segment list does not
// represent a valid resource identifier.
var ErrInvalidFormat = errors.New("invalid resource identifier")

// ErrMissingField is returned when a required constructor argument is absent.
var ErrMissingField = errors.New("missing field")

const (
	idxEndpoint = 0
	idxTenantID = 1
	idxDeviceID = 2
)

// Identifier is a unique identifier for a resource. The zero value is not
// a valid identifier; use one of the constructors. Identifiers are immutable,
// all transformations return a new value.
type Identifier struct {
	path []string
	id   string
}

// newIdentifier strips trailing empty segments and rejects holes.
// The canonical string form is computed here, once.
func newIdentifier(path []string) (Identifier, error) {
	segments := make([]string, 0, len(path))
	sawEmpty := false
	for _, segment := range path {
		if segment == "" {
			sawEmpty = true
		} else if sawEmpty {
			return Identifier{}, fmt.Errorf("%w: path may contain trailing empty segments only", ErrInvalidFormat)
		} else {
			segments = append(segments, segment)
		}
	}
	return Identifier{
		path: segments,
		id:   strings.Join(segments, Separator),
	}, nil
}

// split returns the path segments of s, with trailing empty segments
// already dropped. Arity checks must run on this result, otherwise a
// trailing separator would sneak past them.
func split(s string) []string {
	path := strings.Split(s, Separator)
	for len(path) > 0 && path[len(path)-1] == "" {
		path = path[:len(path)-1]
	}
	return path
}

// Parse creates an identifier from its string representation.
//
// The string is split on forward slashes, trailing separators are ignored.
// The first segment is the endpoint, the second the tenant ID and the
// optional third the device ID. Strings with fewer than two or more than
// three segments are rejected.
func Parse(s string) (Identifier, error) {
	path := split(s)
	if len(path) < 2 {
		return Identifier{}, fmt.Errorf("%w: must contain at least an endpoint and the tenant ID", ErrInvalidFormat)
	}
	if len(path) > 3 {
		return Identifier{}, fmt.Errorf("%w: must not contain more than 3 segments", ErrInvalidFormat)
	}
	return newIdentifier(path)
}

// ParseAssumingDefaultTenant creates an identifier from a string
// representation which does not carry a tenant. The first segment is the
// endpoint, the optional second segment is the device ID. The tenant ID is
// always set to DefaultTenant.
func ParseAssumingDefaultTenant(s string) (Identifier, error) {
	path := split(s)
	if len(path) == 0 {
		return Identifier{}, fmt.Errorf("%w: must contain at least an endpoint", ErrInvalidFormat)
	}
	if len(path) > 2 {
		return Identifier{}, fmt.Errorf("%w: must not contain more than 2 segments", ErrInvalidFormat)
	}
	deviceID := ""
	if len(path) == 2 {
		deviceID = path[1]
	}
	return newIdentifier([]string{path[0], DefaultTenant, deviceID})
}

// New creates an identifier from endpoint, tenant ID and device ID.
// Endpoint and tenant ID are mandatory, the device ID may be empty.
func New(endpoint, tenantID, deviceID string) (Identifier, error) {
	if endpoint == "" {
		return Identifier{}, fmt.Errorf("%w: endpoint", ErrMissingField)
	}
	if tenantID == "" {
		return Identifier{}, fmt.Errorf("%w: tenant ID", ErrMissingField)
	}
	return newIdentifier([]string{endpoint, tenantID, deviceID})
}

// FromPath creates an identifier from raw path segments. Trailing empty
// segments are stripped; an empty segment followed by a non-empty one
// is rejected, as is an empty path.
func FromPath(path []string) (Identifier, error) {
	if len(path) == 0 {
		return Identifier{}, fmt.Errorf("%w: path must have at least one segment", ErrInvalidFormat)
	}
	return newIdentifier(path)
}

// Endpoint returns the endpoint this resource belongs to.
func (i Identifier) Endpoint() string {
	return i.path[idxEndpoint]
}

// TenantID returns the tenant ID.
func (i Identifier) TenantID() string {
	return i.path[idxTenantID]
}

// DeviceID returns the device ID and true, or an empty string and false
// if the identifier does not address a device.
func (i Identifier) DeviceID() (string, bool) {
	if len(i.path) > idxDeviceID {
		return i.path[idxDeviceID], true
	}
	return "", false
}

// Path returns a copy of the path segments.
func (i Identifier) Path() []string {
	path := make([]string, len(i.path))
	copy(path, i.path)
	return path
}

// Matches checks the identifier against a pattern of path segments.
// The wildcard "*" matches any single segment. A pattern with a different
// number of segments never matches.
func (i Identifier) Matches(pattern ...string) bool {
	if len(i.path) != len(pattern) {
		return false
	}
	for n, segment := range i.path {
		if pattern[n] == Wildcard {
			continue
		}
		if segment != pattern[n] {
			return false
		}
	}
	return true
}

// Equal returns true if both identifiers consist of the same path segments,
// regardless of which constructor produced them.
func (i Identifier) Equal(other Identifier) bool {
	if len(i.path) != len(other.path) {
		return false
	}
	for n, segment := range i.path {
		if other.path[n] != segment {
			return false
		}
	}
	return true
}

// String returns the path segments separated by forward slashes. The value
// is computed at construction and stable for the life of the identifier; it
// also serves as a map key standing in for the segment sequence.
func (i Identifier) String() string {
	return i.id
}
