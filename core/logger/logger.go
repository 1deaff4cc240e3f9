/*Package logger provides context-scoped structured logging.

Every request - whether it arrives via HTTP, MQTT or the message bus -
gets a logger carrying a request ID and, where known, the tenant it acts
for. The logger travels in the context; when a request hops across the
message bus, the relevant fields are serialized into the message envelope
and restored on the other side.
*/
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextValues struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id,omitempty"`
}

type contextKeyType struct{}

var contextKey = &contextKeyType{}

const (
	requestIDKey string = "requestID"
	tenantIDKey  string = "tenantID"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// AddRequestID installs a middleware which adds a logger with a new
// request ID to every request that does not have one yet.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// ContextWithLogger returns a new context with a logger carrying a fresh
// request ID. If the given context already has a logger, it is returned
// unchanged.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := fromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(requestIDKey, id.String())
	return context.WithValue(ctx, contextKey, rlog), rlog
}

// ContextWithTenant returns a new context whose logger also carries the
// tenant ID.
func ContextWithTenant(ctx context.Context, tenantID string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(tenantIDKey, tenantID)
	return context.WithValue(ctx, contextKey, rlog), rlog
}

// FromContext returns the logger from the context. If the context has no
// logger, or is nil, the default logger is returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return Default()
	}
	if rlog := fromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

func fromContext(ctx context.Context) *logrus.Entry {
	rlog, ok := ctx.Value(contextKey).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// RequestIDFromContext returns the request ID for the given context, or an
// empty string if the context has no logger.
func RequestIDFromContext(ctx context.Context) string {
	return values(ctx).RequestID
}

// SerializeContext extracts the logger fields from the context as JSON,
// suitable for embedding into a message envelope.
func SerializeContext(ctx context.Context) []byte {
	v := values(ctx)
	if v.RequestID == "" {
		return []byte("{}")
	}
	res, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return res
}

// ContextFromData returns a context with a logger restored from serialized
// envelope data. If the data is empty or invalid, a logger with a fresh
// request ID is created instead. A logger already present in the context
// wins over the data.
func ContextFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if rlog := fromContext(ctx); rlog != nil {
		return ctx
	}

	var v contextValues
	if err := json.Unmarshal(data, &v); err != nil || len(v.RequestID) == 0 {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	rlog := logrus.WithField(requestIDKey, v.RequestID)
	if len(v.TenantID) > 0 {
		rlog = rlog.WithField(tenantIDKey, v.TenantID)
	}
	return context.WithValue(ctx, contextKey, rlog)
}

func values(ctx context.Context) contextValues {
	var v contextValues
	if ctx == nil {
		return v
	}
	rlog := fromContext(ctx)
	if rlog == nil {
		return v
	}
	if s, ok := rlog.Data[requestIDKey].(string); ok {
		v.RequestID = s
	}
	if s, ok := rlog.Data[tenantIDKey].(string); ok {
		v.TenantID = s
	}
	return v
}
