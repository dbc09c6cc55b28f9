package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type (
	loggerContextKey      struct{}
	traceContextKey       struct{}
	annotationsContextKey struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey{}, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey{}).(TraceInfo)
	if !ok {
		return TraceInfo{}, false
	}
	return info, true
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, ok := Trace(ctx)
	if !ok {
		return ""
	}
	return info.TraceID
}

// Annotations collects order fields learned while a request is handled, after the request
// logger has already captured the context. Safe for concurrent use.
type Annotations struct {
	mu             sync.Mutex
	actor          string
	orderID        string
	orderNumber    string
	webhookOutcome string
}

// WithAnnotations attaches an empty annotation set to ctx.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	if ctx == nil {
		ctx = context.Background()
	}
	notes := &Annotations{}
	return context.WithValue(ctx, annotationsContextKey{}, notes), notes
}

func annotations(ctx context.Context) *Annotations {
	if ctx == nil {
		return nil
	}
	notes, _ := ctx.Value(annotationsContextKey{}).(*Annotations)
	return notes
}

// SetActor records the authenticated principal. No-op without annotations.
func SetActor(ctx context.Context, actor string) {
	if notes := annotations(ctx); notes != nil && actor != "" {
		notes.mu.Lock()
		notes.actor = actor
		notes.mu.Unlock()
	}
}

// SetOrder records the order a request resolved or created; empty values are ignored.
func SetOrder(ctx context.Context, orderID, orderNumber string) {
	notes := annotations(ctx)
	if notes == nil {
		return
	}
	notes.mu.Lock()
	defer notes.mu.Unlock()
	if orderID != "" {
		notes.orderID = orderID
	}
	if orderNumber != "" {
		notes.orderNumber = orderNumber
	}
}

// SetWebhookOutcome records how a gateway delivery was applied.
func SetWebhookOutcome(ctx context.Context, outcome string) {
	if notes := annotations(ctx); notes != nil && outcome != "" {
		notes.mu.Lock()
		notes.webhookOutcome = outcome
		notes.mu.Unlock()
	}
}

// Actor returns the recorded principal.
func (a *Annotations) Actor() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actor
}

// OrderID returns the recorded order id.
func (a *Annotations) OrderID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderID
}

// Fields renders the non-empty order annotations as log fields; the actor is left to the caller.
func (a *Annotations) Fields() []zap.Field {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fields := make([]zap.Field, 0, 3)
	if a.orderID != "" {
		fields = append(fields, zap.String("order_id", a.orderID))
	}
	if a.orderNumber != "" {
		fields = append(fields, zap.String("order_number", a.orderNumber))
	}
	if a.webhookOutcome != "" {
		fields = append(fields, zap.String("webhook_outcome", a.webhookOutcome))
	}
	return fields
}
