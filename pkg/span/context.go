package span

import "context"

type spanKeyType struct{}

var spanKey = spanKeyType{}

// NewContext returns ctx with s installed as the current span.
func NewContext(ctx context.Context, s *Span) context.Context {
	return context.WithValue(ctx, spanKey, s)
}

// FromContext returns the current span, or nil when ctx carries none.
func FromContext(ctx context.Context) *Span {
	s, ok := ctx.Value(spanKey).(*Span)
	if !ok {
		return nil
	}
	return s
}

// TraceIDFromContext returns the trace id of the current span.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	s := FromContext(ctx)
	if s == nil {
		return "", false
	}
	return s.TraceID(), true
}
