// Package httpserver records inbound HTTP requests and establishes the trace
// frame every child operation inherits. Inbound requests are never mocked;
// in replay mode an external driver re-issues them against the live server.
package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/drift"
	"github.com/nmxmxh/tuskdrift/pkg/json"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

const instrumentationName = "net/http.server"

// Option configures the middleware.
type Option func(*middleware)

// WithSDK pins the middleware to a specific SDK.
func WithSDK(s *drift.SDK) Option {
	return func(m *middleware) { m.sdk = s }
}

type middleware struct {
	next http.Handler
	sdk  *drift.SDK
}

// Middleware wraps an http.Handler with inbound recording.
func Middleware(next http.Handler, opts ...Option) http.Handler {
	m := &middleware{next: next}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *middleware) active() *drift.SDK {
	if m.sdk != nil {
		return m.sdk
	}
	return drift.Default()
}

func (m *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sdk := m.active()
	if sdk.Mode() == contextx.ModeDisabled {
		m.next.ServeHTTP(w, r)
		return
	}

	// drop-ahead: requests a drop rule would blank get no span at all
	if sdk.Engine().ShouldDropInboundRequest(r.Method, r.URL.RequestURI(), nil) {
		m.next.ServeHTTP(w, r)
		return
	}

	traceID := strings.TrimSpace(r.Header.Get(contextx.TraceIDHeader))
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ctx := contextx.WithInboundTrace(r.Context(), traceID)
	ctx = contextx.WithMode(ctx, sdk.Mode())
	if raw := r.Header.Get(contextx.EnvVarsHeader); raw != "" {
		var vars map[string]string
		if err := json.Unmarshal([]byte(raw), &vars); err == nil {
			ctx = contextx.WithEnvSnapshot(ctx, vars)
		} else {
			sdk.Logger().Warn("invalid env snapshot header", zap.Error(err))
		}
	}

	body, err := readBody(r)
	if err != nil {
		sdk.Logger().Error("inbound body capture failed", zap.Error(err))
		m.next.ServeHTTP(w, r.WithContext(ctx))
		return
	}

	input := span.Value{
		"method":      r.Method,
		"url":         requestURL(r),
		"target":      r.URL.RequestURI(),
		"headers":     flattenHeader(r.Header),
		"httpVersion": r.Proto,
		"bodySize":    len(body),
	}
	if len(body) > 0 {
		input["body"] = base64.StdEncoding.EncodeToString(body)
	}

	rec := sdk.Recorder()
	desc := span.Descriptor{
		Name:            r.URL.Path,
		Submodule:       r.Method,
		PackageType:     span.PackageHTTP,
		Instrumentation: instrumentationName,
		Kind:            span.KindServer,
		Input:           input,
		PreAppStart:     !sdk.Ready(),
	}

	_ = rec.ExecuteSpan(ctx, desc, func(ctx context.Context, sp *span.Span) error {
		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		m.next.ServeHTTP(cw, r.WithContext(ctx))

		output := span.Value{
			"statusCode": cw.status,
			"headers":    flattenHeader(w.Header()),
			"bodySize":   cw.body.Len(),
		}
		if cw.body.Len() > 0 {
			output["body"] = base64.StdEncoding.EncodeToString(cw.body.Bytes())
		}
		rec.SetOutput(sp, output)
		return nil
	})
}

// captureWriter mirrors the response while passing it through.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
