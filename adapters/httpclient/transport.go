// Package httpclient intercepts outbound HTTP by wrapping the host's
// http.RoundTripper. Replay never opens a socket: responses are synthesized
// from the recording and the caller's httptrace hooks fire in live order.
package httpclient

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/nmxmxh/tuskdrift/pkg/drift"
	"github.com/nmxmxh/tuskdrift/pkg/registry"
	"github.com/nmxmxh/tuskdrift/pkg/span"
	"github.com/nmxmxh/tuskdrift/pkg/wrap"
)

const instrumentationName = "net/http"

func init() {
	_ = registry.Default.Register(registry.Instrumentation{
		Name:    "http-client",
		Package: "net/http",
		Patches: []registry.Patch{{
			Install: func(target interface{}, _ string) (interface{}, error) {
				rt, _ := target.(http.RoundTripper)
				return WrapRoundTripper(rt), nil
			},
		}},
	})
}

// Option configures the transport.
type Option func(*Transport)

// WithSDK pins the transport to a specific SDK instead of the process
// default.
func WithSDK(s *drift.SDK) Option {
	return func(t *Transport) { t.sdk = s }
}

// WrapRoundTripper wraps rt for record/replay. Wrapping twice returns the
// existing wrapper.
func WrapRoundTripper(rt http.RoundTripper, opts ...Option) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return wrap.Once(rt, func(inner http.RoundTripper) http.RoundTripper {
		t := &Transport{inner: inner}
		for _, opt := range opts {
			opt(t)
		}
		return t
	})
}

// WrapClient swaps the client's transport in place and returns it.
func WrapClient(c *http.Client, opts ...Option) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	c.Transport = WrapRoundTripper(c.Transport, opts...)
	return c
}

// Transport is the wrapped RoundTripper.
type Transport struct {
	inner http.RoundTripper
	sdk   *drift.SDK
}

// Unwrap returns the transport this wrapper replaced.
func (t *Transport) Unwrap() interface{} { return t.inner }

func (t *Transport) active() *drift.SDK {
	if t.sdk != nil {
		return t.sdk
	}
	return drift.Default()
}

// RoundTrip routes the request through the mode gate.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	sdk := t.active()

	body, err := readBody(req)
	if err != nil {
		// instrumentation must not break the host: dispatch untouched
		sdk.Logger().Error("request body capture failed", zap.Error(err))
		return t.inner.RoundTrip(req)
	}

	input, merges := requestInput(req, body)

	return drift.Gate(req.Context(), sdk, drift.Handlers[*http.Response]{
		Descriptor: span.Descriptor{
			Name:            req.URL.Path,
			Submodule:       req.Method,
			PackageType:     span.PackageHTTP,
			Instrumentation: instrumentationName,
			Kind:            span.KindClient,
			Input:           input,
			InputMerges:     merges,
		},
		ServerEntered: true,
		Original: func(context.Context) (*http.Response, error) {
			return t.inner.RoundTrip(req)
		},
		Record: func(ctx context.Context, sp *span.Span) (*http.Response, error) {
			return t.record(ctx, sp, req)
		},
		Replay: func(ctx context.Context, sp *span.Span) (*http.Response, error) {
			return t.replay(ctx, sp, req, input, merges)
		},
		NoOp: func(context.Context) (*http.Response, error) {
			// background replay: synthetic empty success, no oracle lookup
			return playback(req, span.Value{}), nil
		},
	})
}
