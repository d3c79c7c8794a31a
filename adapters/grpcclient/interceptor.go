// Package grpcclient intercepts unary gRPC calls through a client
// interceptor. Binary fields travel beside the structural body in a buffer
// map; recorded status errors come back as real *status.Status errors.
package grpcclient

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/nmxmxh/tuskdrift/pkg/drift"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/registry"
	"github.com/nmxmxh/tuskdrift/pkg/schema"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

const (
	instrumentationName = "google.golang.org/grpc"
	supportedVersions   = ">= 1.50.0, < 2.0.0"
)

func init() {
	_ = registry.Default.Register(registry.Instrumentation{
		Name:    "grpc-client",
		Package: instrumentationName,
		Patches: []registry.Patch{{
			Versions: supportedVersions,
			Install: func(target interface{}, _ string) (interface{}, error) {
				return target, nil
			},
		}},
	})
}

// Option configures the interceptor.
type Option func(*config)

// WithSDK pins the interceptor to a specific SDK.
func WithSDK(s *drift.SDK) Option {
	return func(c *config) { c.sdk = s }
}

type config struct {
	sdk *drift.SDK
}

func (c *config) active() *drift.SDK {
	if c.sdk != nil {
		return c.sdk
	}
	return drift.Default()
}

// UnaryClientInterceptor returns the record/replay interceptor for
// grpc.WithChainUnaryInterceptor.
func UnaryClientInterceptor(opts ...Option) grpc.UnaryClientInterceptor {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	// the host constructed this interceptor explicitly: only a detected,
	// uncovered version declines to instrument
	version := registry.DetectVersion(instrumentationName)
	if version != "" && !registry.Default.Supported(instrumentationName, version) {
		return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}
	}

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		sdk := cfg.active()

		reqMsg, reqOK := req.(proto.Message)
		replyMsg, replyOK := reply.(proto.Message)
		if !reqOK || !replyOK {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		body, buffers, jsonable, err := encodeMessage(reqMsg)
		if err != nil {
			// instrumentation failure: log and pass through untouched
			sdk.Logger().Error("request encode failed; call not instrumented")
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		service, rpc := splitMethod(method)
		input := span.Value{
			"service":  service,
			"method":   rpc,
			"body":     body,
			"metadata": outgoingMetadata(ctx),
			"inputMeta": map[string]interface{}{
				"bufferMap":         buffers,
				"jsonableStringMap": jsonable,
			},
		}
		merges := schema.Merges{
			"metadata":  schema.Ignore(),
			"inputMeta": schema.Ignore(),
		}

		_, gateErr := drift.Gate(ctx, sdk, drift.Handlers[struct{}]{
			Descriptor: span.Descriptor{
				Name:            method,
				Submodule:       rpc,
				PackageType:     span.PackageGRPC,
				Instrumentation: instrumentationName,
				Kind:            span.KindClient,
				Input:           input,
				InputMerges:     merges,
			},
			ServerEntered: true,
			Original: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, invoker(ctx, method, req, reply, cc, callOpts...)
			},
			Record: func(ctx context.Context, sp *span.Span) (struct{}, error) {
				return struct{}{}, record(ctx, sdk, sp, method, req, replyMsg, cc, invoker, callOpts)
			},
			Replay: func(ctx context.Context, sp *span.Span) (struct{}, error) {
				return struct{}{}, replay(ctx, sdk, sp, method, rpc, replyMsg, input, merges, callOpts)
			},
			NoOp: func(context.Context) (struct{}, error) {
				// background replay: empty reply, OK status
				return struct{}{}, nil
			},
		})
		return gateErr
	}
}

func record(ctx context.Context, sdk *drift.SDK, sp *span.Span, method string, req interface{}, reply proto.Message, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts []grpc.CallOption) error {
	rec := sdk.Recorder()

	var header, trailer metadata.MD
	callOpts = append(callOpts, grpc.Header(&header), grpc.Trailer(&trailer))

	if err := invoker(ctx, method, req, reply, cc, callOpts...); err != nil {
		st := status.Convert(err)
		rec.SetOutput(sp, span.Value{
			"error": st.Message(),
			"status": map[string]interface{}{
				"code":    st.Code().String(),
				"details": st.Message(),
			},
			"metadata": flattenMD(header),
		})
		return err
	}

	body, buffers, jsonable, err := encodeMessage(reply)
	if err != nil {
		sdk.Logger().Error("reply encode failed; output not captured")
		body, buffers, jsonable = map[string]interface{}{}, nil, nil
	}
	rec.SetOutput(sp, span.Value{
		"body":              body,
		"bufferMap":         buffers,
		"jsonableStringMap": jsonable,
		"metadata":          flattenMD(header),
		"trailerMetadata":   flattenMD(trailer),
		"status":            map[string]interface{}{"code": codes.OK.String()},
	})
	return nil
}

func replay(ctx context.Context, sdk *drift.SDK, sp *span.Span, method, rpc string, reply proto.Message, input span.Value, merges schema.Merges, callOpts []grpc.CallOption) error {
	rec := sdk.Recorder()

	resp, ok := sdk.Oracle().FindMockResponse(ctx, oracle.Request{
		TraceID:             sp.TraceID(),
		SpanID:              sp.SpanID(),
		Name:                method,
		SubmoduleName:       rpc,
		PackageName:         string(span.PackageGRPC),
		InstrumentationName: instrumentationName,
		InputValue:          input,
		Kind:                span.KindClient,
		SchemaMerges:        merges,
	})
	if !ok {
		err := status.Error(codes.Unavailable, "no recorded response for "+method)
		rec.SetOutput(sp, span.Value(errdefs.Record(err)))
		return err
	}
	rec.SetOutput(sp, resp.Result)

	if err := reifyStatusError(resp.Result); err != nil {
		return err
	}

	body, _ := resp.Result["body"].(map[string]interface{})
	if body == nil {
		if v, ok := resp.Result["body"].(span.Value); ok {
			body = v
		}
	}
	if err := decodeMessage(reply, body, stringMap(resp.Result["bufferMap"])); err != nil {
		// never fall through to the network: deliver an empty reply
		sdk.Logger().Error("recorded reply does not fit message shape")
		proto.Reset(reply)
	}

	deliverHeader(callOpts, resp.Result["metadata"])
	return nil
}

// reifyStatusError rebuilds the typed gRPC error a recorded failure carried.
// Class identity is the *status.Status: callers using status.FromError and
// codes comparisons behave exactly as against a live backend.
func reifyStatusError(result span.Value) error {
	msg, hasErr := result["error"].(string)
	st, _ := result["status"].(map[string]interface{})
	codeName, _ := st["code"].(string)
	if !hasErr && (codeName == "" || codeName == codes.OK.String()) {
		return nil
	}

	code := codes.Unknown
	if codeName != "" {
		var parsed codes.Code
		if err := parsed.UnmarshalJSON([]byte(`"` + codeName + `"`)); err == nil {
			code = parsed
		} else {
			// recordings store the code's String() form, e.g. "NotFound"
			for c := codes.OK; c <= codes.Unauthenticated; c++ {
				if c.String() == codeName {
					code = c
					break
				}
			}
		}
	}
	if code == codes.OK {
		return nil
	}
	if msg == "" {
		if details, ok := st["details"].(string); ok {
			msg = details
		}
	}
	return status.Error(code, msg)
}

// deliverHeader honors grpc.Header call options the caller passed.
func deliverHeader(callOpts []grpc.CallOption, recorded interface{}) {
	md := metadata.New(stringMap(recorded))
	for _, opt := range callOpts {
		if h, ok := opt.(grpc.HeaderCallOption); ok {
			*h.HeaderAddr = md
		}
	}
}

func outgoingMetadata(ctx context.Context) map[string]string {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return nil
	}
	return flattenMD(md)
}

func flattenMD(md metadata.MD) map[string]string {
	if len(md) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(md))
	for k, vs := range md {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func stringMap(v interface{}) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return map[string]string{}
}

func splitMethod(method string) (service, rpc string) {
	trimmed := strings.TrimPrefix(method, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx], trimmed[idx+1:]
	}
	return trimmed, trimmed
}
