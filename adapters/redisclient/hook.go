// Package redisclient intercepts go-redis commands through the client's hook
// chain. Replayed values are set directly on the command, so the host sees
// the same post-coercion shapes the library itself would produce.
package redisclient

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/drift"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/registry"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

const (
	instrumentationName = "github.com/redis/go-redis/v9"
	supportedVersions   = ">= 9.0.0, < 10.0.0"
)

func init() {
	_ = registry.Default.Register(registry.Instrumentation{
		Name:    "redis-client",
		Package: instrumentationName,
		Patches: []registry.Patch{{
			Versions: supportedVersions,
			Install: func(target interface{}, _ string) (interface{}, error) {
				if c, ok := target.(hookable); ok {
					instrument(c, nil)
				}
				return target, nil
			},
		}},
	})
}

type hookable interface {
	AddHook(redis.Hook)
}

// process-wide marker set: a client is hooked at most once
var (
	patchedMu sync.Mutex
	patched   = make(map[hookable]struct{})
)

// Option configures the hook.
type Option func(*Hook)

// WithSDK pins the hook to a specific SDK.
func WithSDK(s *drift.SDK) Option {
	return func(h *Hook) { h.sdk = s }
}

// WithConnectionInfo records a connection label on every command span.
func WithConnectionInfo(addr string) Option {
	return func(h *Hook) { h.connInfo = addr }
}

// Instrument attaches the record/replay hook to a client. Instrumenting the
// same client twice is a no-op. Unsupported client versions install nothing
// beyond a version-mismatch telemetry event.
func Instrument(client hookable, opts ...Option) {
	// explicit construction: only a detected, uncovered version declines
	version := registry.DetectVersion(instrumentationName)
	if version != "" && !registry.Default.Supported(instrumentationName, version) {
		return
	}
	instrument(client, opts)
}

func instrument(client hookable, opts []Option) {
	patchedMu.Lock()
	defer patchedMu.Unlock()
	if _, ok := patched[client]; ok {
		return
	}
	patched[client] = struct{}{}

	h := &Hook{}
	for _, opt := range opts {
		opt(h)
	}
	client.AddHook(h)
}

// Hook implements redis.Hook.
type Hook struct {
	sdk      *drift.SDK
	connInfo string
}

func (h *Hook) active() *drift.SDK {
	if h.sdk != nil {
		return h.sdk
	}
	return drift.Default()
}

// DialHook never dials in replay mode.
func (h *Hook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if h.active().Mode() == contextx.ModeReplay {
			client, server := net.Pipe()
			go func() {
				// drain so connection setup writes never block
				buf := make([]byte, 1024)
				for {
					if _, err := server.Read(buf); err != nil {
						return
					}
				}
			}()
			return client, nil
		}
		return next(ctx, network, addr)
	}
}

// ProcessHook routes every command through the mode gate.
func (h *Hook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		_, err := drift.Gate(ctx, h.active(), h.handlers(next, cmd))
		return err
	}
}

// ProcessPipelineHook treats each pipelined command as its own operation.
func (h *Hook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		sdk := h.active()
		if sdk.Mode() != contextx.ModeReplay {
			if sdk.Mode() == contextx.ModeRecord {
				err := next(ctx, cmds)
				for _, cmd := range cmds {
					h.recordPipelined(ctx, cmd)
				}
				return err
			}
			return next(ctx, cmds)
		}
		for _, cmd := range cmds {
			if _, err := drift.Gate(ctx, sdk, h.handlers(nil, cmd)); err != nil {
				return err
			}
		}
		return nil
	}
}

func (h *Hook) handlers(next redis.ProcessHook, cmd redis.Cmder) drift.Handlers[struct{}] {
	input := h.commandInput(cmd)
	return drift.Handlers[struct{}]{
		Descriptor: span.Descriptor{
			Name:            "redis." + cmd.Name(),
			Submodule:       cmd.Name(),
			PackageType:     span.PackageRedis,
			Instrumentation: instrumentationName,
			Kind:            span.KindClient,
			Input:           input,
		},
		ServerEntered: true,
		Original: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, next(ctx, cmd)
		},
		Record: func(ctx context.Context, sp *span.Span) (struct{}, error) {
			return struct{}{}, h.record(ctx, sp, next, cmd)
		},
		Replay: func(ctx context.Context, sp *span.Span) (struct{}, error) {
			return struct{}{}, h.replay(ctx, sp, cmd, input)
		},
		NoOp: func(context.Context) (struct{}, error) {
			applyZero(cmd)
			return struct{}{}, nil
		},
	}
}

func (h *Hook) record(ctx context.Context, sp *span.Span, next redis.ProcessHook, cmd redis.Cmder) error {
	rec := h.active().Recorder()

	err := next(ctx, cmd)
	if err != nil {
		rec.SetOutput(sp, span.Value(errdefs.Record(err)))
		return err
	}

	value, ok := extractValue(cmd)
	if !ok {
		h.active().Logger().Debug("unsupported command result type; value not captured")
	}
	rec.SetOutput(sp, span.Value{"value": value})
	return nil
}

// recordPipelined captures an already-executed pipeline command into its own
// span.
func (h *Hook) recordPipelined(ctx context.Context, cmd redis.Cmder) {
	sdk := h.active()
	desc := span.Descriptor{
		Name:            "redis." + cmd.Name(),
		Submodule:       cmd.Name(),
		PackageType:     span.PackageRedis,
		Instrumentation: instrumentationName,
		Kind:            span.KindClient,
		Input:           h.commandInput(cmd),
		PreAppStart:     !sdk.Ready(),
	}
	sp, _ := sdk.Recorder().StartSpan(ctx, desc)
	if err := cmd.Err(); err != nil {
		sdk.Recorder().SetOutput(sp, span.Value(errdefs.Record(err)))
		_ = sdk.Recorder().End(sp, span.StatusError, err.Error())
		return
	}
	value, _ := extractValue(cmd)
	sdk.Recorder().SetOutput(sp, span.Value{"value": value})
	_ = sdk.Recorder().End(sp, span.StatusOK, "")
}

func (h *Hook) replay(ctx context.Context, sp *span.Span, cmd redis.Cmder, input span.Value) error {
	sdk := h.active()

	resp, ok := sdk.Oracle().FindMockResponse(ctx, oracle.Request{
		TraceID:             sp.TraceID(),
		SpanID:              sp.SpanID(),
		Name:                "redis." + cmd.Name(),
		SubmoduleName:       cmd.Name(),
		PackageName:         string(span.PackageRedis),
		InstrumentationName: instrumentationName,
		InputValue:          input,
		Kind:                span.KindClient,
	})
	if !ok {
		err := errdefs.Wrap(errdefs.ErrNoMockFound, "redis "+cmd.Name())
		cmd.SetErr(err)
		sdk.Recorder().SetOutput(sp, span.Value(errdefs.Record(err)))
		return err
	}

	if reified := reifyRedisError(resp.Result); reified != nil {
		cmd.SetErr(reified)
		sdk.Recorder().SetOutput(sp, resp.Result)
		return reified
	}

	sdk.Recorder().SetOutput(sp, resp.Result)
	if err := applyValue(cmd, resp.Result["value"]); err != nil {
		// a shape mismatch is an instrumentation failure: log, hand the
		// library an empty success rather than falling through to the network
		sdk.Logger().Error("recorded value does not fit command shape")
		applyZero(cmd)
	}
	return nil
}

// reifyRedisError preserves error class identity: redis.Nil must come back
// as redis.Nil, not a lookalike.
func reifyRedisError(output span.Value) error {
	err := errdefs.Reify(output)
	if err == nil {
		return nil
	}
	if err.Error() == redis.Nil.Error() {
		return redis.Nil
	}
	return err
}

func (h *Hook) commandInput(cmd redis.Cmder) span.Value {
	args := cmd.Args()
	encoded := make([]interface{}, 0, len(args))
	if len(args) > 1 {
		for _, arg := range args[1:] {
			encoded = append(encoded, encodeArg(arg))
		}
	}
	input := span.Value{
		"command": cmd.Name(),
		"args":    encoded,
	}
	if h.connInfo != "" {
		input["connectionInfo"] = h.connInfo
	}
	return input
}

func encodeArg(arg interface{}) interface{} {
	switch v := arg.(type) {
	case []byte:
		return map[string]interface{}{
			"value":    base64.StdEncoding.EncodeToString(v),
			"encoding": "base64",
		}
	case time.Duration:
		return v.Nanoseconds()
	default:
		return v
	}
}
