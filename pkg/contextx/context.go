// Package contextx carries the per-request execution frame: the inbound trace
// id, the active mode, and the environment snapshot restored from the replay
// driver. Continuations handed to libraries that drop context must be rebound
// with Bind, or child operations become invisible to recording and replay.
package contextx

import (
	"context"
	"os"
)

// Header names read from inbound requests.
const (
	// TraceIDHeader carries the trace id assigned by the recording of the
	// original inbound request.
	TraceIDHeader = "x-td-trace-id"
	// EnvVarsHeader carries a JSON object of environment variables captured
	// at record time.
	EnvVarsHeader = "x-td-env-vars"
)

// Mode selects the wrapper behavior process-wide.
type Mode string

const (
	ModeRecord   Mode = "RECORD"
	ModeReplay   Mode = "REPLAY"
	ModeDisabled Mode = "DISABLED"
)

// ParseMode normalizes an environment value into a Mode. Anything
// unrecognized disables the SDK; interception must fail open.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeRecord, ModeReplay:
		return Mode(s)
	default:
		return ModeDisabled
	}
}

// Key types (unexported).
type (
	inboundTraceKeyType struct{}
	modeKeyType         struct{}
	envSnapshotKeyType  struct{}
	requestIDKeyType    struct{}
)

var (
	inboundTraceKey = inboundTraceKeyType{}
	modeKey         = modeKeyType{}
	envSnapshotKey  = envSnapshotKeyType{}
	requestIDKey    = requestIDKeyType{}
)

// Inbound trace helpers. Presence of an inbound trace id is what separates
// request-scoped work from background work.
func WithInboundTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, inboundTraceKey, traceID)
}

func InboundTraceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(inboundTraceKey).(string)
	return id, ok && id != ""
}

// IsBackground reports whether ctx belongs to no inbound request.
func IsBackground(ctx context.Context) bool {
	_, ok := InboundTraceID(ctx)
	return !ok
}

// Mode helpers. The frame snapshots the mode at request entry so a mid-flight
// mode flip cannot split one request across modes.
func WithMode(ctx context.Context, m Mode) context.Context {
	return context.WithValue(ctx, modeKey, m)
}

func ModeFromContext(ctx context.Context) (Mode, bool) {
	m, ok := ctx.Value(modeKey).(Mode)
	return m, ok
}

// Env snapshot helpers. The snapshot shadows the process environment for the
// duration of the request; it never mutates os.Environ.
func WithEnvSnapshot(ctx context.Context, vars map[string]string) context.Context {
	return context.WithValue(ctx, envSnapshotKey, vars)
}

func EnvSnapshot(ctx context.Context) map[string]string {
	vars, ok := ctx.Value(envSnapshotKey).(map[string]string)
	if !ok {
		return nil
	}
	return vars
}

// EnvVar resolves a variable against the snapshot first, then the process
// environment.
func EnvVar(ctx context.Context, key string) string {
	if vars := EnvSnapshot(ctx); vars != nil {
		if v, ok := vars[key]; ok {
			return v
		}
	}
	return os.Getenv(key)
}

// Request ID helpers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return ""
	}
	return id
}

// Bind closes over ctx so a callback handed to a library that drops context
// still observes the originating frame.
func Bind(ctx context.Context, fn func(context.Context)) func() {
	return func() { fn(ctx) }
}

// BindErr is Bind for callbacks that return an error.
func BindErr(ctx context.Context, fn func(context.Context) error) func() error {
	return func() error { return fn(ctx) }
}
