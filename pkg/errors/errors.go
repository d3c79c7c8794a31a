// Package errors defines the SDK error taxonomy. Replay must hand the host
// errors shaped like the dependency's own, never the SDK's internals.
package errors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Sentinel errors returned by the core components.
var (
	// ErrNoMockFound is returned when replay cannot resolve a recorded response.
	ErrNoMockFound = stderrors.New("no recorded response matches this call")
	// ErrSpanAlreadyEnded is returned when a span is ended a second time.
	ErrSpanAlreadyEnded = stderrors.New("span already ended")
	// ErrUnsupportedVersion is returned when no patch covers a detected package version.
	ErrUnsupportedVersion = stderrors.New("package version not supported")
	// ErrRegistrySealed is returned when registering after initialization completed.
	ErrRegistrySealed = stderrors.New("instrumentation registry is sealed")
	// ErrNotInitialized is returned when the SDK is used before Init.
	ErrNotInitialized = stderrors.New("sdk not initialized")
	// ErrAlreadyInitialized is returned when Init is called twice.
	ErrAlreadyInitialized = stderrors.New("sdk already initialized")
	// ErrInvalidRule is returned when a transform rule fails to compile.
	ErrInvalidRule = stderrors.New("invalid transform rule")
)

// Kind classifies a failure per the propagation policy.
type Kind string

const (
	// KindOracleMiss: replay found no recorded response.
	KindOracleMiss Kind = "oracle_miss"
	// KindOriginalFailure: the real dependency failed on the record path.
	KindOriginalFailure Kind = "original_failure"
	// KindReified: a recorded error reconstructed during replay.
	KindReified Kind = "reified"
	// KindInstrumentation: a bug inside a patch; logged, never surfaced.
	KindInstrumentation Kind = "instrumentation"
	// KindVersionUnsupported: telemetry-only, original behavior preserved.
	KindVersionUnsupported Kind = "version_unsupported"
)

// Classify maps an error to its taxonomy kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrNoMockFound):
		return KindOracleMiss
	case stderrors.Is(err, ErrUnsupportedVersion):
		return KindVersionUnsupported
	default:
		var r *Reified
		if stderrors.As(err, &r) {
			return KindReified
		}
		return KindOriginalFailure
	}
}

// Reified is an error reconstructed from a recording. Name carries the class
// tag the original library used so adapters can rebuild variant identity.
type Reified struct {
	Name    string
	Message string
	Stack   string
}

func (e *Reified) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}

// Record captures enough of err for later reification. The returned fields
// embed into the span's output value.
func Record(err error) map[string]interface{} {
	if err == nil {
		return nil
	}
	return map[string]interface{}{
		"errorName":    errorName(err),
		"errorMessage": err.Error(),
	}
}

// Reify rebuilds an error from a recorded output value. Adapters with typed
// error classes (gRPC status codes, redis.Nil) layer their own reification on
// top of this generic form.
func Reify(output map[string]interface{}) error {
	if output == nil {
		return nil
	}
	name, _ := output["errorName"].(string)
	msg, _ := output["errorMessage"].(string)
	if name == "" && msg == "" {
		return nil
	}
	stack, _ := output["errorStack"].(string)
	return &Reified{Name: name, Message: msg, Stack: stack}
}

// Wrap annotates err with a message, preserving the cause chain.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

func errorName(err error) string {
	type namer interface{ Name() string }
	var n namer
	if stderrors.As(err, &n) {
		return n.Name()
	}
	return "Error"
}
