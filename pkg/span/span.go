// Package span implements the span kernel: creation, attribute and status
// updates, parent/child linkage, and export fan-out. Only the kernel writes
// to spans.
package span

import (
	"sync"
	"time"

	"github.com/nmxmxh/tuskdrift/pkg/schema"
)

// Kind distinguishes the position of an operation relative to the host.
type Kind string

const (
	KindServer   Kind = "server"
	KindClient   Kind = "client"
	KindInternal Kind = "internal"
)

// PackageType tags the library family an operation belongs to.
type PackageType string

const (
	PackageHTTP        PackageType = "http"
	PackageGRPC        PackageType = "grpc"
	PackageRedis       PackageType = "redis"
	PackageMySQL       PackageType = "mysql"
	PackageGraphQL     PackageType = "graphql"
	PackageUnspecified PackageType = "unspecified"
)

// Status is the terminal outcome of a span.
type Status string

const (
	StatusUnset Status = ""
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Value is an adapter-shaped structured object. Input values are set at
// creation; output values exactly once at end.
type Value map[string]interface{}

// Action records one transform applied to a span before export.
type Action struct {
	Type   string `json:"type" yaml:"type"`
	Field  string `json:"field" yaml:"field"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// state machine: created -> executing -> ended. ended is terminal.
type state int

const (
	stateCreated state = iota
	stateExecuting
	stateEnded
)

// Span is the record of one operation. Writes go through the Recorder.
type Span struct {
	mu sync.Mutex

	spanID   string
	traceID  string
	parentID string

	kind      Kind
	pkg       PackageType
	name      string
	submodule string
	instr     string

	input       Value
	inputMerges schema.Merges
	output      Value
	status      Status
	statusMsg   string

	start     time.Time
	end       time.Time
	monotonic time.Duration

	preAppStart  bool
	stopChildren bool
	suppressed   bool
	stackTrace   string
	actions      []Action

	st state
}

// Identifiers.
func (s *Span) SpanID() string   { return s.spanID }
func (s *Span) TraceID() string  { return s.traceID }
func (s *Span) ParentID() string { return s.parentID }
func (s *Span) Name() string     { return s.name }
func (s *Span) Kind() Kind       { return s.kind }

// Ended reports whether the span reached its terminal state.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st == stateEnded
}

// StopRecordingChildSpans reports whether descendants of this span are
// suppressed from export.
func (s *Span) StopRecordingChildSpans() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopChildren
}

// Data is the exported, self-contained form of an ended span. Exporters and
// the oracle operate on Data; the live Span never leaves the kernel.
type Data struct {
	SpanID   string `json:"spanId" yaml:"spanId"`
	TraceID  string `json:"traceId" yaml:"traceId"`
	ParentID string `json:"parentSpanId,omitempty" yaml:"parentSpanId,omitempty"`

	Kind        Kind        `json:"kind" yaml:"kind"`
	PackageType PackageType `json:"packageType" yaml:"packageType"`
	Name        string      `json:"name" yaml:"name"`
	Submodule   string      `json:"submoduleName,omitempty" yaml:"submoduleName,omitempty"`
	Instrumentation string  `json:"instrumentationName,omitempty" yaml:"instrumentationName,omitempty"`

	Input       Value         `json:"inputValue,omitempty" yaml:"inputValue,omitempty"`
	InputMerges schema.Merges `json:"inputSchemaMerges,omitempty" yaml:"inputSchemaMerges,omitempty"`
	Output      Value         `json:"outputValue,omitempty" yaml:"outputValue,omitempty"`

	Status        Status `json:"status" yaml:"status"`
	StatusMessage string `json:"statusMessage,omitempty" yaml:"statusMessage,omitempty"`

	Start    time.Time     `json:"startTime" yaml:"startTime"`
	End      time.Time     `json:"endTime" yaml:"endTime"`
	Duration time.Duration `json:"duration" yaml:"duration"`

	IsPreAppStart           bool   `json:"isPreAppStart,omitempty" yaml:"isPreAppStart,omitempty"`
	StopRecordingChildSpans bool   `json:"stopRecordingChildSpans,omitempty" yaml:"stopRecordingChildSpans,omitempty"`
	StackTrace              string `json:"stackTrace,omitempty" yaml:"stackTrace,omitempty"`

	Actions []Action `json:"transformActions,omitempty" yaml:"transformActions,omitempty"`
}

// Snapshot returns the span as plain data. Call only after End; the kernel
// enforces this by exporting snapshots exclusively from End.
func (s *Span) Snapshot() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Span) snapshotLocked() Data {
	return Data{
		SpanID:                  s.spanID,
		TraceID:                 s.traceID,
		ParentID:                s.parentID,
		Kind:                    s.kind,
		PackageType:             s.pkg,
		Name:                    s.name,
		Submodule:               s.submodule,
		Instrumentation:         s.instr,
		Input:                   cloneValue(s.input),
		InputMerges:             s.inputMerges,
		Output:                  cloneValue(s.output),
		Status:                  s.status,
		StatusMessage:           s.statusMsg,
		Start:                   s.start,
		End:                     s.end,
		Duration:                s.monotonic,
		IsPreAppStart:           s.preAppStart,
		StopRecordingChildSpans: s.stopChildren,
		StackTrace:              s.stackTrace,
		Actions:                 s.actions,
	}
}

func cloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
