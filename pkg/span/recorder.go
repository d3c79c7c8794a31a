package span

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/schema"
)

// Exporter receives ended spans, in the order they ended.
type Exporter interface {
	ExportSpan(data Data) error
}

// Transformer edits a span snapshot between end and export.
type Transformer interface {
	Apply(data *Data)
}

// Descriptor declares a span to be created.
type Descriptor struct {
	Name            string
	Submodule       string
	PackageType     PackageType
	Instrumentation string
	Kind            Kind
	Input           Value
	InputMerges     schema.Merges
	PreAppStart     bool
	StopRecordingChildSpans bool
	CaptureStack    bool
}

// Recorder owns span lifecycles: id allocation, context installation,
// exactly-once end, transform, and export fan-out.
type Recorder struct {
	mu          sync.Mutex
	log         *zap.Logger
	transformer Transformer
	exporters   []Exporter
}

// NewRecorder builds a Recorder. transformer may be nil.
func NewRecorder(log *zap.Logger, transformer Transformer) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		log:         log.With(zap.String("module", "span")),
		transformer: transformer,
	}
}

// RegisterExporter appends an export adapter. Spans fan out in registration
// order.
func (r *Recorder) RegisterExporter(e Exporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exporters = append(r.exporters, e)
}

// StartSpan allocates a span, links it to the current span (or the inbound
// trace), and installs it as current on the returned context.
func (r *Recorder) StartSpan(ctx context.Context, desc Descriptor) (*Span, context.Context) {
	now := time.Now()
	s := &Span{
		spanID:       uuid.NewString(),
		kind:         desc.Kind,
		pkg:          desc.PackageType,
		name:         desc.Name,
		submodule:    desc.Submodule,
		instr:        desc.Instrumentation,
		input:        desc.Input,
		inputMerges:  desc.InputMerges,
		start:        now,
		preAppStart:  desc.PreAppStart,
		stopChildren: desc.StopRecordingChildSpans,
		st:           stateExecuting,
	}
	if desc.PackageType == "" {
		s.pkg = PackageUnspecified
	}

	if parent := FromContext(ctx); parent != nil {
		s.parentID = parent.SpanID()
		s.traceID = parent.TraceID()
		if parent.StopRecordingChildSpans() {
			s.stopChildren = true
			s.suppressed = true
		}
	} else if traceID, ok := contextx.InboundTraceID(ctx); ok {
		s.traceID = traceID
	} else {
		s.traceID = uuid.NewString()
	}

	if desc.CaptureStack {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		s.stackTrace = string(buf[:n])
	}

	return s, NewContext(ctx, s)
}

// AddAttributes merges partial into the span's input value. Attributes added
// after end are dropped with a warning.
func (r *Recorder) AddAttributes(s *Span, partial Value) {
	if s == nil || len(partial) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == stateEnded {
		r.log.Warn("attributes dropped: span already ended",
			zap.String("span_id", s.spanID), zap.String("name", s.name))
		return
	}
	if s.input == nil {
		s.input = Value{}
	}
	for k, v := range partial {
		s.input[k] = v
	}
}

// SetOutput sets the span's output value. A later call before end overwrites
// it and logs a warning; a call after end is dropped.
func (r *Recorder) SetOutput(s *Span, output Value) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == stateEnded {
		r.log.Warn("output dropped: span already ended", zap.String("span_id", s.spanID))
		return
	}
	if s.output != nil {
		r.log.Warn("output overwritten before end", zap.String("span_id", s.spanID))
	}
	s.output = output
}

// End transitions the span to its terminal state, applies transforms, and
// fans the snapshot out to every exporter. Ending twice is an error; the
// second call changes nothing.
func (r *Recorder) End(s *Span, status Status, statusMessage string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.st == stateEnded {
		s.mu.Unlock()
		r.log.Warn("span ended twice", zap.String("span_id", s.spanID), zap.String("name", s.name))
		return errdefs.ErrSpanAlreadyEnded
	}
	s.st = stateEnded
	s.status = status
	s.statusMsg = statusMessage
	s.end = time.Now()
	s.monotonic = s.end.Sub(s.start)
	suppressed := s.suppressed
	data := s.snapshotLocked()
	s.mu.Unlock()

	if suppressed {
		return nil
	}

	if r.transformer != nil {
		r.transformer.Apply(&data)
	}

	r.mu.Lock()
	exporters := make([]Exporter, len(r.exporters))
	copy(exporters, r.exporters)
	r.mu.Unlock()

	for _, e := range exporters {
		r.export(e, data)
	}
	return nil
}

// export contains a single exporter failure so it cannot affect the caller.
func (r *Recorder) export(e Exporter, data Data) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("exporter panicked", zap.Any("panic", rec), zap.String("span_id", data.SpanID))
		}
	}()
	if err := e.ExportSpan(data); err != nil {
		r.log.Error("exporter failed", zap.Error(err), zap.String("span_id", data.SpanID))
	}
}

// ExecuteSpan runs body inside a new span, guaranteeing the span ends on
// every exit path, including panics. The body's error sets the span status.
func (r *Recorder) ExecuteSpan(ctx context.Context, desc Descriptor, body func(context.Context, *Span) error) error {
	s, ctx := r.StartSpan(ctx, desc)

	defer func() {
		if rec := recover(); rec != nil {
			_ = r.End(s, StatusError, "panic during span execution")
			panic(rec)
		}
	}()

	if err := body(ctx, s); err != nil {
		_ = r.End(s, StatusError, err.Error())
		return err
	}
	_ = r.End(s, StatusOK, "")
	return nil
}
