package drift

import (
	"context"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// Handlers carries the four branches of one interception. Every wrapped
// method builds a Handlers and calls Gate; the gate is the single decision
// point between the RECORD, REPLAY, and pass-through paths.
type Handlers[T any] struct {
	// Descriptor declares the span created on the record and replay paths.
	Descriptor span.Descriptor

	// ServerEntered declares whether this adapter's traffic belongs to
	// inbound request handling. Background calls from adapters that declare
	// false are skipped in RECORD mode; adapters that declare true record
	// them under a synthetic trace id.
	ServerEntered bool

	// Original dispatches to the real library.
	Original func(ctx context.Context) (T, error)

	// Record runs inside a span: call the original, capture the result.
	Record func(ctx context.Context, s *span.Span) (T, error)

	// Replay runs inside a span: resolve a recorded response.
	Replay func(ctx context.Context, s *span.Span) (T, error)

	// NoOp returns the adapter's empty success for background replay calls.
	NoOp func(ctx context.Context) (T, error)
}

// Gate routes one intercepted call. The matrix:
//
//	DISABLED            -> original
//	RECORD, in-request  -> record inside a span
//	RECORD, background  -> skip (not server-entered) or record under a
//	                       synthetic trace id
//	REPLAY, in-request  -> replay inside a span
//	REPLAY, background  -> adapter-specific empty success, no oracle, no error
//	pre-app-start       -> record/replay as usual, span flagged
func Gate[T any](ctx context.Context, s *SDK, h Handlers[T]) (T, error) {
	if s.Mode() == contextx.ModeDisabled {
		return h.Original(ctx)
	}

	inRequest := !contextx.IsBackground(ctx) || span.FromContext(ctx) != nil
	pre := !s.Ready()

	desc := h.Descriptor
	desc.PreAppStart = pre

	switch s.Mode() {
	case contextx.ModeRecord:
		if !inRequest && desc.Kind == span.KindClient && !h.ServerEntered {
			// background request with nothing to correlate it with and
			// nothing to replay it under
			return h.Original(ctx)
		}
		return execute(ctx, s, desc, h.Record)

	case contextx.ModeReplay:
		if !inRequest && !pre {
			return h.NoOp(ctx)
		}
		return execute(ctx, s, desc, h.Replay)
	}

	return h.Original(ctx)
}

func execute[T any](ctx context.Context, s *SDK, desc span.Descriptor, body func(context.Context, *span.Span) (T, error)) (T, error) {
	var result T
	err := s.Recorder().ExecuteSpan(ctx, desc, func(ctx context.Context, sp *span.Span) error {
		var bodyErr error
		result, bodyErr = body(ctx, sp)
		return bodyErr
	})
	return result, err
}
