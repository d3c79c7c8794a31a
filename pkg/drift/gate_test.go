package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/export"
	"github.com/nmxmxh/tuskdrift/pkg/logger"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

func newTestSDK(t *testing.T, mode contextx.Mode, exp *export.Memory) *SDK {
	t.Helper()
	cfg := Config{Mode: mode, Logger: logger.NewNop()}
	if exp != nil {
		cfg.Exporters = []span.Exporter{exp}
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

type calls struct {
	original, record, replay, noop int
}

func handlers(c *calls, kind span.Kind, serverEntered bool) Handlers[string] {
	return Handlers[string]{
		Descriptor:    span.Descriptor{Name: "/op", Kind: kind, PackageType: span.PackageHTTP},
		ServerEntered: serverEntered,
		Original:      func(context.Context) (string, error) { c.original++; return "original", nil },
		Record:        func(context.Context, *span.Span) (string, error) { c.record++; return "recorded", nil },
		Replay:        func(context.Context, *span.Span) (string, error) { c.replay++; return "replayed", nil },
		NoOp:          func(context.Context) (string, error) { c.noop++; return "", nil },
	}
}

func inRequest(ctx context.Context) context.Context {
	return contextx.WithInboundTrace(ctx, "trace-1")
}

func TestDisabledCallsOriginalOnly(t *testing.T) {
	s := newTestSDK(t, contextx.ModeDisabled, nil)
	var c calls
	out, err := Gate(inRequest(context.Background()), s, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, "original", out)
	assert.Equal(t, calls{original: 1}, c)
}

func TestNilSDKIsDisabled(t *testing.T) {
	var c calls
	out, err := Gate(context.Background(), nil, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, "original", out)
}

func TestRecordInRequest(t *testing.T) {
	exp := export.NewMemory()
	s := newTestSDK(t, contextx.ModeRecord, exp)
	s.MarkAppAsReady()

	var c calls
	out, err := Gate(inRequest(context.Background()), s, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, "recorded", out)
	assert.Equal(t, calls{record: 1}, c)

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "trace-1", spans[0].TraceID)
	assert.False(t, spans[0].IsPreAppStart)
}

func TestRecordBackgroundSkippedWhenNotServerEntered(t *testing.T) {
	exp := export.NewMemory()
	s := newTestSDK(t, contextx.ModeRecord, exp)
	s.MarkAppAsReady()

	var c calls
	out, err := Gate(context.Background(), s, handlers(&c, span.KindClient, false))
	require.NoError(t, err)
	assert.Equal(t, "original", out)
	assert.Equal(t, calls{original: 1}, c)
	assert.Empty(t, exp.Spans())
}

func TestRecordBackgroundSyntheticTrace(t *testing.T) {
	exp := export.NewMemory()
	s := newTestSDK(t, contextx.ModeRecord, exp)
	s.MarkAppAsReady()

	var c calls
	_, err := Gate(context.Background(), s, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, calls{record: 1}, c)

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.NotEmpty(t, spans[0].TraceID)
}

func TestPreAppStartFlagsSpan(t *testing.T) {
	exp := export.NewMemory()
	s := newTestSDK(t, contextx.ModeRecord, exp)
	// MarkAppAsReady not called

	var c calls
	_, err := Gate(inRequest(context.Background()), s, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, calls{record: 1}, c)

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].IsPreAppStart)
}

func TestReplayInRequest(t *testing.T) {
	s := newTestSDK(t, contextx.ModeReplay, nil)
	s.MarkAppAsReady()

	var c calls
	out, err := Gate(inRequest(context.Background()), s, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, "replayed", out)
	assert.Equal(t, calls{replay: 1}, c)
}

func TestReplayBackgroundHitsNoOp(t *testing.T) {
	s := newTestSDK(t, contextx.ModeReplay, nil)
	s.MarkAppAsReady()

	var c calls
	out, err := Gate(context.Background(), s, handlers(&c, span.KindClient, false))
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, calls{noop: 1}, c)
}

func TestReplayPreAppStartStillReplays(t *testing.T) {
	exp := export.NewMemory()
	s := newTestSDK(t, contextx.ModeReplay, exp)
	// setup-time traffic has no inbound request but must replay, flagged

	var c calls
	out, err := Gate(context.Background(), s, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, "replayed", out)
	assert.Equal(t, calls{replay: 1}, c)

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].IsPreAppStart)
}

func TestGateWithCurrentSpanCountsAsInRequest(t *testing.T) {
	s := newTestSDK(t, contextx.ModeReplay, nil)
	s.MarkAppAsReady()

	parent, ctx := s.Recorder().StartSpan(context.Background(), span.Descriptor{
		Name: "inbound", Kind: span.KindServer,
	})
	defer func() { _ = s.Recorder().End(parent, span.StatusOK, "") }()

	var c calls
	out, err := Gate(ctx, s, handlers(&c, span.KindClient, true))
	require.NoError(t, err)
	assert.Equal(t, "replayed", out)
}

func TestModeFromEnv(t *testing.T) {
	t.Setenv(ModeEnvVar, "REPLAY")
	s, err := New(Config{Logger: logger.NewNop()})
	require.NoError(t, err)
	assert.Equal(t, contextx.ModeReplay, s.Mode())

	t.Setenv(ModeEnvVar, "")
	s, err = New(Config{Logger: logger.NewNop()})
	require.NoError(t, err)
	assert.Equal(t, contextx.ModeDisabled, s.Mode())
}
