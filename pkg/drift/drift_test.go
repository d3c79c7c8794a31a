package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/logger"
)

type flushRecorder struct{ flushed bool }

func (f *flushRecorder) Flush(context.Context) error {
	f.flushed = true
	return nil
}

func TestShutdownFlushesAll(t *testing.T) {
	s, err := New(Config{Mode: contextx.ModeRecord, Logger: logger.NewNop()})
	require.NoError(t, err)

	a, b := &flushRecorder{}, &flushRecorder{}
	require.NoError(t, s.Shutdown(context.Background(), a, b))
	assert.True(t, a.flushed)
	assert.True(t, b.flushed)
}

func TestReadyTransition(t *testing.T) {
	s, err := New(Config{Mode: contextx.ModeRecord, Logger: logger.NewNop()})
	require.NoError(t, err)

	assert.False(t, s.Ready())
	s.MarkAppAsReady()
	assert.True(t, s.Ready())
}

func TestInvalidRuleFileIsFatal(t *testing.T) {
	_, err := New(Config{
		Logger:            logger.NewNop(),
		TransformRuleFile: t.TempDir() + "/missing.yaml",
	})
	assert.Error(t, err)
}

// Init touches process-global state, so its whole lifecycle lives in one
// test.
func TestInitOnce(t *testing.T) {
	require.Nil(t, Default())

	require.NoError(t, Init(Config{Mode: contextx.ModeDisabled, Logger: logger.NewNop()}))
	require.NotNil(t, Default())
	assert.Equal(t, contextx.ModeDisabled, Default().Mode())

	assert.ErrorIs(t, Init(Config{Logger: logger.NewNop()}), errdefs.ErrAlreadyInitialized)

	MarkAppAsReady()
	assert.True(t, Default().Ready())
}
