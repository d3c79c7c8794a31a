// Package export ships ended spans out of the process. Exporters implement
// span.Exporter; the kernel fans out in registration order and contains
// their failures.
package export

import (
	"context"
	"sync"

	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// Flusher is implemented by exporters with buffered or remote sinks.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Memory keeps ended spans in process. Replay fixtures load from it in tests
// and it backs the in-process oracle.
type Memory struct {
	mu    sync.Mutex
	spans []span.Data
}

// NewMemory builds an empty in-memory exporter.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) ExportSpan(d span.Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, d)
	return nil
}

// Spans returns a copy of everything exported so far, in end order.
func (m *Memory) Spans() []span.Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]span.Data, len(m.spans))
	copy(out, m.spans)
	return out
}

// Reset discards all captured spans.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = nil
}
