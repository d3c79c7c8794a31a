// Package oracle resolves replay calls against the recorded span store. The
// oracle never guesses: a call either matches a recorded span or misses.
package oracle

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/tuskdrift/pkg/schema"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// Request is the fingerprint of a call to resolve.
type Request struct {
	TraceID             string
	SpanID              string
	Name                string
	SubmoduleName       string
	PackageName         string
	InstrumentationName string
	InputValue          span.Value
	Kind                span.Kind
	StackTrace          string
	SchemaMerges        schema.Merges
}

// Response carries the recorded output for a matched call.
type Response struct {
	Result span.Value
}

// Client resolves fingerprints. The in-process Store is the default
// implementation; a remote trace-matching service satisfies the same
// interface.
type Client interface {
	FindMockResponse(ctx context.Context, req Request) (*Response, bool)
}

type candidate struct {
	data     span.Data
	consumed bool
}

// Store indexes recorded spans by (traceId, package, submodule, name).
// Pre-app-start spans live in a shared pool: setup traffic replays the same
// way regardless of which trace drives it.
type Store struct {
	mu     sync.Mutex
	byKey  map[string][]*candidate
	preApp map[string][]*candidate
	log    *zap.Logger
}

// NewStore builds an empty store.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		byKey:  make(map[string][]*candidate),
		preApp: make(map[string][]*candidate),
		log:    log.With(zap.String("module", "oracle")),
	}
}

// Load indexes recorded spans, preserving recording order within each key.
// Server spans are skipped; only outbound operations are mocked.
func (s *Store) Load(spans []span.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range spans {
		if d.Kind == span.KindServer {
			continue
		}
		c := &candidate{data: d}
		if d.IsPreAppStart {
			k := poolKey(d.PackageType, d.Submodule, d.Name)
			s.preApp[k] = append(s.preApp[k], c)
			continue
		}
		k := traceKey(d.TraceID, d.PackageType, d.Submodule, d.Name)
		s.byKey[k] = append(s.byKey[k], c)
	}
}

// FindMockResponse selects the best unconsumed match for req. Fields with
// matchImportance 0 are ignored; base64 fields compare after decoding. Ties
// break by recording order. A matched span is consumed and never returned
// again, so replay divergence surfaces as a miss instead of a stale reuse.
func (s *Store) FindMockResponse(ctx context.Context, req Request) (*Response, bool) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	pkg := span.PackageType(req.PackageName)
	if c := s.match(s.byKey[traceKey(req.TraceID, pkg, req.SubmoduleName, req.Name)], req); c != nil {
		return &Response{Result: c.data.Output}, true
	}
	if c := s.match(s.preApp[poolKey(pkg, req.SubmoduleName, req.Name)], req); c != nil {
		return &Response{Result: c.data.Output}, true
	}

	s.log.Debug("no recorded span matches",
		zap.String("trace_id", req.TraceID),
		zap.String("package", req.PackageName),
		zap.String("name", req.Name))
	return nil, false
}

func (s *Store) match(candidates []*candidate, req Request) *candidate {
	for _, c := range candidates {
		if c.consumed {
			continue
		}
		merges := c.data.InputMerges.Merge(req.SchemaMerges)
		if valuesEqual(c.data.Input, req.InputValue, merges, "") {
			c.consumed = true
			return c
		}
	}
	return nil
}

// Remaining reports how many recorded spans were never consumed, per trace.
// A non-zero count after a replay run is a divergence signal.
func (s *Store) Remaining(traceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, cs := range s.byKey {
		if !strings.HasPrefix(k, traceID+"|") {
			continue
		}
		for _, c := range cs {
			if !c.consumed {
				n++
			}
		}
	}
	return n
}

func traceKey(traceID string, pkg span.PackageType, submodule, name string) string {
	return traceID + "|" + string(pkg) + "|" + submodule + "|" + name
}

func poolKey(pkg span.PackageType, submodule, name string) string {
	return "pre-app|" + string(pkg) + "|" + submodule + "|" + name
}
