package drift

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

var (
	spansExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuskdrift",
		Subsystem: "spans",
		Name:      "exported_total",
		Help:      "Spans handed to export adapters, by package type.",
	}, []string{"package", "kind"})

	oracleMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tuskdrift",
		Subsystem: "oracle",
		Name:      "miss_total",
		Help:      "Replay lookups that matched no recorded span.",
	})
)

// telemetryExporter counts ended spans. Registered first so counters reflect
// everything the real exporters were offered.
type telemetryExporter struct{}

func (telemetryExporter) ExportSpan(d span.Data) error {
	spansExported.WithLabelValues(string(d.PackageType), string(d.Kind)).Inc()
	return nil
}

// countingOracle layers miss telemetry over the configured oracle client.
type countingOracle struct {
	inner oracle.Client
}

func (c countingOracle) FindMockResponse(ctx context.Context, req oracle.Request) (*oracle.Response, bool) {
	resp, ok := c.inner.FindMockResponse(ctx, req)
	if !ok {
		oracleMisses.Inc()
	}
	return resp, ok
}
