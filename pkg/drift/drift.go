// Package drift is the SDK entry point: initialization, mode resolution, and
// the mode gate every adapter routes through.
package drift

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/export"
	"github.com/nmxmxh/tuskdrift/pkg/logger"
	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/registry"
	"github.com/nmxmxh/tuskdrift/pkg/span"
	"github.com/nmxmxh/tuskdrift/pkg/transform"
)

// Environment variables consumed at init.
const (
	ModeEnvVar      = "TUSK_DRIFT_MODE"
	AnalyticsEnvVar = "TUSK_ANALYTICS_DISABLED"
)

// Config configures the SDK.
type Config struct {
	APIKey   string
	Env      string
	LogLevel string

	// Mode overrides TUSK_DRIFT_MODE when set.
	Mode contextx.Mode

	// TransformRules is the compiled-at-init rule set; TransformRuleFile
	// loads one from YAML. Invalid rules are fatal.
	TransformRules    []transform.Rule
	TransformRuleFile string

	// Exporters receive ended spans in order. Registered during init only.
	Exporters []span.Exporter

	// Oracle resolves replay fingerprints. Defaults to an empty in-process
	// store; REPLAY without recordings misses everything.
	Oracle oracle.Client

	Logger logger.Logger
}

// SDK is the assembled instrumentation core. One SDK serves the whole
// process; tests build their own.
type SDK struct {
	mode     contextx.Mode
	log      logger.Logger
	recorder *span.Recorder
	oracle   oracle.Client
	engine   *transform.Engine

	ready     atomic.Bool
	analytics bool
}

// New assembles an SDK without touching process-global state.
func New(cfg Config) (*SDK, error) {
	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.New(logger.Config{
			Environment: cfg.Env,
			LogLevel:    cfg.LogLevel,
			ServiceName: "tuskdrift",
		})
		if err != nil {
			return nil, err
		}
	}

	rules := cfg.TransformRules
	if cfg.TransformRuleFile != "" {
		loaded, err := transform.LoadFile(cfg.TransformRuleFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}
	engine, err := transform.NewEngine(rules, log.GetZapLogger())
	if err != nil {
		return nil, err
	}

	mode := cfg.Mode
	if mode == "" {
		mode = contextx.ParseMode(os.Getenv(ModeEnvVar))
	}

	orc := cfg.Oracle
	if orc == nil {
		orc = oracle.NewStore(log.GetZapLogger())
	}

	analytics := os.Getenv(AnalyticsEnvVar) == ""
	if analytics {
		orc = countingOracle{inner: orc}
	}

	rec := span.NewRecorder(log.GetZapLogger(), engine)
	if analytics {
		rec.RegisterExporter(telemetryExporter{})
	}
	for _, e := range cfg.Exporters {
		rec.RegisterExporter(e)
	}

	s := &SDK{
		mode:      mode,
		log:       log,
		recorder:  rec,
		oracle:    orc,
		engine:    engine,
		analytics: analytics,
	}
	log.Info("drift initialized",
		zap.String("mode", string(mode)),
		zap.Int("transform_rules", len(rules)),
		zap.Int("exporters", len(cfg.Exporters)))
	return s, nil
}

// Mode returns the SDK's operating mode. A nil SDK is disabled.
func (s *SDK) Mode() contextx.Mode {
	if s == nil {
		return contextx.ModeDisabled
	}
	return s.mode
}

// MarkAppAsReady ends the pre-app-start window. Spans created before this
// call carry the isPreAppStart flag.
func (s *SDK) MarkAppAsReady() {
	if s != nil {
		s.ready.Store(true)
	}
}

// Ready reports whether the host finished starting up.
func (s *SDK) Ready() bool {
	return s != nil && s.ready.Load()
}

// Recorder exposes the span kernel.
func (s *SDK) Recorder() *span.Recorder {
	if s == nil {
		return nil
	}
	return s.recorder
}

// Oracle exposes the replay match client.
func (s *SDK) Oracle() oracle.Client {
	if s == nil {
		return nil
	}
	return s.oracle
}

// Engine exposes the compiled transform rules (for drop-ahead checks).
func (s *SDK) Engine() *transform.Engine {
	if s == nil {
		return nil
	}
	return s.engine
}

// Logger returns the SDK logger.
func (s *SDK) Logger() *zap.Logger {
	if s == nil {
		return zap.NewNop()
	}
	return s.log.GetZapLogger()
}

// Shutdown flushes every flushing exporter concurrently.
func (s *SDK) Shutdown(ctx context.Context, exporters ...export.Flusher) error {
	if s == nil {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range exporters {
		f := f
		g.Go(func() error { return f.Flush(ctx) })
	}
	return g.Wait()
}

// Process-wide default, immutable after Init.
var (
	defaultMu  sync.Mutex
	defaultSDK atomic.Pointer[SDK]
)

// Init assembles the default SDK and seals the instrumentation registry.
// Calling Init twice is an error; the adapter set has no teardown before
// process exit.
func Init(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSDK.Load() != nil {
		return errdefs.ErrAlreadyInitialized
	}
	s, err := New(cfg)
	if err != nil {
		return err
	}
	defaultSDK.Store(s)
	registry.Default.Seal()
	return nil
}

// Default returns the process SDK, or nil (disabled) before Init.
func Default() *SDK {
	return defaultSDK.Load()
}

// MarkAppAsReady flips the default SDK out of its pre-app-start window.
func MarkAppAsReady() {
	Default().MarkAppAsReady()
}
