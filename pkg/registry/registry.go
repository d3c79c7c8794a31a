// Package registry maps target packages to instrumentation variants. An
// adapter registers its patches once at startup; installation is gated on the
// detected package version and never fails open into the host's load path.
package registry

import (
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/wrap"
)

var versionMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tuskdrift",
	Subsystem: "registry",
	Name:      "version_mismatch_total",
	Help:      "Packages whose detected version no patch covers.",
}, []string{"package"})

// InstallFunc wraps a library surface. It receives the value to wrap and the
// detected version, and returns the replacement. Returning the input
// unchanged is a valid no-op.
type InstallFunc func(target interface{}, version string) (interface{}, error)

// Patch is one version-gated install hook. An empty Versions constraint
// covers every version.
type Patch struct {
	Versions string
	Install  InstallFunc

	constraint *semver.Constraints
}

// Instrumentation declares an adapter: the package it targets, its top-level
// patches, and optional sub-target patches (keyed by a path inside the
// package, each with its own version ranges).
type Instrumentation struct {
	Name       string
	Package    string
	Patches    []Patch
	SubPatches map[string][]Patch
}

// Registry holds registered instrumentations. Registration is only allowed
// before Seal; installs can happen at any time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]*Instrumentation
	sealed  bool
	missed  map[string]struct{}
	log     *zap.Logger
}

// New builds an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string][]*Instrumentation),
		missed:  make(map[string]struct{}),
		log:     log.With(zap.String("module", "registry")),
	}
}

// Register adds an instrumentation. Constraints compile here so a bad range
// fails at startup, not at install time.
func (r *Registry) Register(inst Instrumentation) error {
	if err := compilePatches(inst.Patches); err != nil {
		return fmt.Errorf("instrumentation %s: %w", inst.Name, err)
	}
	for sub, patches := range inst.SubPatches {
		if err := compilePatches(patches); err != nil {
			return fmt.Errorf("instrumentation %s: sub-target %s: %w", inst.Name, sub, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errdefs.ErrRegistrySealed
	}
	r.entries[inst.Package] = append(r.entries[inst.Package], &inst)
	return nil
}

// Seal freezes the registry. Called once initialization completes; the
// adapter set is process-wide state with no teardown until exit.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Install wraps target with the first patch covering version. When the
// version is unknown or uncovered, the target passes through unmodified and a
// one-shot version-mismatch event is emitted per package. Already-wrapped
// targets pass through untouched.
func (r *Registry) Install(pkg, version string, target interface{}) (interface{}, error) {
	return r.install(pkg, "", version, target)
}

// InstallSub is Install for a sub-target path inside the package.
func (r *Registry) InstallSub(pkg, subPath, version string, target interface{}) (interface{}, error) {
	return r.install(pkg, subPath, version, target)
}

func (r *Registry) install(pkg, subPath, version string, target interface{}) (interface{}, error) {
	if wrap.IsWrapped(target) {
		return target, nil
	}

	r.mu.RLock()
	insts := r.entries[pkg]
	r.mu.RUnlock()

	for _, inst := range insts {
		patches := inst.Patches
		if subPath != "" {
			patches = inst.SubPatches[subPath]
		}
		p := selectPatch(patches, version)
		if p == nil {
			continue
		}
		wrapped, err := p.Install(target, version)
		if err != nil {
			// an instrumentation failure never reaches the host's load path
			r.log.Error("install failed, passing through",
				zap.String("package", pkg), zap.String("instrumentation", inst.Name), zap.Error(err))
			return target, nil
		}
		return wrapped, nil
	}

	if len(insts) > 0 {
		r.noteMismatch(pkg, version)
	}
	return target, nil
}

// Supported reports whether any registered patch covers version. A false
// result emits the same one-shot version-mismatch telemetry as a
// pass-through install.
func (r *Registry) Supported(pkg, version string) bool {
	r.mu.RLock()
	insts := r.entries[pkg]
	r.mu.RUnlock()

	for _, inst := range insts {
		if selectPatch(inst.Patches, version) != nil {
			return true
		}
	}
	if len(insts) > 0 {
		r.noteMismatch(pkg, version)
	}
	return false
}

// noteMismatch emits the telemetry event once per package. The counter is
// skipped when TUSK_ANALYTICS_DISABLED is set; the warning is always logged.
func (r *Registry) noteMismatch(pkg, version string) {
	r.mu.Lock()
	_, seen := r.missed[pkg]
	r.missed[pkg] = struct{}{}
	r.mu.Unlock()
	if seen {
		return
	}
	if os.Getenv("TUSK_ANALYTICS_DISABLED") == "" {
		versionMismatches.WithLabelValues(pkg).Inc()
	}
	r.log.Warn("no patch covers detected version; package not instrumented",
		zap.String("package", pkg), zap.String("version", version))
}

func compilePatches(patches []Patch) error {
	for i := range patches {
		p := &patches[i]
		if p.Versions == "" {
			continue
		}
		c, err := semver.NewConstraint(p.Versions)
		if err != nil {
			return fmt.Errorf("version constraint %q: %w", p.Versions, err)
		}
		p.constraint = c
	}
	return nil
}

// selectPatch returns the first patch whose constraint covers version.
// Unknown versions only match unconstrained patches.
func selectPatch(patches []Patch, version string) *Patch {
	var v *semver.Version
	if version != "" {
		parsed, err := semver.NewVersion(version)
		if err == nil {
			v = parsed
		}
	}
	for i := range patches {
		p := &patches[i]
		if p.constraint == nil {
			return p
		}
		if v != nil && p.constraint.Check(v) {
			return p
		}
	}
	return nil
}

// Default is the process-wide registry adapters register into.
var Default = New(nil)
