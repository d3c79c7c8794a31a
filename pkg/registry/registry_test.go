package registry

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
)

type stubTransport struct{}

func (stubTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, nil }

type wrappedTransport struct {
	inner   http.RoundTripper
	version string
}

func (w *wrappedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return w.inner.RoundTrip(r)
}

func (w *wrappedTransport) Unwrap() interface{} { return w.inner }

func wrapInstall(target interface{}, version string) (interface{}, error) {
	return &wrappedTransport{inner: target.(http.RoundTripper), version: version}, nil
}

func TestInstallSelectsFirstCoveringPatch(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Instrumentation{
		Name:    "http-client",
		Package: "net/http",
		Patches: []Patch{
			{Versions: ">= 2.0.0", Install: func(interface{}, string) (interface{}, error) {
				t.Fatal("v2 patch selected for a v1 version")
				return nil, nil
			}},
			{Versions: ">= 1.0.0, < 2.0.0", Install: wrapInstall},
		},
	}))

	out, err := r.Install("net/http", "1.5.3", stubTransport{})
	require.NoError(t, err)
	w, ok := out.(*wrappedTransport)
	require.True(t, ok)
	assert.Equal(t, "1.5.3", w.version)
}

func TestInstallPassesThroughUncoveredVersion(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Instrumentation{
		Name:    "http-client",
		Package: "net/http",
		Patches: []Patch{{Versions: ">= 2.0.0", Install: wrapInstall}},
	}))

	target := stubTransport{}
	out, err := r.Install("net/http", "1.0.0", target)
	require.NoError(t, err)
	assert.Equal(t, target, out)

	// unknown version: same pass-through behavior
	out, err = r.Install("net/http", "", target)
	require.NoError(t, err)
	assert.Equal(t, target, out)
}

func TestInstallIdempotent(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Instrumentation{
		Name:    "http-client",
		Package: "net/http",
		Patches: []Patch{{Install: wrapInstall}},
	}))

	once, err := r.Install("net/http", "1.0.0", stubTransport{})
	require.NoError(t, err)
	twice, err := r.Install("net/http", "1.0.0", once)
	require.NoError(t, err)

	// no method is double-wrapped
	assert.Same(t, once, twice)
}

func TestInstallFailureFallsThroughToOriginal(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Instrumentation{
		Name:    "broken",
		Package: "net/http",
		Patches: []Patch{{Install: func(interface{}, string) (interface{}, error) {
			return nil, assert.AnError
		}}},
	}))

	target := stubTransport{}
	out, err := r.Install("net/http", "1.0.0", target)
	require.NoError(t, err)
	assert.Equal(t, target, out)
}

func TestSubPatches(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Instrumentation{
		Name:    "redis",
		Package: "github.com/redis/go-redis",
		Patches: []Patch{},
		SubPatches: map[string][]Patch{
			"pipeline": {{Versions: ">= 9.0.0", Install: wrapInstall}},
		},
	}))

	out, err := r.InstallSub("github.com/redis/go-redis", "pipeline", "9.8.0", stubTransport{})
	require.NoError(t, err)
	assert.IsType(t, &wrappedTransport{}, out)

	// sub-target range has its own gate
	target := stubTransport{}
	out, err = r.InstallSub("github.com/redis/go-redis", "pipeline", "8.11.0", target)
	require.NoError(t, err)
	assert.Equal(t, target, out)
}

func TestSealRejectsLateRegistration(t *testing.T) {
	r := New(nil)
	r.Seal()
	err := r.Register(Instrumentation{Name: "late", Package: "x"})
	assert.ErrorIs(t, err, errdefs.ErrRegistrySealed)
}

func TestRegisterRejectsBadConstraint(t *testing.T) {
	r := New(nil)
	err := r.Register(Instrumentation{
		Name:    "bad",
		Package: "x",
		Patches: []Patch{{Versions: "not-a-range", Install: wrapInstall}},
	})
	assert.Error(t, err)
}

func TestUnregisteredPackagePassesThrough(t *testing.T) {
	r := New(nil)
	target := stubTransport{}
	out, err := r.Install("unknown/pkg", "1.0.0", target)
	require.NoError(t, err)
	assert.Equal(t, target, out)
}
