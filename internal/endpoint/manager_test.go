package endpoint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime records calls and publishes whatever port the test server uses.
type fakeRuntime struct {
	mu       sync.Mutex
	calls    []string
	hasImage bool
	port     string

	pullErr  error
	startErr error
	startID  string
	portErr  error
	stopErr  error
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) {
	f.record("inspect")
	return f.hasImage, nil
}

func (f *fakeRuntime) PullImage(context.Context, string) error {
	f.record("pull")
	return f.pullErr
}

func (f *fakeRuntime) StartContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.record("start")
	if f.startErr != nil {
		return f.startID, f.startErr
	}
	return "container-0123456789abcdef", nil
}

func (f *fakeRuntime) HostPort(context.Context, string, int) (string, error) {
	f.record("port")
	return f.port, f.portErr
}

func (f *fakeRuntime) StopContainer(context.Context, string) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeRuntime) RemoveContainer(context.Context, string) error {
	f.record("remove")
	return nil
}

// healthServer answers /health with 503 until ready flips.
func healthServer(t *testing.T, ready *atomic.Bool) (host, port string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Hostname(), u.Port()
}

func testManager(rt Runtime, host string) *Manager {
	return NewManager(rt, WithHost(host), WithPollInterval(10*time.Millisecond), WithProbeTimeout(time.Second))
}

func TestExternal(t *testing.T) {
	m := NewManager(nil)
	ep, err := m.External("http://localhost:8000/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", ep.BaseURL)
	assert.False(t, ep.Owned())
	assert.NoError(t, ep.Release(context.Background()))

	for _, bad := range []string{"localhost:8000", "ftp://x", "", "http://"} {
		_, err := m.External(bad)
		assert.ErrorIs(t, err, ErrEndpointUnreachable, bad)
	}
}

func TestLaunchPullsWhenAbsentAndWaitsForHealth(t *testing.T) {
	var ready atomic.Bool
	host, port := healthServer(t, &ready)
	rt := &fakeRuntime{port: port}
	m := testManager(rt, host)

	time.AfterFunc(50*time.Millisecond, func() { ready.Store(true) })
	ep, err := m.Launch(context.Background(), LaunchSpec{Image: "example/tool:1", Port: 8000})
	require.NoError(t, err)
	assert.Equal(t, "http://"+host+":"+port, ep.BaseURL)
	assert.True(t, ep.Owned())
	assert.Equal(t, []string{"inspect", "pull", "start", "port"}, rt.Calls())

	require.NoError(t, ep.Release(context.Background()))
	require.NoError(t, ep.Release(context.Background()))
	assert.Equal(t, 1, rt.count("stop"))
	assert.Equal(t, 1, rt.count("remove"))
}

func TestLaunchSkipsPullForPresentImage(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	host, port := healthServer(t, &ready)
	rt := &fakeRuntime{port: port, hasImage: true}

	ep, err := testManager(rt, host).Launch(context.Background(), LaunchSpec{Image: "tool"})
	require.NoError(t, err)
	defer ep.Release(context.Background())
	assert.Zero(t, rt.count("pull"))
}

func TestLaunchHealthTimeoutTearsDown(t *testing.T) {
	var ready atomic.Bool
	host, port := healthServer(t, &ready)
	rt := &fakeRuntime{port: port, hasImage: true}
	m := testManager(rt, host)
	m.HealthTimeout = 80 * time.Millisecond

	_, err := m.Launch(context.Background(), LaunchSpec{Image: "tool"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEndpointUnreachable)
	assert.Equal(t, 1, rt.count("stop"))
	assert.Equal(t, 1, rt.count("remove"))
}

func TestLaunchCancelledDuringHealthWait(t *testing.T) {
	var ready atomic.Bool
	host, port := healthServer(t, &ready)
	rt := &fakeRuntime{port: port, hasImage: true}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := testManager(rt, host).Launch(ctx, LaunchSpec{Image: "tool"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// Teardown still ran on the cancelled context.
	assert.Equal(t, 1, rt.count("remove"))
}

func TestLaunchFailures(t *testing.T) {
	tests := []struct {
		name       string
		rt         *fakeRuntime
		spec       LaunchSpec
		wantRemove int
	}{
		{"no image", &fakeRuntime{}, LaunchSpec{}, 0},
		{"pull fails", &fakeRuntime{pullErr: errors.New("denied")}, LaunchSpec{Image: "x"}, 0},
		{"start fails before create", &fakeRuntime{hasImage: true, startErr: errors.New("name in use")}, LaunchSpec{Image: "x"}, 0},
		{"start fails after create", &fakeRuntime{hasImage: true, startErr: errors.New("port"), startID: "abc"}, LaunchSpec{Image: "x"}, 1},
		{"no host port", &fakeRuntime{hasImage: true, portErr: errors.New("unbound")}, LaunchSpec{Image: "x"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testManager(tt.rt, "127.0.0.1").Launch(context.Background(), tt.spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEndpointLaunchFailed)
			assert.Equal(t, tt.wantRemove, tt.rt.count("remove"))
		})
	}

	_, err := NewManager(nil).Launch(context.Background(), LaunchSpec{Image: "x"})
	assert.ErrorIs(t, err, ErrEndpointLaunchFailed)
}

func TestReleaseJoinsStopAndRemove(t *testing.T) {
	rt := &fakeRuntime{stopErr: errors.New("stop timeout")}
	m := NewManager(rt)
	err := m.teardown(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop timeout")
	assert.Equal(t, []string{"stop", "remove"}, rt.Calls())
}

func TestWithReleasesOnErrorAndPanic(t *testing.T) {
	var released atomic.Int32
	acquire := func(context.Context) (*Endpoint, error) {
		return &Endpoint{BaseURL: "http://x", ContainerID: "c", release: func(context.Context) error {
			released.Add(1)
			return nil
		}}, nil
	}

	sentinel := errors.New("boom")
	err := With(context.Background(), acquire, func(context.Context, *Endpoint) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.EqualValues(t, 1, released.Load())

	assert.Panics(t, func() {
		_ = With(context.Background(), acquire, func(context.Context, *Endpoint) error { panic("worker") })
	})
	assert.EqualValues(t, 2, released.Load())

	// A failed acquisition never calls fn.
	called := false
	err = With(context.Background(), func(context.Context) (*Endpoint, error) { return nil, ErrEndpointUnreachable },
		func(context.Context, *Endpoint) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrEndpointUnreachable)
	assert.False(t, called)
}

func TestReleaseIgnoresCancellation(t *testing.T) {
	var sawCancelled atomic.Bool
	ep := &Endpoint{release: func(ctx context.Context) error {
		sawCancelled.Store(ctx.Err() != nil)
		return nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ep.Release(ctx))
	assert.False(t, sawCancelled.Load())
}

func TestReleaseObserverCalledOnce(t *testing.T) {
	boom := errors.New("stop failed")
	ep := &Endpoint{release: func(context.Context) error { return boom }}
	var calls int
	var got error
	ep.ObserveRelease(func(d time.Duration, err error) {
		calls++
		got = err
		assert.GreaterOrEqual(t, d, time.Duration(0))
	})
	assert.ErrorIs(t, ep.Release(context.Background()), boom)
	assert.ErrorIs(t, ep.Release(context.Background()), boom)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, got, boom)

	// External endpoints own nothing and report nothing.
	ext := &Endpoint{BaseURL: "http://x"}
	ext.ObserveRelease(func(time.Duration, error) { t.Fatal("unexpected release") })
	require.NoError(t, ext.Release(context.Background()))
}

func TestContainerName(t *testing.T) {
	tests := map[string]string{
		"ghcr.io/tzok/cli2rest-fr3d:latest":      "cli2rest-fr3d-",
		"localhost:5000/tool@sha256:abc":         "tool-",
		"plain":                                  "plain-",
		"registry.example.com/a/b/c_d.e:1.0-rc1": "c_d.e-",
		":::":                                    "cli2rest-",
	}
	for image, prefix := range tests {
		name := ContainerName(image)
		assert.True(t, strings.HasPrefix(name, prefix), "%s -> %s", image, name)
		assert.Len(t, name, len(prefix)+8)
	}
	assert.NotEqual(t, ContainerName("x"), ContainerName("x"))
}
