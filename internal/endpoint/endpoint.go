package endpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrEndpointUnreachable is returned when the endpoint never reports healthy
	// or the supplied URL cannot be used.
	ErrEndpointUnreachable = errors.New("endpoint unreachable")
	// ErrEndpointLaunchFailed is returned when the backing container cannot be
	// pulled, started or introspected.
	ErrEndpointLaunchFailed = errors.New("endpoint launch failed")
)

// teardownTimeout bounds stop+remove once the run context is gone.
const teardownTimeout = 60 * time.Second

// Endpoint is the reachable base URL of the backing service for one run.
// When ContainerID is set the endpoint owns that container and Release tears
// it down exactly once.
type Endpoint struct {
	BaseURL     string
	ContainerID string

	release    func(context.Context) error
	onRelease  func(time.Duration, error)
	once       sync.Once
	releaseErr error
}

// ObserveRelease registers f to be told how long the teardown took and how it
// ended. It is only called for owned endpoints.
func (e *Endpoint) ObserveRelease(f func(time.Duration, error)) { e.onRelease = f }

// Owned reports whether releasing the endpoint stops a container.
func (e *Endpoint) Owned() bool { return e.release != nil }

// Release tears down the owned container. It runs at most once, on a context
// detached from ctx's cancellation so that an interrupted run still cleans up.
// Later calls return the first call's result.
func (e *Endpoint) Release(ctx context.Context) error {
	e.once.Do(func() {
		if e.release == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		start := time.Now()
		e.releaseErr = e.release(rctx)
		if e.onRelease != nil {
			e.onRelease(time.Since(start), e.releaseErr)
		}
	})
	return e.releaseErr
}

// Acquirer produces the run's endpoint.
type Acquirer func(ctx context.Context) (*Endpoint, error)

// With acquires an endpoint, runs fn against it and releases it
// unconditionally afterwards, including when fn panics. A teardown failure is
// logged and never replaces fn's error.
func With(ctx context.Context, acquire Acquirer, fn func(context.Context, *Endpoint) error) error {
	ep, err := acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := ep.Release(ctx); rerr != nil {
			log.Error().Err(rerr).Str("container", ep.ContainerID).Msg("Endpoint teardown failed")
		}
	}()
	return fn(ctx, ep)
}
