package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/cli2rest/cli2rest/internal/endpoint")

// Defaults for the health poll.
const (
	DefaultPollInterval = time.Second
	DefaultProbeTimeout = time.Second
)

// LaunchSpec is what the manager needs to start a managed endpoint.
type LaunchSpec struct {
	Image string
	Port  int
	// Name overrides the generated container name.
	Name string
}

// Manager provisions endpoints: either an external URL the caller supplies or
// a container it launches and owns.
type Manager struct {
	Runtime Runtime
	// Host publishes the launched container's ports. Defaults to the runtime's
	// reported host, then localhost.
	Host string
	// PollInterval spaces health probes.
	PollInterval time.Duration
	// ProbeTimeout bounds one health probe.
	ProbeTimeout time.Duration
	// HealthTimeout bounds the whole wait. Zero waits until ctx is done.
	HealthTimeout time.Duration
	HTTPClient    *http.Client
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

func WithHost(host string) ManagerOption { return func(m *Manager) { m.Host = host } }

func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.PollInterval = d }
}

func WithProbeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.ProbeTimeout = d }
}

func WithHealthTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.HealthTimeout = d }
}

func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.HTTPClient = c }
}

// NewManager returns a manager driving rt. rt may be nil when only external
// endpoints are used.
func NewManager(rt Runtime, opts ...ManagerOption) *Manager {
	m := &Manager{
		Runtime:      rt,
		PollInterval: DefaultPollInterval,
		ProbeTimeout: DefaultProbeTimeout,
		HTTPClient:   http.DefaultClient,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// External wraps a caller-supplied base URL. No container is owned and no
// health check is made. Trailing slashes are trimmed.
func (m *Manager) External(rawURL string) (*Endpoint, error) {
	base := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: parse api url %q: %v", ErrEndpointUnreachable, rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: api url %q must be an absolute http(s) url", ErrEndpointUnreachable, rawURL)
	}
	log.Info().Str("url", base).Msg("Using external endpoint")
	return &Endpoint{BaseURL: base}, nil
}

// Launch pulls spec.Image when absent, starts a container publishing
// spec.Port on a dynamic host port and waits until GET /health succeeds.
// Any failure after the container exists tears it down before returning.
func (m *Manager) Launch(ctx context.Context, spec LaunchSpec) (ep *Endpoint, err error) {
	ctx, span := tracer.Start(ctx, "endpoint.launch")
	span.SetAttributes(attribute.String("image", spec.Image), attribute.Int("port", spec.Port))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if m.Runtime == nil {
		return nil, fmt.Errorf("%w: no container runtime configured", ErrEndpointLaunchFailed)
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: tool config declares no docker_image", ErrEndpointLaunchFailed)
	}
	if spec.Port <= 0 {
		spec.Port = 8000
	}

	present, err := m.Runtime.ImageExists(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointLaunchFailed, err)
	}
	if !present {
		log.Info().Str("image", spec.Image).Msg("Pulling image")
		if err := m.Runtime.PullImage(ctx, spec.Image); err != nil {
			return nil, fmt.Errorf("%w: pull %s: %v", ErrEndpointLaunchFailed, spec.Image, err)
		}
	}

	name := spec.Name
	if name == "" {
		name = ContainerName(spec.Image)
	}
	id, err := m.Runtime.StartContainer(ctx, ContainerSpec{
		Name:   name,
		Image:  spec.Image,
		Port:   spec.Port,
		Labels: map[string]string{"cli2rest.managed": "true"},
	})
	if id != "" {
		ep = &Endpoint{ContainerID: id, release: func(ctx context.Context) error { return m.teardown(ctx, id) }}
	}
	if err != nil {
		m.abandon(ctx, ep)
		return nil, fmt.Errorf("%w: start %s: %v", ErrEndpointLaunchFailed, spec.Image, err)
	}
	log.Info().Str("container", name).Str("id", shortID(id)).Msg("Container started")

	hostPort, err := m.Runtime.HostPort(ctx, id, spec.Port)
	if err != nil {
		m.abandon(ctx, ep)
		return nil, fmt.Errorf("%w: resolve host port: %v", ErrEndpointLaunchFailed, err)
	}
	ep.BaseURL = "http://" + net.JoinHostPort(m.host(), hostPort)
	span.SetAttributes(attribute.String("base_url", ep.BaseURL))

	if err := m.WaitHealthy(ctx, ep.BaseURL); err != nil {
		m.abandon(ctx, ep)
		return nil, err
	}
	return ep, nil
}

// WaitHealthy polls GET base/health until it answers 2xx, HealthTimeout
// elapses or ctx is done.
func (m *Manager) WaitHealthy(ctx context.Context, base string) error {
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var timeout <-chan time.Time
	if m.HealthTimeout > 0 {
		timer := time.NewTimer(m.HealthTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("url", base).Msg("Waiting for endpoint to become healthy")
	start := time.Now()
	for attempt := 1; ; attempt++ {
		if m.probe(ctx, base) {
			log.Info().Str("url", base).Dur("elapsed", time.Since(start)).Msg("Endpoint healthy")
			return nil
		}
		log.Debug().Int("attempt", attempt).Str("url", base).Msg("Endpoint not ready")
		select {
		case <-timeout:
			return fmt.Errorf("%w: %s not healthy after %s", ErrEndpointUnreachable, base, m.HealthTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %s: %w", ErrEndpointUnreachable, base, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) probe(ctx context.Context, base string) bool {
	timeout := m.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Manager) host() string {
	if m.Host != "" {
		return m.Host
	}
	if hr, ok := m.Runtime.(hostReporter); ok {
		if h := hr.Host(); h != "" {
			return h
		}
	}
	return "localhost"
}

// abandon releases a half-launched endpoint, logging rather than returning
// the teardown error so the launch error stays primary.
func (m *Manager) abandon(ctx context.Context, ep *Endpoint) {
	if ep == nil {
		return
	}
	if err := ep.Release(ctx); err != nil {
		log.Error().Err(err).Str("id", shortID(ep.ContainerID)).Msg("Cleanup after failed launch")
	}
}

// teardown stops then removes the container. Removal is attempted even when
// stopping fails.
func (m *Manager) teardown(ctx context.Context, id string) error {
	log.Info().Str("id", shortID(id)).Msg("Stopping container")
	var errs []error
	if err := m.Runtime.StopContainer(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("stop %s: %w", shortID(id), err))
	}
	if err := m.Runtime.RemoveContainer(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", shortID(id), err))
	}
	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
