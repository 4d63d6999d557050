package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
)

const (
	hostPortAttempts = 20
	hostPortBackoff  = 250 * time.Millisecond
)

// DockerRuntime drives a Docker Engine through its HTTP API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon named by the DOCKER_* environment,
// negotiating the API version. Passing opts replaces those defaults.
func NewDockerRuntime(opts ...client.Opt) (*DockerRuntime, error) {
	if len(opts) == 0 {
		opts = []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// NewDockerRuntimeFromClient wraps an existing client.
func NewDockerRuntimeFromClient(cli *client.Client) *DockerRuntime {
	return &DockerRuntime{cli: cli}
}

func (d *DockerRuntime) Close() error { return d.cli.Close() }

// Host returns the address published ports are reachable on: the daemon's
// host for tcp daemons, localhost otherwise.
func (d *DockerRuntime) Host() string {
	u, err := url.Parse(d.cli.DaemonHost())
	if err != nil || u.Scheme != "tcp" {
		return "localhost"
	}
	if h := u.Hostname(); h != "" && h != "0.0.0.0" {
		return h
	}
	return "localhost"
}

func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, ref)
	switch {
	case err == nil:
		return true, nil
	case cerrdefs.IsNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
}

// PullImage pulls ref and drains the progress stream, surfacing the first
// error message the daemon reports.
func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read pull progress: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.Status != "" {
			log.Debug().Str("image", ref).Str("layer", msg.ID).Msg(msg.Status)
		}
	}
}

func (d *DockerRuntime) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			ExposedPorts: nat.PortSet{port: struct{}{}},
			Labels:       spec.Labels,
		},
		&container.HostConfig{
			// An empty HostPort asks the daemon for a free port.
			PortBindings: nat.PortMap{port: []nat.PortBinding{{HostPort: ""}}},
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("id", shortID(resp.ID)).Msg(w)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// HostPort reads the host port bound to port/tcp. The binding can lag the
// start call briefly, so it is re-read a bounded number of times.
func (d *DockerRuntime) HostPort(ctx context.Context, id string, port int) (string, error) {
	want := nat.Port(strconv.Itoa(port) + "/tcp")
	for attempt := 0; attempt < hostPortAttempts; attempt++ {
		info, err := d.cli.ContainerInspect(ctx, id)
		if err != nil {
			return "", fmt.Errorf("inspect container: %w", err)
		}
		if info.NetworkSettings != nil {
			for _, b := range info.NetworkSettings.Ports[want] {
				if b.HostPort != "" {
					return b.HostPort, nil
				}
			}
		}
		if info.ContainerJSONBase != nil && info.State != nil && info.State.Status == "exited" {
			return "", fmt.Errorf("container exited with code %d before publishing %s", info.State.ExitCode, want)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(hostPortBackoff):
		}
	}
	return "", fmt.Errorf("no host port bound to %s", want)
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}
