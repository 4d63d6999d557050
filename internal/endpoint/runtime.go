package endpoint

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ContainerSpec describes the backing service container to start.
type ContainerSpec struct {
	Name   string
	Image  string
	Port   int
	Labels map[string]string
}

// Runtime is the container runtime the manager drives. Implementations must
// be safe to call from one goroutine at a time; the manager never calls them
// concurrently.
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	// StartContainer creates and starts a container publishing spec.Port/tcp on
	// a dynamically assigned host port. If the container was created but could
	// not be started, the returned id is non-empty alongside the error.
	StartContainer(ctx context.Context, spec ContainerSpec) (id string, err error)
	HostPort(ctx context.Context, id string, port int) (string, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

// hostReporter is implemented by runtimes that know which host publishes
// their containers' ports.
type hostReporter interface {
	Host() string
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName derives a collision-resistant container name from an image
// reference: the repository's last path element plus a random suffix.
func ContainerName(image string) string {
	base := image
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.Index(base, "@"); i >= 0 {
		base = base[:i]
	}
	if i := strings.Index(base, ":"); i >= 0 {
		base = base[:i]
	}
	base = strings.Trim(invalidNameChars.ReplaceAllString(base, "-"), "-_.")
	if base == "" {
		base = "cli2rest"
	}
	return base + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
