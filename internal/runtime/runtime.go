// Package runtime defines the container runtime the ship agent drives.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// ErrNotFound is returned by Inspect when no container matches.
var ErrNotFound = errors.New("container not found")

// ErrNoSpace is returned when the runtime ran out of disk space.
var ErrNoSpace = errors.New("no space left on device")

// Spec describes the replacement container to create.
type Spec struct {
	Env      map[string]string
	Ports    map[string]string // host port -> container port
	Volumes  []string
	Networks []string
	Restart  *models.RestartPolicy
	Limits   *Limits
}

// Limits constrains a container's resources. Zero values mean unlimited.
type Limits struct {
	CPUs      float64
	MemoryMB  int64
	PidsLimit int64
}

// Filter narrows List. All includes stopped containers.
type Filter struct {
	Name string
	All  bool
}

// ContainerRuntime is the subset of a container engine the executor needs.
type ContainerRuntime interface {
	Pull(ctx context.Context, image, tag string) error
	Create(ctx context.Context, image, name string, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	// Export writes the container filesystem to dest as a tar archive.
	Export(ctx context.Context, id, dest string) error
	// Import creates a container named name from an exported archive.
	Import(ctx context.Context, archive, name string) (string, error)
	Inspect(ctx context.Context, idOrName string) (*models.ContainerInfo, error)
	List(ctx context.Context, filter Filter) ([]models.ContainerInfo, error)
	// Ping reports whether the engine answers at all.
	Ping(ctx context.Context) error
}

// ShortID truncates a container id to the 12 characters engines display.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
