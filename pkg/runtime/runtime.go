// Package runtime defines Bay's Container Driver contract (spec.md §4.2)
// and a containerd-backed implementation. The Driver is pure: it holds no
// Ship state of its own, it only creates, starts, inspects, stops, and
// removes containers and reports addresses back to the caller.
package runtime

import (
	"context"
	"io"
	"time"
)

// Spec describes the resource hints and image used to create a container.
type Spec struct {
	Image  string
	Cpus   float64
	Memory string // e.g. "512m", "2g"; empty means unlimited
}

// InspectResult reports whether a container is alive and, if so, where.
type InspectResult struct {
	Running bool
	Address string
}

// Driver is the Container Driver contract (spec.md §4.2). Implementations
// must be safe for concurrent use — the runtime socket is shared across
// every HTTP handler goroutine.
type Driver interface {
	// Create pulls the image if needed and creates (but does not start)
	// a container, returning its runtime id.
	Create(ctx context.Context, id string, spec Spec) (containerID string, err error)

	// Start starts a created container and returns its reachable address.
	Start(ctx context.Context, containerID string) (address string, err error)

	// Inspect reports whether the container is running and, if so, its
	// address. Used by Recovery to reconcile persisted state on boot.
	Inspect(ctx context.Context, containerID string) (InspectResult, error)

	// Logs returns the tail of the container's combined stdout+stderr.
	Logs(ctx context.Context, containerID string, tailBytes int64) (io.ReadCloser, error)

	// Stop gracefully stops a running container, force-killing after grace.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove deletes the container. Idempotent: removing an already-gone
	// container is not an error.
	Remove(ctx context.Context, containerID string) error
}
