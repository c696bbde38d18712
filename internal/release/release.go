// Package release defines the contract between the pipeline and the
// orchestration backend running the service.
package release

import (
	"context"
	"errors"
	"time"

	"github.com/slipway-sh/slipway/internal/descriptor"
)

// ErrRolloutTimeout indicates the new version did not fully replace the old
// one within the stability bound. The backend keeps the previous version
// serving; no traffic is switched.
var ErrRolloutTimeout = errors.New("release: rollout did not stabilize within bound")

// Target submits rendered descriptors to an orchestration backend and
// reports rollout stability.
type Target interface {
	// Submit applies the rendered descriptor. It returns once the backend
	// has accepted the new version, not once it is live.
	Submit(ctx context.Context, desc descriptor.Descriptor) error
	// AwaitStable blocks until every replica runs the submitted version or
	// the bound elapses, in which case it returns ErrRolloutTimeout.
	AwaitStable(ctx context.Context, desc descriptor.Descriptor, timeout time.Duration) error
}

// Status is a point-in-time summary of the running service, for operators.
type Status struct {
	Ready    bool
	Replicas int
	Message  string
}

// Inspector is implemented by targets that can report live status.
type Inspector interface {
	Status(ctx context.Context, desc descriptor.Descriptor) (Status, error)
}
