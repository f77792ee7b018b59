// Package containerengine is the opaque boundary between internal/server
// and whatever actually runs a game server's container. Per the design
// spec's non-goals, no real container-runtime binding lives here: only
// the interface internal/server drives, and a process-stub
// implementation sufficient to exercise the state machine in tests.
package containerengine

import (
	"context"
	"io"
	"time"
)

// Engine is the full surface internal/server needs from a container
// runtime: start, graceful-then-forceful stop, exec, and attach to the
// running process's I/O streams.
type Engine interface {
	// Start boots the container for the given server uuid using its
	// current on-disk configuration. It does not block until the
	// process is actually ready; callers observe readiness through
	// Attach's output stream.
	Start(ctx context.Context, serverUUID string) error

	// Stop asks the container to shut down gracefully, waiting up to
	// graceful before escalating to Kill. A graceful of zero skips
	// straight to Kill.
	Stop(ctx context.Context, serverUUID string, graceful time.Duration) error

	// Kill forcibly terminates the container.
	Kill(ctx context.Context, serverUUID string) error

	// Exec runs a one-shot command inside the container's filesystem
	// namespace (used for install scripts), returning its combined
	// output.
	Exec(ctx context.Context, serverUUID string, command []string) ([]byte, error)

	// Attach returns a writer for the container's stdin and a reader
	// for its combined stdout/stderr stream. Callers that only need one
	// side may close the other immediately.
	Attach(ctx context.Context, serverUUID string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
}

// ErrNotRunning is returned by Stop/Kill/Exec/Attach when no container is
// currently tracked for the given server uuid.
var ErrNotRunning = errNotRunning{}

type errNotRunning struct{}

func (errNotRunning) Error() string { return "containerengine: no running container for server" }
