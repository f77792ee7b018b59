package archive

import (
	"context"
	"io/fs"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// member is the common shape a zip or 7z entry is reduced to before it
// enters the shared worker pool, so the pool itself never knows which
// container format it's extracting.
type member struct {
	name   string
	mode   fs.FileMode
	isDir  bool
	size   int64
	opener func() (fileReader, error)
}

type fileReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// runWorkerPool claims members from a shared atomic counter across
// `workers` goroutines, calling process for each. It stops early — without
// waiting for slower goroutines to notice naturally — as soon as either
// ctx is cancelled or any worker reports an error, matching §4.D's "first
// worker to fail signals the others to stop claiming new entries". The
// errgroup-derived context is what every worker polls, so a failing (or
// cancelled) member propagates to the rest within one claim-loop iteration.
func runWorkerPool(ctx context.Context, members []member, workers int, process func(member) error) error {
	if workers < 1 {
		workers = 1
	}
	if workers > len(members) {
		workers = len(members)
	}
	if workers == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var counter atomic.Int64

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				idx := int(counter.Add(1)) - 1
				if idx >= len(members) {
					return nil
				}
				if err := process(members[idx]); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
