// Package backup implements the three backup adapters (§4.E): local
// (compressed archive on the server's own disk), object-store (presigned
// multipart PUT to the panel's configured bucket), and snapshot (wraps a
// restic-like content-addressed CLI). All three share one contract so the
// server and panel-facing HTTP layer can treat a backup generically.
package backup

import (
	"context"
	"io"
)

// Part records one multipart upload segment's returned ETag (object-store
// adapter only; empty for local and snapshot backups).
type Part struct {
	ETag string
}

// RawServerBackup is what every adapter's Create returns, per §4.E's shared
// contract.
type RawServerBackup struct {
	Checksum     string
	ChecksumType string
	Size         int64
	Successful   bool
	Parts        []Part
}

// ProgressFunc reports bytes processed so far against an expected total;
// total is 0 when not yet known.
type ProgressFunc func(done, total int64)

// Adapter is the shared backup contract, per §4.E: "create(uuid, progress,
// total, ignore) -> RawServerBackup"; "restore(uuid, progress, total) ->
// ()"; "download(uuid) -> (status, headers, body-stream)"; "delete(uuid)";
// "list() -> [uuid]". All operations are context-aware rather than split
// into sync/async variants — see internal/confinedfs.Root's doc comment for why
// that collapse is the idiomatic Go rendition here.
type Adapter interface {
	Create(ctx context.Context, uuid string, progress ProgressFunc) (RawServerBackup, error)
	Restore(ctx context.Context, uuid string, progress ProgressFunc) error
	Download(ctx context.Context, uuid string) (status int, headers map[string][]string, body io.ReadCloser, err error)
	Delete(ctx context.Context, uuid string) error
	List(ctx context.Context) ([]string, error)
}

var (
	_ Adapter = (*LocalAdapter)(nil)
	_ Adapter = (*ObjectStoreAdapter)(nil)
	_ Adapter = (*SnapshotAdapter)(nil)
)
