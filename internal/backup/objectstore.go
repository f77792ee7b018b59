package backup

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/ioutil"
	"github.com/wingsd/wingsd/internal/walker"
	"github.com/wingsd/wingsd/internal/wingserr"
)

// PresignClient is the slice of the panel API the object-store adapter
// needs: given a backup's final size, obtain a part size and one presigned
// PUT URL per part (§4.E "Calls the panel to obtain (part_size,
// [signed_put_urls])").
type PresignClient interface {
	RequestBackupUpload(ctx context.Context, uuid string, size int64) (partSize int64, urls []string, err error)
}

// ObjectStoreAdapter streams a gzipped tar to a scratch file, then PUTs it
// to the panel's object store in parts via presigned URLs, per §4.E
// "Object-store".
type ObjectStoreAdapter struct {
	root          *confinedfs.Root
	scratchDir    string // confined-root-relative
	panel         PresignClient
	httpClient    *http.Client
	writeLimitBS  int64 // bytes/sec cap, bounds BOTH the scratch write and the part PUT read — §9 Open Question, preserved as documented rather than "fixed"
	maxRetries    int
	retryInterval func(attempt int) time.Duration
}

// NewObjectStoreAdapter constructs an ObjectStoreAdapter. client defaults
// to http.DefaultClient when nil.
func NewObjectStoreAdapter(root *confinedfs.Root, scratchDir string, panel PresignClient, client *http.Client, writeLimitBytesPerSec int64) *ObjectStoreAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &ObjectStoreAdapter{
		root:         root,
		scratchDir:   scratchDir,
		panel:        panel,
		httpClient:   client,
		writeLimitBS: writeLimitBytesPerSec,
		maxRetries:   50,
		retryInterval: func(attempt int) time.Duration {
			return time.Duration(2*attempt) * time.Second
		},
	}
}

func (a *ObjectStoreAdapter) scratchPath(uuid string) string {
	return a.scratchDir + "/" + uuid + ".tar.gz.scratch"
}

// Create writes the scratch file, computes its checksum, then uploads it
// in parts, per §4.E.
func (a *ObjectStoreAdapter) Create(ctx context.Context, uuid string, progress ProgressFunc) (RawServerBackup, error) {
	rel := a.scratchPath(uuid)
	if err := a.root.CreateDirAll(a.scratchDir, 0o755); err != nil {
		return RawServerBackup{}, fmt.Errorf("backup: create scratch dir: %w", err)
	}

	if err := a.writeScratch(ctx, rel, progress); err != nil {
		return RawServerBackup{}, err
	}

	sum, size, err := a.sha1Scratch(ctx, rel)
	if err != nil {
		return RawServerBackup{}, err
	}

	parts, err := a.uploadParts(ctx, uuid, rel, size)
	if err != nil {
		return RawServerBackup{}, err
	}

	if err := a.root.Delete(rel); err != nil {
		return RawServerBackup{}, fmt.Errorf("backup: unlink scratch file: %w", err)
	}

	return RawServerBackup{Checksum: sum, ChecksumType: "sha1", Size: size, Successful: true, Parts: parts}, nil
}

// writeScratch streams a gzipped tar of the server into the scratch file.
// Both the outer scratch-file writer and, per the original's documented
// (if ambiguous) behaviour, the inner tar stream are wrapped in the
// configured write limit — see the writeLimitBS field comment above.
func (a *ObjectStoreAdapter) writeScratch(ctx context.Context, rel string, progress ProgressFunc) error {
	w, err := a.root.CreateForWrite(ctx, rel, confinedfs.WriteOptions{})
	if err != nil {
		return fmt.Errorf("backup: open scratch file: %w", err)
	}
	defer w.Close()

	var written atomic.Int64
	outer := ioutil.NewCountingWriter(w, &written)
	var limitedOuter io.Writer = outer
	if a.writeLimitBS > 0 {
		limitedOuter = ioutil.NewLimitedWriter(ctx, limitedOuter, a.writeLimitBS)
	}

	gw, err := newGzipWriter(limitedOuter, 0)
	if err != nil {
		return fmt.Errorf("backup: init gzip: %w", err)
	}
	var innerWriter io.Writer = gw
	if a.writeLimitBS > 0 {
		innerWriter = ioutil.NewLimitedWriter(ctx, innerWriter, a.writeLimitBS)
	}

	done := make(chan struct{})
	if progress != nil {
		go reportProgress(done, &written, progress)
		defer close(done)
	}

	if err := archive.CreateTar(ctx, a.root, ".", innerWriter, archive.CreateTarOptions{WalkOptions: walker.DefaultOptions()}); err != nil {
		return fmt.Errorf("backup: write scratch archive: %w", err)
	}
	return gw.Close()
}

func (a *ObjectStoreAdapter) sha1Scratch(ctx context.Context, rel string) (string, int64, error) {
	f, err := a.root.OpenForRead(ctx, rel)
	if err != nil {
		return "", 0, fmt.Errorf("backup: reopen scratch for checksum: %w", err)
	}
	defer f.Close()
	h := sha1.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("backup: checksum scratch: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// uploadParts PUTs the scratch file to the panel's presigned URLs, one
// BoundedReader per part, retrying each part up to maxRetries times with
// linear backoff, per §4.E.
func (a *ObjectStoreAdapter) uploadParts(ctx context.Context, uuid, rel string, size int64) ([]Part, error) {
	partSize, urls, err := a.panel.RequestBackupUpload(ctx, uuid, size)
	if err != nil {
		return nil, fmt.Errorf("backup: request upload urls: %w: %w", wingserr.ErrUpstream, err)
	}
	if partSize <= 0 {
		return nil, fmt.Errorf("backup: panel returned non-positive part size")
	}

	abs := rootAbsPath(a.root, rel)
	var parts []Part
	remaining := size

	for i, url := range urls {
		offset := size - remaining
		n := partSize
		if n > remaining {
			n = remaining
		}
		if n <= 0 {
			break
		}
		etag, err := a.putPart(ctx, abs, url, offset, n)
		if err != nil {
			return nil, fmt.Errorf("backup: upload part %d: %w", i, err)
		}
		parts = append(parts, Part{ETag: etag})
		remaining -= n
	}

	if remaining > 0 {
		return nil, fmt.Errorf("backup: %d bytes left unaccounted for after uploading all parts", remaining)
	}
	return parts, nil
}

func (a *ObjectStoreAdapter) putPart(ctx context.Context, absPath, url string, offset, n int64) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		etag, err := a.attemptPut(ctx, absPath, url, offset, n)
		if err == nil {
			return etag, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.retryInterval(attempt)):
		}
	}
	return "", fmt.Errorf("exceeded %d retries: %w: %w", a.maxRetries, wingserr.ErrUpstream, lastErr)
}

func (a *ObjectStoreAdapter) attemptPut(ctx context.Context, absPath, url string, offset, n int64) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	br, err := ioutil.NewBoundedReader(f, offset, n)
	if err != nil {
		return "", err
	}
	var body io.Reader = br
	if a.writeLimitBS > 0 {
		body = ioutil.NewLimitedReader(ctx, body, a.writeLimitBS)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = n

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: part upload failed with status %d: %s", wingserr.ErrUpstream, resp.StatusCode, bytes.TrimSpace(buf))
	}
	return resp.Header.Get("ETag"), nil
}

// Restore is not supported for the object-store adapter: the original
// downloads the object to local disk first and restores via the local
// adapter's tar path, which callers compose explicitly rather than this
// adapter reaching into another adapter's internals.
func (a *ObjectStoreAdapter) Restore(ctx context.Context, uuid string, progress ProgressFunc) error {
	return fmt.Errorf("backup: object-store restore must be composed by downloading then using the local adapter")
}

func (a *ObjectStoreAdapter) Download(ctx context.Context, uuid string) (int, map[string][]string, io.ReadCloser, error) {
	return 0, nil, nil, fmt.Errorf("backup: object-store downloads are served by the panel directly, not by wings")
}

func (a *ObjectStoreAdapter) Delete(ctx context.Context, uuid string) error {
	return a.root.Delete(a.scratchPath(uuid))
}

func (a *ObjectStoreAdapter) List(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("backup: object-store backup listing is owned by the panel, not wings")
}

func rootAbsPath(root *confinedfs.Root, rel string) string {
	canon, err := root.Canonicalize(rel)
	if err != nil {
		return rel
	}
	if canon == "." {
		return root.Base()
	}
	return root.Base() + string(os.PathSeparator) + canon
}
