// Package transfer implements the outgoing server-transfer coordinator
// of §4.G: archive the server, checksum it in flight, and stream both
// plus any requested local backups to a destination node as one
// multipart upload.
package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/metrics"
	"github.com/wingsd/wingsd/internal/walker"
)

// ArchiveFormat is the container/compression pair used for the transfer
// archive itself, per the original's TransferArchiveFormat.
type ArchiveFormat int

const (
	FormatTar ArchiveFormat = iota
	FormatTarGz
	FormatTarZstd
)

func (f ArchiveFormat) extension() string {
	switch f {
	case FormatTarGz:
		return "tar.gz"
	case FormatTarZstd:
		return "tar.zst"
	default:
		return "tar"
	}
}

// BackupSource is the slice of internal/backup.Adapter a transfer needs
// to attach locally-stored backups to the outgoing request and delete
// them afterward. internal/backup.LocalAdapter satisfies this directly.
type BackupSource interface {
	Download(ctx context.Context, uuid string) (status int, headers map[string][]string, body io.ReadCloser, err error)
	Delete(ctx context.Context, uuid string) error
}

// StatusBroadcaster is what a transfer drives: line-oriented logs plus the
// {processing, completed, failure} status, per §6, passed as a plain
// string. internal/server.Hub's BroadcastTransferStatus takes a
// server.TransferStatus instead, so *server.Hub does not satisfy this
// interface directly.
type StatusBroadcaster interface {
	BroadcastTransferLog(line string)
	BroadcastTransferStatus(status string)
}

// StopHook is called before the transfer begins if the server is not
// already stopped, per §4.G step 1 ("issue stop_with_kill_timeout(15s)").
// Implemented by internal/server.Server.Stop.
type StopHook func(ctx context.Context, graceful time.Duration) error

// Options configures one outgoing transfer, per the panel's
// (url, token, [backup_uuids], delete_backups) trigger.
type Options struct {
	URL            string
	Token          string
	BackupUUIDs    []string
	DeleteBackups  bool
	Format         ArchiveFormat
	CompressLevel  archive.LevelPreset
	Root           *confinedfs.Root
	Backups        BackupSource
	Hub            StatusBroadcaster
	Stop           StopHook
	AlreadyOffline bool

	// SetTransferring flips the owning Server's transfer-slot flag; called
	// with true once the transfer actually begins streaming and with
	// false once it finishes or fails, per §4.G step 2 and step 8's
	// "set transferring = false".
	SetTransferring func(bool)
	// SetPanelTransferFlag reports transfer success/failure to the panel
	// on the failure path, per §4.G step 8 "set panel-side transfer flag
	// false".
	SetPanelTransferFlag func(ctx context.Context, ok bool) error
}

// Transfer runs one outgoing server transfer as a cancellable task;
// dropping ctx (or calling Cancel) aborts it mid-flight, mirroring the
// original's Drop-aborts-task semantics.
type Transfer struct {
	opts          Options
	bytesArchived atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Transfer. Call Start to begin it.
func New(opts Options) *Transfer {
	return &Transfer{opts: opts}
}

// Cancel aborts the transfer if it is running.
func (t *Transfer) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// BytesArchived reports how many bytes of the source archive have been
// read so far, for progress reporting.
func (t *Transfer) BytesArchived() int64 {
	return t.bytesArchived.Load()
}

// Start runs the ten-step transfer described in §4.G and blocks until it
// finishes, fails, or is cancelled. Callers that want the original's
// fire-and-forget shape should invoke Start from their own goroutine.
func (t *Transfer) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	defer close(t.done)
	defer cancel()

	// Step 1: stop the server first if it isn't already offline.
	if !t.opts.AlreadyOffline && t.opts.Stop != nil {
		if err := t.opts.Stop(ctx, 15*time.Second); err != nil {
			t.fail(ctx, fmt.Errorf("transfer: stop server before transfer: %w", err))
			return err
		}
	}

	// Step 2: announce the transfer has begun.
	if t.opts.SetTransferring != nil {
		t.opts.SetTransferring(true)
	}
	t.log("Preparing to stream server data to destination...")
	t.opts.Hub.BroadcastTransferStatus("processing")

	// Step 3: the four duplex pipes (archive->checksum, checksum->upload,
	// sha-hex side channel; the fourth is the multipart body pipe itself,
	// wired up in buildRequest below).
	archiveR, archiveW := io.Pipe()
	uploadR, uploadW := io.Pipe()
	checksumR, checksumW := io.Pipe()

	// Cancellation must reach blocked pipe ends directly: cancelling ctx
	// only aborts the HTTP request's wait for a response, it does not
	// unblock a goroutine parked in a Read or Write several pipe-hops
	// upstream of the socket under real backpressure.
	go func() {
		<-ctx.Done()
		err := ctx.Err()
		archiveW.CloseWithError(err)
		archiveR.CloseWithError(err)
		uploadW.CloseWithError(err)
		uploadR.CloseWithError(err)
		checksumW.CloseWithError(err)
		checksumR.CloseWithError(err)
	}()

	var archiveErr, checksumErr error
	var wg sync.WaitGroup
	wg.Add(2)

	// Step 4: archive the server base directory into archiveW, excluding
	// only what the server's configured ignore rules exclude
	// (HonourIgnoreMatcher: true, HonourPteroignore: false).
	go func() {
		defer wg.Done()
		archiveErr = t.writeArchive(ctx, archiveW)
		if archiveErr != nil {
			archiveW.CloseWithError(archiveErr)
		} else {
			archiveW.Close()
		}
	}()

	// Step 5: fan the archive stream out to both a SHA-256 hasher and the
	// upload pipe, writing the hex digest to the side channel on EOF.
	go func() {
		defer wg.Done()
		checksumErr = t.checksumAndForward(ctx, archiveR, uploadW, checksumW)
		if checksumErr != nil {
			uploadW.CloseWithError(checksumErr)
			checksumW.CloseWithError(checksumErr)
		} else {
			uploadW.Close()
			checksumW.Close()
		}
	}()

	// Step 6/7: build the multipart request and POST it, with a 1s
	// progress ticker broadcasting transfer logs.
	progressCtx, stopProgress := context.WithCancel(ctx)
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	totalBytes := t.opts.Root.UsageBytes()
	go func() {
		defer progressWG.Done()
		t.reportProgress(progressCtx, totalBytes)
	}()

	req, err := t.buildRequest(ctx, uploadR, checksumR)
	var respErr error
	if err != nil {
		respErr = err
	} else {
		t.log("Streaming archive to destination...")
		respErr = t.send(ctx, req)
	}

	// Step 8: join archive + checksum + response.
	wg.Wait()
	stopProgress()
	progressWG.Wait()

	if archiveErr != nil {
		t.fail(ctx, fmt.Errorf("transfer: create archive: %w", archiveErr))
		return archiveErr
	}
	if checksumErr != nil {
		t.fail(ctx, fmt.Errorf("transfer: checksum archive: %w", checksumErr))
		return checksumErr
	}
	if respErr != nil {
		t.fail(ctx, fmt.Errorf("transfer: upload: %w", respErr))
		return respErr
	}

	t.log("Finished streaming archive to destination.")

	// Step 9: delete transferred backups if requested.
	if t.opts.DeleteBackups {
		for _, id := range t.opts.BackupUUIDs {
			if err := t.opts.Backups.Delete(ctx, id); err != nil {
				t.log(fmt.Sprintf("failed to delete backup %s after transfer: %v", id, err))
			}
		}
	}

	if t.opts.SetTransferring != nil {
		t.opts.SetTransferring(false)
	}
	metrics.TransferResult.WithLabelValues("success").Inc()

	// Step 10: broadcast completed after a 1s delay.
	go func() {
		time.Sleep(1 * time.Second)
		t.opts.Hub.BroadcastTransferStatus("completed")
	}()

	return nil
}

// Wait blocks until Start has returned.
func (t *Transfer) Wait() {
	if t.done != nil {
		<-t.done
	}
}

// fail implements §4.G's transfer_failure: report the failure to the
// panel, release the transfer slot, and broadcast a failure status.
func (t *Transfer) fail(ctx context.Context, err error) {
	if t.opts.SetPanelTransferFlag != nil {
		_ = t.opts.SetPanelTransferFlag(ctx, false)
	}
	if t.opts.SetTransferring != nil {
		t.opts.SetTransferring(false)
	}
	t.opts.Hub.BroadcastTransferStatus("failure")
	metrics.TransferResult.WithLabelValues("failure").Inc()
}

func (t *Transfer) log(line string) {
	t.opts.Hub.BroadcastTransferLog(line)
}

func (t *Transfer) writeArchive(ctx context.Context, w io.Writer) error {
	opts := archive.CreateTarOptions{WalkOptions: walker.Options{
		FollowSymlinks:      false,
		IncludeHidden:       true,
		HonourPteroignore:   false,
		HonourIgnoreMatcher: true,
	}}

	counting := &countingWriter{w: w, counter: &t.bytesArchived}

	switch t.opts.Format {
	case FormatTarGz:
		gw, err := newCompressingWriter(counting, t.opts.Format, t.opts.CompressLevel)
		if err != nil {
			return err
		}
		if err := archive.CreateTar(ctx, t.opts.Root, ".", gw, opts); err != nil {
			return err
		}
		return gw.Close()
	case FormatTarZstd:
		zw, err := newCompressingWriter(counting, t.opts.Format, t.opts.CompressLevel)
		if err != nil {
			return err
		}
		if err := archive.CreateTar(ctx, t.opts.Root, ".", zw, opts); err != nil {
			return err
		}
		return zw.Close()
	default:
		return archive.CreateTar(ctx, t.opts.Root, ".", counting, opts)
	}
}

type countingWriter struct {
	w       io.Writer
	counter *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.counter.Add(int64(n))
	metrics.TransferBytesArchived.Add(float64(n))
	return n, err
}

func (t *Transfer) checksumAndForward(ctx context.Context, r io.Reader, upload io.Writer, checksum io.Writer) error {
	h := sha256.New()
	mw := io.MultiWriter(upload, h)
	if _, err := io.Copy(mw, r); err != nil {
		return err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	_, err := io.WriteString(checksum, digest)
	return err
}

func (t *Transfer) buildRequest(ctx context.Context, archiveStream, checksumStream io.Reader) (*http.Request, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		<-ctx.Done()
		err := ctx.Err()
		pw.CloseWithError(err)
		pr.CloseWithError(err)
	}()

	go func() {
		defer pw.Close()
		defer mw.Close()

		archivePart, err := mw.CreateFormFile("archive", "archive."+t.opts.Format.extension())
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(archivePart, archiveStream); err != nil {
			pw.CloseWithError(err)
			return
		}

		checksumPart, err := mw.CreateFormFile("checksum", "checksum")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(checksumPart, checksumStream); err != nil {
			pw.CloseWithError(err)
			return
		}

		for _, id := range t.opts.BackupUUIDs {
			if err := t.attachBackup(mw, id); err != nil {
				t.log(fmt.Sprintf("backup %s could not be attached to transfer: %v", id, err))
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", t.opts.Token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func (t *Transfer) attachBackup(mw *multipart.Writer, id string) error {
	status, headers, body, err := t.opts.Backups.Download(context.Background(), id)
	if err != nil {
		return fmt.Errorf("backup is not locally available: %w", err)
	}
	defer body.Close()
	if status != 0 && (status < 200 || status > 299) {
		return fmt.Errorf("backup download returned status %d", status)
	}

	filename := id
	if names, ok := headers["Content-Disposition"]; ok && len(names) > 0 {
		filename = names[0]
	}

	part, err := mw.CreateFormFile("backup-"+id, filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, body)
	return err
}

func (t *Transfer) send(ctx context.Context, req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("destination returned status %d: %s", resp.StatusCode, bytes.TrimSpace(buf))
	}
	return nil
}

// reportProgress mirrors the original's averaged-rate-over-samples
// progress line: rate is the running average bytes/sample rather than
// the instantaneous delta, matching transfer.rs's own
// `bytes_archived / total_n_bytes_archived` computation.
func (t *Transfer) reportProgress(ctx context.Context, total int64) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	var samples int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := t.bytesArchived.Load()
			samples++
			rate := done / samples
			pct := 0.0
			if total > 0 {
				pct = float64(done) / float64(total) * 100
			}
			t.log(fmt.Sprintf("Transferred %d of %d bytes (%d/s, %.2f%%)", done, total, rate, pct))
		}
	}
}
