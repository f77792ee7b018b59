package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/wingsd/wingsd/internal/wingserr"
)

// SnapshotConfig carries the restic-like CLI's invocation parameters, per
// §4.E "Snapshot" and the restored original_source/restic.rs behaviour.
type SnapshotConfig struct {
	Binary           string // defaults to "restic"
	Repository       string
	PasswordFile     string
	Environment      map[string]string
	RetryLockSeconds int
	ReadLimitKiB     int64
	WriteLimitKiB    int64
}

// SnapshotAdapter wraps an external restic-compatible CLI, tagging each
// backup with the server's uuid and tracking which original path each
// snapshot was taken from via a process-wide cache refreshed in the
// background, per §4.E.
type SnapshotAdapter struct {
	cfg       SnapshotConfig
	targetDir string // the path passed to `backup`/`restore --target`

	mu      sync.RWMutex
	cache   map[string]string // uuid -> original path
	cacheOK bool
}

// NewSnapshotAdapter constructs a SnapshotAdapter and starts its background
// cache-refresh loop. The loop runs until ctx is cancelled.
func NewSnapshotAdapter(ctx context.Context, cfg SnapshotConfig, targetDir string) *SnapshotAdapter {
	if cfg.Binary == "" {
		cfg.Binary = "restic"
	}
	a := &SnapshotAdapter{cfg: cfg, targetDir: targetDir}
	go a.refreshLoop(ctx)
	return a
}

func (a *SnapshotAdapter) baseArgs() []string {
	return []string{"--repo", a.cfg.Repository, "--password-file", a.cfg.PasswordFile}
}

func (a *SnapshotAdapter) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, a.cfg.Binary, args...)
	for k, v := range a.cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}

// refreshLoop polls `snapshots --json` once a minute and rebuilds the
// uuid -> path cache, per the original's 60-second background task. Unlike
// the synchronous first query below, a failure here is dropped without
// being logged (the returned error is discarded) and the last-good cache is kept — the spec's
// §9 concern is that ONE bad poll shouldn't make every in-flight server
// forget every snapshot it already knew about.
func (a *SnapshotAdapter) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.querySnapshots(ctx)
		}
	}
}

// querySnapshots runs `restic snapshots --json`, parses it into a uuid ->
// path cache, and stores it as the new last-good cache on success. It never
// touches the cache on failure, so a transient restic error doesn't wipe
// out already-known snapshot mappings.
func (a *SnapshotAdapter) querySnapshots(ctx context.Context) (map[string]string, error) {
	args := append(append([]string{"--json", "--no-lock"}, a.baseArgs()...), "snapshots")
	cmd := a.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("backup: list snapshots: %w: %w: %s", wingserr.ErrSubprocess, err, stderr.String())
	}

	var snapshots []struct {
		Tags  []string `json:"tags"`
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(out, &snapshots); err != nil {
		return nil, fmt.Errorf("backup: parse snapshots list: %w", err)
	}

	cache := make(map[string]string, len(snapshots))
	for _, s := range snapshots {
		if len(s.Tags) == 0 || len(s.Paths) == 0 {
			continue
		}
		cache[s.Tags[0]] = s.Paths[0]
	}

	a.mu.Lock()
	a.cache = cache
	a.cacheOK = true
	a.mu.Unlock()

	return cache, nil
}

// ensureCache returns the current cache, running a synchronous query the
// very first time it's called (mirroring the original's oneshot-channel
// handshake for the first caller) so that an initial subprocess failure is
// surfaced distinctly rather than silently treated as "no backups", per the
// decided Open Question on snapshot-list failure semantics.
func (a *SnapshotAdapter) ensureCache(ctx context.Context) (map[string]string, error) {
	a.mu.RLock()
	ok := a.cacheOK
	a.mu.RUnlock()
	if ok {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.cache, nil
	}
	return a.querySnapshots(ctx)
}

func (a *SnapshotAdapter) basePathFor(ctx context.Context, uuid string) (string, error) {
	cache, err := a.ensureCache(ctx)
	if err != nil {
		return "", err
	}
	path, ok := cache[uuid]
	if !ok {
		return "", fmt.Errorf("backup: no snapshot found for %s", uuid)
	}
	return path, nil
}

type snapshotMessage struct {
	MessageType          string  `json:"message_type"`
	BytesDone            int64   `json:"bytes_done"`
	TotalBytes           int64   `json:"total_bytes"`
	BytesRestored        int64   `json:"bytes_restored"`
	PercentDone          float64 `json:"percent_done"`
	TotalBytesProcessed  int64   `json:"total_bytes_processed"`
	SnapshotID           string  `json:"snapshot_id"`
	Message              string  `json:"message"`
}

// Create runs `restic backup`, tagging the snapshot with uuid, with no
// exclusions, per §4.E; CreateWithIgnore takes an ignore list.
func (a *SnapshotAdapter) Create(ctx context.Context, uuid string, progress ProgressFunc) (RawServerBackup, error) {
	return a.CreateWithIgnore(ctx, uuid, "", progress)
}

// CreateWithIgnore is Create with an explicit raw ignore-file body, exposed
// separately because the shared Adapter interface has no room for it.
func (a *SnapshotAdapter) CreateWithIgnore(ctx context.Context, uuid, ignoreRaw string, progress ProgressFunc) (RawServerBackup, error) {
	args := append([]string{"--json"}, a.baseArgs()...)
	args = append(args, "--retry-lock", fmt.Sprintf("%ds", a.cfg.RetryLockSeconds))
	args = append(args, "backup", a.targetDir)
	for _, line := range splitLines(ignoreRaw) {
		if line == "" {
			continue
		}
		args = append(args, "--exclude", line)
	}
	args = append(args, "--tag", uuid, "--group-by", "tags")
	args = append(args, "--limit-download", fmt.Sprintf("%d", a.cfg.ReadLimitKiB))
	args = append(args, "--limit-upload", fmt.Sprintf("%d", a.cfg.WriteLimitKiB))

	cmd := a.command(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RawServerBackup{}, fmt.Errorf("backup: snapshot stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return RawServerBackup{}, fmt.Errorf("backup: start snapshot backup: %w", err)
	}

	var snapshotID string
	var totalProcessed int64
	scanErr := scanMessages(stdout, func(msg snapshotMessage) error {
		switch msg.MessageType {
		case "status":
			if progress != nil {
				progress(msg.BytesDone, msg.TotalBytes)
			}
		case "summary":
			snapshotID = msg.SnapshotID
			totalProcessed = msg.TotalBytesProcessed
		case "error":
			return fmt.Errorf("%w: snapshot reported an error: %s", wingserr.ErrSubprocess, msg.Message)
		}
		return nil
	})

	waitErr := cmd.Wait()
	if scanErr != nil {
		return RawServerBackup{}, scanErr
	}
	if waitErr != nil {
		return RawServerBackup{}, fmt.Errorf("backup: snapshot backup failed: %w: %w: %s", wingserr.ErrSubprocess, waitErr, stderr.String())
	}

	if snapshotID == "" {
		snapshotID = "unknown"
	}
	return RawServerBackup{Checksum: snapshotID, ChecksumType: "restic", Size: totalProcessed, Successful: true}, nil
}

// Restore runs `restic restore latest:<path> --tag <uuid> --target <dir>`.
func (a *SnapshotAdapter) Restore(ctx context.Context, uuid string, progress ProgressFunc) error {
	base, err := a.basePathFor(ctx, uuid)
	if err != nil {
		return err
	}

	args := append([]string{"--json", "--no-lock"}, a.baseArgs()...)
	args = append(args, "restore", "latest:"+base, "--tag", uuid, "--target", a.targetDir)
	args = append(args, "--limit-download", fmt.Sprintf("%d", a.cfg.ReadLimitKiB))

	cmd := a.command(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backup: snapshot restore stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backup: start snapshot restore: %w", err)
	}

	scanErr := scanMessages(stdout, func(msg snapshotMessage) error {
		switch msg.MessageType {
		case "status":
			if progress != nil {
				progress(msg.BytesRestored, msg.TotalBytes)
			}
		case "error":
			return fmt.Errorf("%w: snapshot restore reported an error: %s", wingserr.ErrSubprocess, msg.Message)
		}
		return nil
	})

	waitErr := cmd.Wait()
	if scanErr != nil {
		return scanErr
	}
	if waitErr != nil {
		return fmt.Errorf("backup: snapshot restore failed: %w: %w: %s", wingserr.ErrSubprocess, waitErr, stderr.String())
	}
	return nil
}

// Download runs `restic dump latest:<path> /` and pipes its stdout through
// a gzip encoder, matching download_backup's duplex-pipe shape in Go terms
// via io.Pipe.
func (a *SnapshotAdapter) Download(ctx context.Context, uuid string) (int, map[string][]string, io.ReadCloser, error) {
	base, err := a.basePathFor(ctx, uuid)
	if err != nil {
		return 0, nil, nil, err
	}

	args := append([]string{"--json", "--no-lock"}, a.baseArgs()...)
	args = append(args, "dump", "latest:"+base, "/", "--tag", uuid)

	cmd := a.command(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("backup: snapshot dump stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, nil, nil, fmt.Errorf("backup: start snapshot dump: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		gw, err := newGzipWriter(pw, 0)
		if err != nil {
			pw.CloseWithError(err)
			cmd.Wait()
			return
		}
		_, copyErr := io.Copy(gw, stdout)
		closeErr := gw.Close()
		waitErr := cmd.Wait()
		switch {
		case copyErr != nil:
			pw.CloseWithError(copyErr)
		case closeErr != nil:
			pw.CloseWithError(closeErr)
		case waitErr != nil:
			pw.CloseWithError(waitErr)
		default:
			pw.Close()
		}
	}()

	headers := map[string][]string{
		"Content-Disposition": {fmt.Sprintf("attachment; filename=%s.tar.gz", uuid)},
		"Content-Type":        {"application/gzip"},
	}
	return 200, headers, pr, nil
}

// Delete runs `restic forget latest --tag <uuid> --group-by tags --prune`.
func (a *SnapshotAdapter) Delete(ctx context.Context, uuid string) error {
	args := append(a.baseArgs(), "forget", "latest", "--tag", uuid, "--group-by", "tags", "--prune")
	cmd := a.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("backup: delete snapshot %s: %w: %w: %s", uuid, wingserr.ErrSubprocess, err, stderr.String())
	}
	return nil
}

// List returns the uuids currently known in the snapshot cache. Per the
// original, it returns an empty list (not an error) when the password file
// is unreachable, so a misconfigured snapshot backend doesn't fail listing;
// otherwise the first call's subprocess failure is surfaced distinctly, per
// the decided Open Question on snapshot-list failure semantics — only the
// periodic background refresh swallows failures once a cache already exists.
func (a *SnapshotAdapter) List(ctx context.Context) ([]string, error) {
	if _, err := os.Stat(a.cfg.PasswordFile); err != nil {
		return nil, nil
	}
	cache, err := a.ensureCache(ctx)
	if err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(cache))
	for uuid := range cache {
		uuids = append(uuids, uuid)
	}
	return uuids, nil
}

func scanMessages(r io.Reader, handle func(snapshotMessage) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg snapshotMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, trimCR(s[start:]))
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
