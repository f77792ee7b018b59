package sftpd

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/metrics"
	"github.com/wingsd/wingsd/internal/server"
	"github.com/wingsd/wingsd/internal/walker"
)

// Permission is one of the SFTP session's per-user capability grants, as
// returned by the panel's /sftp/auth call.
type Permission string

const (
	PermissionFileCreate     Permission = "file.create"
	PermissionFileArchive    Permission = "file.archive"
	PermissionControlConsole Permission = "control.console"
)

func hasPermission(granted []string, p Permission) bool {
	for _, g := range granted {
		if g == string(p) {
			return true
		}
	}
	return false
}

// ExecSession dispatches a single exec-channel command per §4.H: the
// tar -xzpPf decompress shortcut, the cd ... tar compress shortcut, and
// console command passthrough for anything else.
type ExecSession struct {
	Root        *confinedfs.Root
	Server      *server.Server
	Log         *activity.Log
	Permissions []string
	UserUUID    uuid.UUID
	UserIP      net.IP
	Level       archive.LevelPreset
	Workers     int
}

// ExecResult is what Run reports back to the caller, which writes it to
// the channel and sets the exit status before closing.
type ExecResult struct {
	ExitCode int
	Message  string // optional text written to the channel before exit
}

func (s *ExecSession) has(p Permission) bool { return hasPermission(s.Permissions, p) }

func (s *ExecSession) activity(event activity.Event, metadata map[string]any) {
	if s.Log == nil {
		return
	}
	s.Log.Record(event, s.Server.UUID, &s.UserUUID, s.UserIP, metadata)
}

// Run inspects command's tokens and dispatches per §4.H. It never returns
// an error for "permission denied" or "server not running" — those are
// reported through ExecResult, matching the original's exit-code
// convention (0 success, 1 error) rather than tearing down the channel.
func (s *ExecSession) Run(ctx context.Context, command string) (ExecResult, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ExecResult{ExitCode: 0}, nil
	}

	switch fields[0] {
	case "tar":
		if len(fields) >= 2 && fields[1] == "-xzpPf" {
			metrics.ExecSessions.WithLabelValues("extract").Inc()
			return s.runExtract(ctx, fields[2:])
		}
	case "cd":
		if len(fields) >= 4 && fields[2] == "tar" {
			metrics.ExecSessions.WithLabelValues("compress").Inc()
			return s.runCompress(ctx, fields[1], fields[3:])
		}
	}
	metrics.ExecSessions.WithLabelValues("console").Inc()
	return s.runConsoleCommand(command)
}

// runExtract implements "tar -xzpPf <archive> -C <dest>".
func (s *ExecSession) runExtract(ctx context.Context, rest []string) (ExecResult, error) {
	if !s.has(PermissionFileCreate) {
		return ExecResult{ExitCode: 1, Message: "Permission denied.\r\n"}, nil
	}

	var pathTok, destTok strings.Builder
	reachedDest := false
	for _, seg := range rest {
		if seg == "-C" {
			reachedDest = true
			continue
		}
		unescaped := shellUnEscape(seg)
		if reachedDest {
			destTok.WriteString(unescaped)
			destTok.WriteByte(' ')
		} else {
			pathTok.WriteString(unescaped)
			pathTok.WriteByte(' ')
		}
	}
	archivePath := strings.TrimSpace(pathTok.String())
	destPath := strings.TrimSpace(destTok.String())
	if archivePath == "" {
		return ExecResult{ExitCode: 1, Message: "Missing archive path.\r\n"}, nil
	}

	s.activity(activity.EventFileDecompress, map[string]any{
		"directory": destPath,
		"file":      archivePath,
	})

	matcher := s.Root.Matcher()
	if err := archive.Extract(ctx, s.Root, archivePath, destPath, archive.ExtractOptions{Workers: s.Workers, Matcher: matcher}); err != nil {
		return ExecResult{}, fmt.Errorf("sftpd: extract %s: %w", archivePath, err)
	}
	return ExecResult{ExitCode: 0}, nil
}

// runCompress implements "cd <base> ; tar <destination> <path...>", where
// the first run of whitespace-separated tokens, ended by a token without a
// trailing backslash, is the destination archive and every later run is one
// path to archive, per §4.H's documented ambiguous-shell-escape parsing (kept as
// a known limitation, not resolved away — see Open Question 3).
func (s *ExecSession) runCompress(ctx context.Context, base string, rest []string) (ExecResult, error) {
	if !s.has(PermissionFileArchive) {
		return ExecResult{ExitCode: 1, Message: "Permission denied.\r\n"}, nil
	}
	base = strings.TrimSuffix(strings.TrimSpace(base), ";")

	// The first run of whitespace-separated tokens (joined across any
	// trailing-backslash continuations) is the destination archive name;
	// every run after that is one path to archive. A token not ending in
	// "\\" terminates whichever run it's part of.
	var destAccum, pathAccum strings.Builder
	var paths []string
	reachedPaths := false
	for _, seg := range rest {
		clean := strings.ReplaceAll(seg, "\\", "")
		if reachedPaths {
			pathAccum.WriteString(clean)
			pathAccum.WriteByte(' ')
		} else {
			destAccum.WriteString(clean)
			destAccum.WriteByte(' ')
		}
		endsEscaped := strings.HasSuffix(seg, "\\")
		if !endsEscaped && !reachedPaths {
			reachedPaths = true
		} else if !endsEscaped {
			paths = append(paths, strings.TrimSpace(pathAccum.String()))
			pathAccum.Reset()
		}
	}
	destination := strings.TrimSpace(destAccum.String())
	if destination == "" || len(paths) == 0 {
		return ExecResult{ExitCode: 1, Message: "Missing archive paths.\r\n"}, nil
	}

	destAbs := path.Join(base, destination)
	relPaths := make([]string, 0, len(paths))
	for _, p := range paths {
		relPaths = append(relPaths, path.Join(base, p))
	}

	s.activity(activity.EventFileCompress, map[string]any{
		"files":     paths,
		"directory": base,
		"name":      destAbs,
	})

	w, err := s.Root.CreateForWrite(ctx, destAbs, confinedfs.WriteOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sftpd: open archive destination %s: %w", destAbs, err)
	}

	ext := path.Ext(destination)
	tw, closer, err := s.newTarWriter(w, ext)
	if err != nil {
		w.Close()
		return ExecResult{}, err
	}

	walkOpts := walker.DefaultOptions()
	err = archive.WriteTarEntries(ctx, s.Root, tw, relPaths, archive.CreateTarOptions{WalkOptions: walkOpts})
	if err == nil {
		err = tw.Close()
	}
	if closer != nil {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("sftpd: create archive %s: %w", destAbs, err)
	}

	return ExecResult{ExitCode: 0, Message: "Archive created successfully.\r\n"}, nil
}

// newTarWriter picks the compressor matching destination's extension and
// returns a tar.Writer over it; for "tar" it writes straight to w and
// returns a nil closer. Matches exec.rs's extension -> CompressionType
// table, minus lz4/bz2 which wingsd's archive engine only reads, not
// writes (§4.D only lists tar/gzip/zstd as creatable formats).
func (s *ExecSession) newTarWriter(w *confinedfs.QuotaWriter, ext string) (*tar.Writer, interface{ Close() error }, error) {
	switch strings.TrimPrefix(ext, ".") {
	case "tar", "":
		return tar.NewWriter(w), nil, nil
	case "gz", "tgz":
		gw, err := gzip.NewWriterLevel(w, s.Level.Level(archive.CompressionGzip))
		if err != nil {
			return nil, nil, fmt.Errorf("sftpd: init gzip writer: %w", err)
		}
		return tar.NewWriter(gw), gw, nil
	case "zst", "zstd":
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.Level.Level(archive.CompressionZstd))))
		if err != nil {
			return nil, nil, fmt.Errorf("sftpd: init zstd writer: %w", err)
		}
		return tar.NewWriter(enc), enc, nil
	default:
		return nil, nil, fmt.Errorf("sftpd: unsupported archive extension %q", ext)
	}
}

// runConsoleCommand implements the exec channel's fallback branch: any
// command that isn't the tar/cd shortcuts reaches the container's stdin
// when the caller holds ControlConsole and the server is Running.
func (s *ExecSession) runConsoleCommand(command string) (ExecResult, error) {
	if !s.has(PermissionControlConsole) {
		return ExecResult{ExitCode: 0, Message: "Permission denied.\r\n"}, nil
	}
	if err := s.Server.SendConsoleCommand(context.Background(), command); err != nil {
		return ExecResult{ExitCode: 0, Message: "Server is not running.\r\n"}, nil
	}
	s.activity(activity.EventConsoleCommand, map[string]any{"command": command})
	return ExecResult{ExitCode: 0}, nil
}

// shellUnEscape reverses the backslash/quoted-newline escaping applied to
// path segments before they reach the exec channel, mirroring rclone's
// own shellUnEscape (confirmed black-box against
// cmd/serve/sftp/connection_test.go's TestShellEscape table): a literal
// "'\n'" sequence collapses to a bare newline, and every other backslash
// is simply dropped. This is a known-lossy heuristic, not a full shell
// grammar — embedded literal backslashes in a filename can't round-trip,
// a limitation rclone's own implementation shares (§9 Open Question 3).
func shellUnEscape(s string) string {
	s = strings.ReplaceAll(s, "'\n'", "\n")
	s = strings.ReplaceAll(s, "\\", "")
	return s
}
