// Package sftpd is the SFTP/exec gateway of §4.H: a pkg/sftp request
// server wired directly onto a server's confined filesystem root, plus
// an exec-channel command dispatcher for the tar-archive shortcuts and
// console passthrough.
package sftpd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/wingsd/wingsd/internal/confinedfs"
)

// vfsHandler adapts a confinedfs.Root onto pkg/sftp's four handler
// interfaces, the way rclone's own sftp server adapts its VFS.
type vfsHandler struct {
	root *confinedfs.Root
}

var (
	_ sftp.FileReader = vfsHandler{}
	_ sftp.FileWriter = vfsHandler{}
	_ sftp.FileCmder  = vfsHandler{}
	_ sftp.FileLister = vfsHandler{}
)

func relOf(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// Fileread implements sftp.FileReader.
func (h vfsHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return h.root.OpenForRead(context.Background(), relOf(r.Filepath))
}

// Filewrite implements sftp.FileWriter.
func (h vfsHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	w, err := h.root.CreateForWrite(context.Background(), relOf(r.Filepath), confinedfs.WriteOptions{})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Filecmd implements sftp.FileCmder: setstat, rename, rmdir, mkdir,
// symlink, and remove all funnel through here per the request server's
// dispatch convention.
func (h vfsHandler) Filecmd(r *sftp.Request) error {
	path := relOf(r.Filepath)
	switch r.Method {
	case "Setstat":
		if attrs := r.Attributes(); attrs != nil && attrs.Mode() != 0 {
			return h.root.SetPermissions(path, attrs.Mode())
		}
		return nil
	case "Rename":
		return h.root.Rename(path, relOf(r.Target))
	case "Rmdir":
		return h.root.Delete(path)
	case "Mkdir":
		return h.root.CreateDirAll(path, 0o755)
	case "Symlink":
		return h.root.SymlinkCreate(relOf(r.Target), path)
	case "Remove":
		return h.root.Delete(path)
	default:
		return fmt.Errorf("sftpd: unsupported command %s", r.Method)
	}
}

// listerat is the []os.FileInfo adapter pkg/sftp's FileLister expects.
type listerat []os.FileInfo

func (l listerat) ListAt(dst []os.FileInfo, off int64) (int, error) {
	if off >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// Filelist implements sftp.FileLister: list, stat, and readlink.
func (h vfsHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	path := relOf(r.Filepath)
	switch r.Method {
	case "List":
		entries, err := h.root.ReadDir(path)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			fi, err := e.Info()
			if err != nil {
				continue
			}
			infos = append(infos, fi)
		}
		return listerat(infos), nil
	case "Stat":
		fi, err := h.root.Metadata(path)
		if err != nil {
			return nil, err
		}
		return listerat([]os.FileInfo{fi}), nil
	case "Readlink":
		target, err := h.root.ReadLinkContents(path)
		if err != nil {
			return nil, err
		}
		return listerat([]os.FileInfo{symlinkInfo{name: target}}), nil
	default:
		return nil, fmt.Errorf("sftpd: unsupported list method %s", r.Method)
	}
}

// symlinkInfo is a minimal os.FileInfo carrying only a readlink target in
// its Name(), matching pkg/sftp's convention for answering Readlink
// requests via Filelist.
type symlinkInfo struct{ name string }

func (s symlinkInfo) Name() string       { return s.name }
func (s symlinkInfo) Size() int64        { return 0 }
func (s symlinkInfo) Mode() os.FileMode  { return os.ModeSymlink }
func (s symlinkInfo) ModTime() time.Time { return time.Time{} }
func (s symlinkInfo) IsDir() bool        { return false }
func (s symlinkInfo) Sys() any           { return nil }
