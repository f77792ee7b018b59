package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/containerengine"
	"github.com/wingsd/wingsd/internal/server"
)

// entry pairs a managed Server with the confined root backing its
// filesystem, exactly the tuple sftpd.ServerLookup hands back once a
// session is authorized against a particular server uuid.
type entry struct {
	server *server.Server
	root   *confinedfs.Root
}

// registry tracks every server this node currently manages. It implements
// sftpd.ServerLookup so the SFTP gateway never needs to know how servers
// are discovered or stored.
type registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[uuid.UUID]*entry)}
}

func (r *registry) add(id uuid.UUID, s *server.Server, root *confinedfs.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{server: s, root: root}
}

// Lookup implements sftpd.ServerLookup.
func (r *registry) Lookup(id uuid.UUID) (*server.Server, *confinedfs.Root, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, false
	}
	return e.server, e.root, true
}

func (r *registry) servers() []*server.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*server.Server, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.server)
	}
	return out
}

// discoverServers populates reg from every uuid-named subdirectory of
// rootDir. The panel's external interface (§6) has no "list this node's
// servers" call among its seven fixed calls, so — unlike a server's
// configuration snapshot, which really is sourced from the panel at boot
// per the data model — membership itself is derived from what is already
// on disk: a server's base directory is only ever created once, by a prior
// install, and survives daemon restarts.
func discoverServers(reg *registry, hub *server.Hub, engine containerengine.Engine, log *activity.Log, cfg serverDefaults, rootDir string) error {
	items, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("discover servers: read %s: %w", rootDir, err)
	}

	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		id, err := uuid.Parse(item.Name())
		if err != nil {
			continue
		}
		base := filepath.Join(rootDir, item.Name())
		root, err := confinedfs.New(base, 0, cfg.ignoreOverrides)
		if err != nil {
			return fmt.Errorf("discover servers: open root for %s: %w", id, err)
		}
		if err := root.RefreshUsage(); err != nil {
			return fmt.Errorf("discover servers: refresh usage for %s: %w", id, err)
		}

		srv := server.New(id, root, engine, hub, log, server.Config{
			CompressionLevel: cfg.compressionLevel,
			Compression:      cfg.compression,
			Container:        cfg.container,
			ReadLimitBS:      cfg.readLimitBS,
			WriteLimitBS:     cfg.writeLimitBS,
			BackupDir:        cfg.backupDir,
			BackupAdapter:    cfg.backupAdapter,
			IgnoreOverrides:  cfg.ignoreOverrides,
		})
		reg.add(id, srv, root)
	}
	return nil
}
