// Package server implements the per-server finite state machine and
// lifecycle operations of §4.F: start/stop/restart/reinstall, guarded
// transitions, and console/status broadcast to both the websocket hub
// and the central activity log.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/containerengine"
	"github.com/wingsd/wingsd/internal/metrics"
)

// Config is the per-server configuration snapshot referenced by §3's
// Server attributes: "configuration snapshot (compression level,
// read/write byte-rate caps, backup directory, adapter selection,
// ignore overrides)". It is immutable after load; a reinstall or config
// push builds a new Config and swaps it in rather than mutating fields
// in place.
type Config struct {
	CompressionLevel archive.LevelPreset
	Compression      archive.Compression
	Container        archive.Container
	ReadLimitBS      int64
	WriteLimitBS     int64
	BackupDir        string
	BackupAdapter    string
	IgnoreOverrides  []string
}

// DefaultKillTimeout is used by Stop when the caller doesn't specify a
// grace period, and matches §4.G step 1's own stop_with_kill_timeout(15s).
const DefaultKillTimeout = 15 * time.Second

// Server is one tracked game server: its confined filesystem root, its
// state machine, its websocket hub, and its (at most one) outgoing
// transfer slot, per §3 "Server" and its ownership note ("The Server is
// the root; it owns the ConfinedRoot, the websocket hub, the transfer
// slot").
type Server struct {
	UUID   uuid.UUID
	Root   *confinedfs.Root
	Hub    *Hub
	engine containerengine.Engine
	log    *activity.Log

	mu           sync.Mutex
	machine      stateMachine
	cfg          Config
	transferring bool
	transferSlot any // set by internal/transfer while a transfer is in flight; opaque here to avoid an import cycle
}

// New constructs a Server in the Offline state.
func New(id uuid.UUID, root *confinedfs.Root, engine containerengine.Engine, hub *Hub, log *activity.Log, cfg Config) *Server {
	return &Server{
		UUID:    id,
		Root:    root,
		Hub:     hub,
		engine:  engine,
		log:     log,
		machine: stateMachine{current: Offline},
		cfg:     cfg,
	}
}

// Config returns the server's current configuration snapshot.
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the configuration snapshot wholesale, per the
// immutable-snapshot ownership note above.
func (s *Server) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// State returns the server's current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.current
}

// IsTransferring reports whether an outgoing transfer currently holds
// this server's transfer slot.
func (s *Server) IsTransferring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferring
}

// SetTransferring is called by internal/transfer when it claims or
// releases this server's transfer slot.
func (s *Server) SetTransferring(v bool) {
	s.mu.Lock()
	s.transferring = v
	s.mu.Unlock()
}

func (s *Server) recordTransition(ctx context.Context, event activity.Event, from, to State) {
	s.Hub.BroadcastStatus(to)
	s.log.Record(event, s.UUID, nil, nil, map[string]any{"from": from.String(), "to": to.String()})
	metrics.ServerState.WithLabelValues(s.UUID.String()).Set(float64(to))
	metrics.ServerTransitions.WithLabelValues(string(event)).Inc()
}

// transitionLocked performs one FSM edge and logs it. Caller must hold s.mu.
func (s *Server) transitionLocked(ctx context.Context, next State, event activity.Event) error {
	prev, err := s.machine.transition(next)
	if err != nil {
		return err
	}
	s.recordTransition(ctx, event, prev, next)
	return nil
}

// Start transitions Offline -> Starting -> Running, driving the
// container engine in between. Per §4.F, start refuses while a transfer
// holds this server's slot.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.transferring {
		s.mu.Unlock()
		return fmt.Errorf("server: cannot start %s while a transfer is in progress", s.UUID)
	}
	if err := s.transitionLocked(ctx, Starting, activity.EventServerStart); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.engine.Start(ctx, s.UUID.String()); err != nil {
		s.mu.Lock()
		_, _ = s.machine.transition(Offline)
		s.mu.Unlock()
		s.Hub.BroadcastStatus(Offline)
		return fmt.Errorf("server: start container: %w", err)
	}

	s.mu.Lock()
	_, err := s.machine.transition(Running)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Hub.BroadcastStatus(Running)
	return nil
}

// Stop gracefully stops the server, escalating to Kill if it has not
// reached Offline within graceful. A graceful of zero skips straight to
// Kill, per §4.F "stop_with_kill_timeout(d)".
func (s *Server) Stop(ctx context.Context, graceful time.Duration) error {
	s.mu.Lock()
	if s.machine.current == Offline {
		s.mu.Unlock()
		return nil
	}
	if err := s.transitionLocked(ctx, Stopping, activity.EventServerStop); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if graceful <= 0 {
		if err := s.engine.Kill(ctx, s.UUID.String()); err != nil {
			return fmt.Errorf("server: kill container: %w", err)
		}
	} else {
		done := make(chan error, 1)
		go func() { done <- s.engine.Stop(ctx, s.UUID.String(), graceful) }()

		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("server: stop container: %w", err)
			}
		case <-time.After(graceful):
			if err := s.engine.Kill(ctx, s.UUID.String()); err != nil {
				return fmt.Errorf("server: kill container after grace period: %w", err)
			}
		}
	}

	s.mu.Lock()
	_, err := s.machine.transition(Offline)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Hub.BroadcastStatus(Offline)
	return nil
}

// Restart stops (with the default kill timeout) then starts the server.
func (s *Server) Restart(ctx context.Context) error {
	if err := s.Stop(ctx, DefaultKillTimeout); err != nil {
		return fmt.Errorf("server: restart: stop phase: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("server: restart: start phase: %w", err)
	}
	s.log.Record(activity.EventServerRestart, s.UUID, nil, nil, nil)
	return nil
}

// SendConsoleCommand writes command, newline-terminated, to the running
// container's stdin, per §4.F's console exec-channel dispatch: any
// command that isn't the tar/cd archive shortcuts reaches here once the
// caller has already checked permissions. It returns
// containerengine.ErrNotRunning when the server is Offline, matching the
// original's "is the server running and does it have a stdin handle"
// guard, without closing the container's stdin afterwards since the
// same handle is reused for every subsequent command.
func (s *Server) SendConsoleCommand(ctx context.Context, command string) error {
	if s.State() == Offline {
		return containerengine.ErrNotRunning
	}
	stdin, _, err := s.engine.Attach(ctx, s.UUID.String())
	if err != nil {
		return fmt.Errorf("server: attach for console command: %w", err)
	}
	if _, err := stdin.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("server: write console command: %w", err)
	}
	return nil
}

// Reinstall refuses while transferring, and — per the original's
// `routes/api/servers/_server_/mod.rs` detail the distilled spec folds
// into one line — first stops the server (with the default kill
// timeout) if it is not already Offline, before running install.
func (s *Server) Reinstall(ctx context.Context, install func(ctx context.Context) error) error {
	if s.IsTransferring() {
		return fmt.Errorf("server: cannot reinstall %s while a transfer is in progress", s.UUID)
	}
	if s.State() != Offline {
		if err := s.Stop(ctx, DefaultKillTimeout); err != nil {
			return fmt.Errorf("server: reinstall: stop phase: %w", err)
		}
	}
	if err := install(ctx); err != nil {
		return fmt.Errorf("server: reinstall: %w", err)
	}
	s.log.Record(activity.EventServerReinstall, s.UUID, nil, nil, nil)
	return nil
}
