// Package activity implements the central activity log referenced
// throughout §4.F and §4.H: every server state transition, archive
// operation, and console command is recorded here and periodically
// shipped to the panel via POST /activity.
package activity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wingsd/wingsd/internal/metrics"
)

// Event names the kind of activity recorded, matching the original's
// ActivityEvent variants used by the SSH exec dispatcher and the server
// state machine.
type Event string

const (
	EventConsoleCommand  Event = "console:command"
	EventFileDecompress  Event = "file:decompress"
	EventFileCompress    Event = "file:compress"
	EventServerStart     Event = "server:start"
	EventServerStop      Event = "server:stop"
	EventServerRestart   Event = "server:restart"
	EventServerReinstall Event = "server:reinstall"
)

// Entry is one recorded activity, per §6 `POST /activity` body `{data:
// [Activity]}`.
type Entry struct {
	Event     Event          `json:"event"`
	Server    uuid.UUID      `json:"server"`
	User      *uuid.UUID     `json:"user,omitempty"`
	IP        net.IP         `json:"ip,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sender ships a batch of entries to the panel. Implemented by
// internal/panel.Client.
type Sender interface {
	SendActivity(ctx context.Context, entries []Entry) error
}

// Log buffers activity entries in memory and flushes them to a Sender on
// a fixed interval, so a burst of console commands or file operations
// doesn't cost one HTTP round trip each.
type Log struct {
	sender        Sender
	flushInterval time.Duration

	mu      sync.Mutex
	pending []Entry

	now func() time.Time
}

// NewLog constructs a Log. flushInterval defaults to 10 seconds when <= 0.
func NewLog(sender Sender, flushInterval time.Duration) *Log {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &Log{sender: sender, flushInterval: flushInterval, now: time.Now}
}

// Run drives the periodic flush loop until ctx is cancelled, at which
// point it makes one last best-effort flush.
func (l *Log) Run(ctx context.Context) {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(context.Background()); err != nil {
				logrus.WithError(err).Warn("activity: final flush failed")
			}
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				logrus.WithError(err).Warn("activity: periodic flush failed")
			}
		}
	}
}

// Record appends an entry to the pending buffer. It never blocks on the
// network; the caller's fire-and-forget expectation (the original awaits
// an in-process channel send, not the HTTP call) is preserved by
// deferring the actual send to the next flush.
func (l *Log) Record(event Event, server uuid.UUID, user *uuid.UUID, ip net.IP, metadata map[string]any) {
	l.mu.Lock()
	l.pending = append(l.pending, Entry{
		Event:     event,
		Server:    server,
		User:      user,
		IP:        ip,
		Metadata:  metadata,
		Timestamp: l.now(),
	})
	depth := len(l.pending)
	l.mu.Unlock()
	metrics.ActivityBufferDepth.Set(float64(depth))
}

// Flush ships every pending entry to the sender, clearing the buffer only
// on success so a transient panel outage doesn't drop activity.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.pending
	l.mu.Unlock()

	if err := l.sender.SendActivity(ctx, batch); err != nil {
		metrics.ActivityFlushes.WithLabelValues("failure").Inc()
		return err
	}

	l.mu.Lock()
	// Drop only the entries we actually sent; Record may have appended
	// more while the HTTP call was in flight.
	if len(l.pending) >= len(batch) {
		l.pending = l.pending[len(batch):]
	}
	depth := len(l.pending)
	l.mu.Unlock()
	metrics.ActivityFlushes.WithLabelValues("success").Inc()
	metrics.ActivityBufferDepth.Set(float64(depth))
	return nil
}
