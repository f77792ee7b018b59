package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EventKind names a websocket event type, per §6 "Websocket events
// (outbound to clients)".
type EventKind string

const (
	EventConsoleLine    EventKind = "console output"
	EventStats          EventKind = "stats"
	EventStatus         EventKind = "status"
	EventTransferLogs   EventKind = "transfer logs"
	EventTransferStatus EventKind = "transfer status"
)

// TransferStatus is the enum carried by an EventTransferStatus event, per
// §6 "ServerTransferStatus in {processing, completed, failure}".
type TransferStatus string

const (
	TransferProcessing TransferStatus = "processing"
	TransferCompleted  TransferStatus = "completed"
	TransferFailure    TransferStatus = "failure"
)

// Event is one message broadcast to every client attached to a server's
// console/stats/transfer feed.
type Event struct {
	Event EventKind `json:"event"`
	Args  []string  `json:"args,omitempty"`
}

// Hub fans one server's events out to every attached websocket client.
// Connections register/unregister concurrently with broadcasts; all
// three paths are serialized through a single mutex, which is cheap
// enough here since broadcasts are at most a few per second per server.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// Register attaches conn to the hub; callers must Unregister when the
// client disconnects.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

// Unregister detaches conn. It does not close conn.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Broadcast sends ev to every attached client, dropping (and
// unregistering) any connection whose write fails.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).Error("server: failed to marshal websocket event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logrus.WithError(err).Warn("server: dropping unresponsive websocket client")
			delete(h.conns, conn)
		}
	}
}

// BroadcastStatus is a convenience wrapper for lifecycle transitions.
func (h *Hub) BroadcastStatus(state State) {
	h.Broadcast(Event{Event: EventStatus, Args: []string{state.String()}})
}

// BroadcastTransferStatus is a convenience wrapper for §4.G's transfer
// status events.
func (h *Hub) BroadcastTransferStatus(status TransferStatus) {
	h.Broadcast(Event{Event: EventTransferStatus, Args: []string{string(status)}})
}

// BroadcastTransferLog emits one transfer log line, per §6
// "ServerTransferLogs (line)".
func (h *Hub) BroadcastTransferLog(line string) {
	h.Broadcast(Event{Event: EventTransferLogs, Args: []string{line}})
}
