// Package notify keeps per-user claim status counters and pushes them to
// every live connection of that user.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// ErrSlowConsumer is returned by Conn.Send when the outbound queue is full.
var ErrSlowConsumer = errors.New("connection send queue is full")

// ErrConnClosed is returned by Conn.Send after the connection has closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is one live client connection. Send must not block.
type Conn interface {
	ID() string
	Send(msg []byte) error
}

// userEntry holds one user's counters and connections.
// All fields are guarded by mu.
type userEntry struct {
	mu       sync.Mutex
	counters domain.Counters
	conns    map[string]Conn
	// set when the entry has been removed from the hub
	disposed bool
}

// HubStats summarizes hub occupancy
type HubStats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

// Hub fans counter snapshots out to user connections. Operations on one
// user are serialized; different users never contend beyond the map lookup.
type Hub struct {
	mu     sync.Mutex
	users  map[string]*userEntry
	retain bool
	logger *logrus.Logger
}

// NewHub creates a hub. With retainCounters false a user's counters are
// discarded when their last connection closes.
func NewHub(retainCounters bool, logger *logrus.Logger) *Hub {
	return &Hub{
		users:  make(map[string]*userEntry),
		retain: retainCounters,
		logger: logger,
	}
}

// lock returns the user's entry locked, creating it if needed.
func (h *Hub) lock(userID string) *userEntry {
	for {
		h.mu.Lock()
		e, ok := h.users[userID]
		if !ok {
			e = &userEntry{conns: make(map[string]Conn)}
			h.users[userID] = e
		}
		h.mu.Unlock()

		e.mu.Lock()
		if !e.disposed {
			return e
		}
		// lost a race with disposal; pick up the replacement
		e.mu.Unlock()
	}
}

// Connect registers conn for userID and sends it the current snapshot.
func (h *Hub) Connect(userID string, conn Conn) domain.Counters {
	e := h.lock(userID)
	defer e.mu.Unlock()

	e.conns[conn.ID()] = conn
	snapshot := e.counters
	h.send(userID, conn, encode(snapshot))

	h.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"conn_id":     conn.ID(),
		"connections": len(e.conns),
	}).Debug("Notification client connected")
	return snapshot
}

// Disconnect deregisters conn. Unknown connections are ignored.
func (h *Hub) Disconnect(userID string, conn Conn) {
	h.mu.Lock()
	e, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.conns, conn.ID())
	empty := len(e.conns) == 0
	e.mu.Unlock()

	if empty && !h.retain {
		h.dispose(userID, e)
	}
}

func (h *Hub) dispose(userID string, e *userEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	// a connection may have arrived since Disconnect released the entry
	if len(e.conns) > 0 || e.disposed || h.users[userID] != e {
		return
	}
	e.disposed = true
	delete(h.users, userID)
}

// Notify records a status transition for userID and broadcasts the new
// snapshot. A non-pending status consumes one pending count if any remain.
func (h *Hub) Notify(ctx context.Context, userID string, status domain.ClaimStatus) error {
	if !status.IsValid() {
		return domain.ErrInvalidStatus
	}

	e := h.lock(userID)
	defer e.mu.Unlock()

	if status != domain.StatusPending && e.counters.Pending > 0 {
		e.counters.Pending--
	}
	e.counters.Set(status, e.counters.Get(status)+1)
	h.broadcast(userID, e)
	return nil
}

// Reset zeroes one counter for userID and broadcasts the new snapshot.
func (h *Hub) Reset(userID string, status domain.ClaimStatus) error {
	if !status.IsValid() {
		return domain.ErrInvalidStatus
	}

	e := h.lock(userID)
	defer e.mu.Unlock()

	e.counters.Set(status, 0)
	h.broadcast(userID, e)
	return nil
}

// Snapshot returns the user's counters, if the hub knows the user.
func (h *Hub) Snapshot(userID string) (domain.Counters, bool) {
	h.mu.Lock()
	e, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return domain.Counters{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters, !e.disposed
}

// ConnectionCount returns the number of live connections for userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.Lock()
	e, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Stats reports totals across all users.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	entries := make([]*userEntry, 0, len(h.users))
	for _, e := range h.users {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	stats := HubStats{Users: len(entries)}
	for _, e := range entries {
		e.mu.Lock()
		stats.Connections += len(e.conns)
		e.mu.Unlock()
	}
	return stats
}

// broadcast must be called with e.mu held.
func (h *Hub) broadcast(userID string, e *userEntry) {
	msg := encode(e.counters)
	for _, conn := range e.conns {
		h.send(userID, conn, msg)
	}
}

func (h *Hub) send(userID string, conn Conn, msg []byte) {
	if err := conn.Send(msg); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"conn_id": conn.ID(),
		}).Warn("Dropped notification")
	}
}

func encode(c domain.Counters) []byte {
	// Counters has only int fields; Marshal cannot fail
	data, _ := json.Marshal(c)
	return data
}
