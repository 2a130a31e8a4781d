// Package hub holds the registry of live client connections and fans
// broker-originated frames out to them.
package hub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/btouchard/courier/internal/metrics"
)

var (
	// ErrDuplicateConnection is returned when registering an id twice.
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrUnknownConnection is returned when binding an id that is not registered.
	ErrUnknownConnection = errors.New("connection not registered")
	// ErrAlreadyBound is returned when a connection is already bound to another request.
	ErrAlreadyBound = errors.New("connection already bound to a request")
)

// Fan-out scopes, used as metric labels and in logs.
const (
	ScopeAll     = "all"
	ScopeUser    = "user"
	ScopeRequest = "request"
)

type connection struct {
	userID    string
	requestID string
	mailbox   *Mailbox
}

type target struct {
	id      string
	mailbox *Mailbox
}

// Registry maps connection ids to mailboxes, indexed by user and by request.
// Every id present in byUser or byRequest is also present in connections.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*connection
	byUser      map[string]map[string]struct{}
	byRequest   map[string]map[string]struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry. Both arguments may be nil.
func NewRegistry(m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]*connection),
		byUser:      make(map[string]map[string]struct{}),
		byRequest:   make(map[string]map[string]struct{}),
		metrics:     m,
		logger:      logger.With("component", "registry"),
	}
}

// Register adds a connection owned by userID. The registry takes ownership
// of mailbox and closes it on Unregister.
func (r *Registry) Register(id, userID string, mailbox *Mailbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[id]; exists {
		return ErrDuplicateConnection
	}

	r.connections[id] = &connection{userID: userID, mailbox: mailbox}
	addToIndex(r.byUser, userID, id)
	r.metrics.ConnectionOpened()

	r.logger.Debug("connection registered",
		"conn_id", id,
		"user_id", userID,
		"total_connections", len(r.connections))
	return nil
}

// BindToRequest subscribes a registered connection to a logical request.
// A connection is bound to at most one request; rebinding to the same
// request is a no-op.
func (r *Registry) BindToRequest(id, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.requestID == requestID {
		return nil
	}
	if conn.requestID != "" {
		return ErrAlreadyBound
	}

	conn.requestID = requestID
	addToIndex(r.byRequest, requestID, id)

	r.logger.Debug("connection bound to request",
		"conn_id", id,
		"request_id", requestID)
	return nil
}

// Unregister removes id from every index and closes its mailbox.
// It is a no-op when id is not registered.
func (r *Registry) Unregister(id string) {
	r.remove(id, nil)
}

// remove unregisters id. When mailbox is non-nil the entry is only removed
// if it still owns that mailbox, so a stale fan-out failure cannot evict a
// newer registration under the same id.
func (r *Registry) remove(id string, mailbox *Mailbox) {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if !ok || (mailbox != nil && conn.mailbox != mailbox) {
		r.mu.Unlock()
		return
	}
	delete(r.connections, id)
	removeFromIndex(r.byUser, conn.userID, id)
	if conn.requestID != "" {
		removeFromIndex(r.byRequest, conn.requestID, id)
	}
	remaining := len(r.connections)
	r.mu.Unlock()

	conn.mailbox.Close()
	r.metrics.ConnectionClosed()

	r.logger.Debug("connection unregistered",
		"conn_id", id,
		"user_id", conn.userID,
		"total_connections", remaining)
}

// SendToAll enqueues msg for every live connection and returns how many
// mailboxes accepted it.
func (r *Registry) SendToAll(msg []byte) int {
	r.mu.RLock()
	targets := make([]target, 0, len(r.connections))
	for id, conn := range r.connections {
		targets = append(targets, target{id: id, mailbox: conn.mailbox})
	}
	r.mu.RUnlock()

	return r.deliver(ScopeAll, "", targets, msg)
}

// SendToUser enqueues msg for the connections registered for userID at
// call time.
func (r *Registry) SendToUser(userID string, msg []byte) int {
	r.mu.RLock()
	targets := r.collect(r.byUser[userID])
	r.mu.RUnlock()

	return r.deliver(ScopeUser, userID, targets, msg)
}

// SendToRequest enqueues msg for the connections bound to requestID at
// call time.
func (r *Registry) SendToRequest(requestID string, msg []byte) int {
	r.mu.RLock()
	targets := r.collect(r.byRequest[requestID])
	r.mu.RUnlock()

	return r.deliver(ScopeRequest, requestID, targets, msg)
}

// HasRequestSubscribers reports whether any live connection is bound to requestID.
func (r *Registry) HasRequestSubscribers(requestID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRequest[requestID]) > 0
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// UserConnections returns the ids registered for userID.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

// collect must be called with r.mu held.
func (r *Registry) collect(ids map[string]struct{}) []target {
	targets := make([]target, 0, len(ids))
	for id := range ids {
		if conn, ok := r.connections[id]; ok {
			targets = append(targets, target{id: id, mailbox: conn.mailbox})
		}
	}
	return targets
}

// deliver runs without the registry lock held so that failed targets can be
// unregistered afterwards.
func (r *Registry) deliver(scope, key string, targets []target, msg []byte) int {
	if len(targets) == 0 {
		r.logger.Debug("no connections for fan-out", "scope", scope, "key", key)
		return 0
	}

	var failed []target
	delivered := 0
	for _, t := range targets {
		if err := t.mailbox.Send(msg); err != nil {
			r.logger.Info("delivery failed, dropping connection",
				"conn_id", t.id,
				"scope", scope,
				"key", key,
				"error", err)
			failed = append(failed, t)
			continue
		}
		delivered++
	}

	for _, t := range failed {
		r.remove(t.id, t.mailbox)
	}

	r.metrics.FramesDelivered(scope, delivered)
	r.metrics.FramesFailed(scope, len(failed))

	r.logger.Debug("fan-out complete",
		"scope", scope,
		"key", key,
		"delivered", delivered,
		"failed", len(failed))
	return delivered
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
