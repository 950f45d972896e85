// Package hub fans committed-change notifications out to live subscribers.
// Delivery is at-most-once and best-effort: a connection that cannot keep up
// is dropped and must resynchronize through a fresh history read.
package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/events"
)

const defaultQueueSize = 16

// Scope declares which committed changes a connection wants to observe:
// either an explicit set of event ids, or every event visible to the user.
type Scope struct {
	UserID     events.UserID
	EventIDs   []events.EventID
	AllVisible bool
}

// Config describes hub construction parameters.
type Config struct {
	// QueueSize bounds each connection's outbound queue. A full queue drops
	// the connection, never blocks the publisher.
	QueueSize int
	Logger    *zap.Logger
}

// Hub routes committed changes to subscribed connections. Publishes for one
// event id arrive in version order (the coordinator holds the per-event
// serialization slot through publish), and each connection's queue is FIFO,
// so no subscriber ever observes versions of one event out of order.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int64]*subscriber
	byEvent     map[events.EventID]map[int64]*subscriber
	byUser      map[events.UserID]map[int64]*subscriber
	nextID      int64
	queueSize   int
	logger      *zap.Logger
}

type subscriber struct {
	id           int64
	connectionID string
	scope        Scope
	stream       chan events.ChangeNotification
	done         chan struct{}
	closed       bool
}

// New constructs a Hub.
func New(cfg Config) *Hub {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[int64]*subscriber),
		byEvent:     make(map[events.EventID]map[int64]*subscriber),
		byUser:      make(map[events.UserID]map[int64]*subscriber),
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Subscribe registers a connection for the given scope. The returned channel
// is closed when the subscription ends, whether by the cancel function, by
// context cancellation, or by a slow-consumer drop.
func (h *Hub) Subscribe(ctx context.Context, connectionID string, scope Scope) (<-chan events.ChangeNotification, func()) {
	if connectionID == "" || (scope.UserID == "" && !scope.AllVisible && len(scope.EventIDs) == 0) {
		stream := make(chan events.ChangeNotification)
		close(stream)
		return stream, func() {}
	}

	h.mu.Lock()
	h.nextID++
	entry := &subscriber{
		id:           h.nextID,
		connectionID: connectionID,
		scope:        scope,
		stream:       make(chan events.ChangeNotification, h.queueSize),
		done:         make(chan struct{}),
	}
	h.subscribers[entry.id] = entry
	for _, eventID := range scope.EventIDs {
		if h.byEvent[eventID] == nil {
			h.byEvent[eventID] = make(map[int64]*subscriber)
		}
		h.byEvent[eventID][entry.id] = entry
	}
	if scope.AllVisible && scope.UserID != "" {
		if h.byUser[scope.UserID] == nil {
			h.byUser[scope.UserID] = make(map[int64]*subscriber)
		}
		h.byUser[scope.UserID][entry.id] = entry
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		h.remove(entry)
		h.mu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-entry.done:
		}
	}()
	return entry.stream, cancel
}

// Unsubscribe removes every subscription held by the connection.
func (h *Hub) Unsubscribe(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range h.subscribers {
		if entry.connectionID == connectionID {
			h.remove(entry)
		}
	}
}

// PublishChange implements events.Notifier. It is called only after a
// successful commit. A subscriber whose queue is full is dropped on the spot;
// the publisher is never blocked and the commit is never rolled back.
func (h *Hub) PublishChange(notification events.ChangeNotification) {
	if notification.EventID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	recipients := make(map[int64]*subscriber)
	for id, entry := range h.byEvent[notification.EventID] {
		recipients[id] = entry
	}
	for _, participant := range notification.Participants {
		for id, entry := range h.byUser[participant] {
			recipients[id] = entry
		}
	}

	for _, entry := range recipients {
		if entry.closed {
			continue
		}
		select {
		case entry.stream <- notification:
		default:
			h.logger.Warn("dropping slow subscriber",
				zap.String("connection_id", entry.connectionID),
				zap.String("event_id", notification.EventID.String()),
				zap.Int64("version_number", notification.VersionNumber))
			h.remove(entry)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// remove must be called with h.mu held.
func (h *Hub) remove(entry *subscriber) {
	if entry.closed {
		return
	}
	entry.closed = true
	close(entry.stream)
	close(entry.done)
	delete(h.subscribers, entry.id)
	for _, eventID := range entry.scope.EventIDs {
		if bucket := h.byEvent[eventID]; bucket != nil {
			delete(bucket, entry.id)
			if len(bucket) == 0 {
				delete(h.byEvent, eventID)
			}
		}
	}
	if entry.scope.AllVisible && entry.scope.UserID != "" {
		if bucket := h.byUser[entry.scope.UserID]; bucket != nil {
			delete(bucket, entry.id)
			if len(bucket) == 0 {
				delete(h.byUser, entry.scope.UserID)
			}
		}
	}
}
