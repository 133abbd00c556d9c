// Package realtime fans change notifications out to in-process subscribers
// and feeds them from websocket and Kafka change streams.
package realtime

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/blackmichael/nearby-feeds/internal/domain"
)

// Hub delivers change events to the handlers subscribed to their table. It
// implements domain.ChangeFeed and domain.ChangePublisher.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]func(domain.ChangeEvent)
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[uuid.UUID]func(domain.ChangeEvent)),
	}
}

// Subscribe registers fn for events on table.
func (h *Hub) Subscribe(table string, fn func(domain.ChangeEvent)) (func(), error) {
	if table == "" {
		return nil, errors.New("subscribe: table is required")
	}
	if fn == nil {
		return nil, errors.New("subscribe: handler is required")
	}

	id := uuid.New()
	h.mu.Lock()
	if h.subs[table] == nil {
		h.subs[table] = make(map[uuid.UUID]func(domain.ChangeEvent))
	}
	h.subs[table][id] = fn
	h.mu.Unlock()

	h.logger.Debug("subscribed", "table", table, "subscription", id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[table], id)
			if len(h.subs[table]) == 0 {
				delete(h.subs, table)
			}
			h.mu.Unlock()
			h.logger.Debug("unsubscribed", "table", table, "subscription", id)
		})
	}, nil
}

// Publish calls every handler subscribed to the event's table. Handlers run
// on the caller's goroutine, outside the hub's lock, so they may subscribe or
// unsubscribe.
func (h *Hub) Publish(ev domain.ChangeEvent) {
	h.mu.RLock()
	handlers := make([]func(domain.ChangeEvent), 0, len(h.subs[ev.Table]))
	for _, fn := range h.subs[ev.Table] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Subscribers returns the number of handlers subscribed to table.
func (h *Hub) Subscribers(table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[table])
}
