// Package ws fans pipeline run events out to streaming subscribers.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/slipway-sh/slipway/internal/run"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by run ID. A single goroutine owns the
// subscriber map, so no locking is needed around it.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan envelope
	done      chan struct{}
	stop      sync.Once
	log       *slog.Logger
}

// envelope couples a payload with the run it belongs to.
type envelope struct {
	runID   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	runID  string
	client Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan envelope),
		done:      make(chan struct{}),
		log:       log,
	}
	go h.loop()
	return h
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = make(map[string]map[Subscriber]struct{})
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.runID]; !ok {
				h.clients[sub.runID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.runID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.runID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.runID)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.runID]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, msg.runID)
			}
		}
	}
}

// Register adds a client to a run stream.
func (h *Hub) Register(runID string, client Subscriber) {
	select {
	case h.register <- subscription{runID: runID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(runID string, client Subscriber) {
	select {
	case h.unreg <- subscription{runID: runID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to every client subscribed to the run.
func (h *Hub) Broadcast(runID string, payload []byte) {
	select {
	case h.broadcast <- envelope{runID: runID, payload: payload}:
	case <-h.done:
	}
}

// PublishEvent marshals a run event and broadcasts it to the run's stream.
func (h *Hub) PublishEvent(ev run.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("failed to encode run event", "run_id", ev.RunID, "error", err)
		return
	}
	h.Broadcast(ev.RunID, payload)
}

// Shutdown closes every subscriber and stops the dispatch loop.
func (h *Hub) Shutdown() {
	h.stop.Do(func() { close(h.done) })
}
