// Package ws fans project status events out to dashboard subscribers.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nanoscale/nanoscale/internal/domain"
)

// AllProjects subscribes to every project's events.
const AllProjects = ""

const broadcastBuffer = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by project ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
	logger    *slog.Logger
}

type message struct {
	projectID string
	payload   []byte
}

type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		logger:    logger.With("component", "ws_hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.drop(sub.projectID, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.projectID, msg.payload)
			if msg.projectID != AllProjects {
				h.deliver(AllProjects, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(topic string, payload []byte) {
	for c := range h.clients[topic] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.drop(topic, c)
		}
	}
}

func (h *Hub) drop(topic string, c Subscriber) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Register adds a client to a project stream, or to every stream with AllProjects.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	select {
	case h.unreg <- subscription{projectID: projectID, client: client}:
	case <-h.done:
	}
}

// Publish broadcasts a project event. It never blocks the caller; events are
// dropped when the dispatch buffer is full.
func (h *Hub) Publish(event domain.ProjectEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode project event", "error", err)
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- message{projectID: event.ProjectID, payload: payload}:
	default:
		h.logger.Warn("project event dropped", "project_id", event.ProjectID, "status", event.Status)
	}
}

// Close disconnects every subscriber and stops the dispatch loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}
