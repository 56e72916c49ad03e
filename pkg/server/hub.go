// Package server hosts the browser-facing side of the gateway: the
// WebSocket hub fanning out status events, per-session command
// dispatch, and the HTTP surface (/ws, /metrics, /healthz).
package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/essfleet/hbgate/pkg/metrics"
	"github.com/essfleet/hbgate/pkg/util"
)

const broadcastQueueSize = 1024

// frame is the wire shape of every pushed browser event.
type frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub owns the set of connected browsers. Events enter through
// Publish and fan out to every open socket; each event is marshaled
// exactly once.
type Hub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcasts chan []byte
}

// NewHub creates an empty hub. Run must be started before clients
// register.
func NewHub() *Hub {
	return &Hub{
		log:        util.WithComponent("hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client, 64),
		broadcasts: make(chan []byte, broadcastQueueSize),
	}
}

// Publish queues one event for every connected browser. It never
// blocks: callers include link run loops and the status cache, so a
// full queue drops the event instead of stalling them.
func (h *Hub) Publish(event string, data interface{}) {
	metrics.Broadcasts.WithLabelValues(event).Inc()

	b, err := json.Marshal(frame{Type: event, Data: data})
	if err != nil {
		h.log.Warnf("dropping unmarshalable %s event: %v", event, err)
		return
	}

	select {
	case h.broadcasts <- b:
	default:
		h.log.Warn("broadcast queue full, dropping event")
	}
}

// Run owns the client set until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.BrowserClients.Inc()
			h.log.Infof("browser connected from %s (%d total)", c.remote, n)

		case c := <-h.unregister:
			h.drop(c)

		case data := <-h.broadcasts:
			h.fanOut(data)
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	if known {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if known {
		metrics.BrowserClients.Dec()
		h.log.Infof("browser disconnected from %s (%d total)", c.remote, n)
	}
}

// fanOut delivers one marshaled frame to a snapshot of the client set.
// Sends happen outside the lock; a saturated client drops its own copy.
func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.SafeSend(data) {
			metrics.BrowserDrops.Inc()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		metrics.BrowserClients.Dec()
	}
}

// ClientCount returns the number of connected browsers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
