// Package websocket streams published sync events to connected clients
// (device dashboards, admin consoles). Delivery here is best-effort; the
// outbox is the durable path.
package websocket

import (
	"encoding/json"
	stdsync "sync"

	"go.uber.org/zap"

	"github.com/clinicore/dentsyncgo/internal/broker"
)

// Hub maintains the set of active clients and fans broker events out to
// them
type Hub struct {
	log *zap.Logger

	// Registered clients map: DeviceID -> Client
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	events     <-chan broker.Event
	stop       chan struct{}

	mu stdsync.RWMutex
}

// NewHub creates a hub fed by a broker subscription
func NewHub(log *zap.Logger, events <-chan broker.Event) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     events,
		stop:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if client.DeviceID != "" {
				// A reconnecting device replaces its old connection
				if old, ok := h.clients[client.DeviceID]; ok {
					close(old.send)
					delete(h.clients, client.DeviceID)
				}
				h.clients[client.DeviceID] = client
				h.log.Info("📱 event stream connected", zap.String("deviceId", client.DeviceID))
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if client.DeviceID != "" {
				if _, ok := h.clients[client.DeviceID]; ok {
					delete(h.clients, client.DeviceID)
					close(client.send)
					h.log.Info("📴 event stream disconnected", zap.String("deviceId", client.DeviceID))
				}
			}
			h.mu.Unlock()

		case event, ok := <-h.events:
			if !ok {
				return
			}
			h.broadcast(event)

		case <-h.stop:
			return
		}
	}
}

// Stop halts the hub loop
func (h *Hub) Stop() {
	close(h.stop)
}

// broadcast sends an event to every connected client in its tenant
func (h *Hub) broadcast(event broker.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal event", zap.Error(err))
		return
	}

	tenantID, _ := event.Payload["tenantId"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		// Tenant-scoped events only reach that tenant's devices
		if tenantID != "" && client.TenantID != tenantID {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Buffer full or client dead
		}
	}
}

// SendToDevice sends a message to one device, reporting delivery
func (h *Hub) SendToDevice(deviceID string, message interface{}) bool {
	h.mu.RLock()
	client, ok := h.clients[deviceID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	jsonMsg, err := json.Marshal(message)
	if err != nil {
		return false
	}

	select {
	case client.send <- jsonMsg:
		return true
	default:
		return false
	}
}

// Connected returns the number of attached clients
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
