package websocket

import (
	"sync"

	"github.com/rs/zerolog/log"

	"tilevault/types"
)

// Hub interface defines the methods for managing WebSocket connections
type Hub interface {
	Run()
	BroadcastEvent(evt types.ProgressEvent)
	RegisterClient(client *Client)
	UnregisterClient(client *Client)
}

// hub maintains the set of active observer clients and fans job
// progress events out to them
type hub struct {
	// Registered clients mapped by job ID; the "all" key receives
	// every job's events
	clients map[string]map[*Client]bool

	// Broadcast channel for progress events
	broadcast chan types.ProgressEvent

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub() Hub {
	return &hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan types.ProgressEvent, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main event loop
func (h *hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.jobID] == nil {
				h.clients[client.jobID] = make(map[*Client]bool)
			}
			h.clients[client.jobID][client] = true
			h.mu.Unlock()
			log.Debug().Str("job_id", client.jobID).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.jobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.jobID)
					}
				}
			}
			h.mu.Unlock()
			log.Debug().Str("job_id", client.jobID).Msg("websocket client disconnected")

		case evt := <-h.broadcast:
			h.mu.RLock()
			h.deliver(evt.JobID, evt)
			h.deliver("all", evt)
			h.mu.RUnlock()
		}
	}
}

// deliver sends an event to every client subscribed under key, dropping
// clients whose send buffer is full. Callers hold at least a read lock.
func (h *hub) deliver(key string, evt types.ProgressEvent) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for client := range clients {
		select {
		case client.send <- evt:
		default:
			close(client.send)
			delete(clients, client)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// BroadcastEvent queues a progress event for delivery to subscribers.
// Delivery is best-effort: a full hub drops the event rather than
// stalling the download job.
func (h *hub) BroadcastEvent(evt types.ProgressEvent) {
	select {
	case h.broadcast <- evt:
	default:
		log.Warn().Str("job_id", evt.JobID).Msg("websocket broadcast channel full, dropping event")
	}
}

// RegisterClient registers a new client with the hub
func (h *hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient unregisters a client from the hub
func (h *hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
