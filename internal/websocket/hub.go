package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/guild-ranksync/internal/domain"
)

// Message types
const (
	MessageTypeChangeRecord = "change_record"
	MessageTypeBatchSummary = "batch_summary"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message represents a WebSocket message on the audit feed
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of connected audit-feed clients and broadcasts
// change records and batch summaries to all of them. One guild, one feed.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	mu         sync.RWMutex
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("audit feed hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("audit feed hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("audit client connected", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("audit client disconnected", "client_id", client.id)

		case message := <-h.broadcast:
			h.send(message)
		}
	}
}

// Stop shuts down the hub and disconnects all clients
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishRecord broadcasts a change record to the audit feed
func (h *Hub) PublishRecord(ctx context.Context, record domain.ChangeRecord) {
	h.enqueue(&Message{
		Type:      MessageTypeChangeRecord,
		Data:      record,
		Timestamp: time.Now(),
	})
}

// PublishSummary broadcasts a batch summary to the audit feed
func (h *Hub) PublishSummary(ctx context.Context, summary *domain.BatchSummary) {
	h.enqueue(&Message{
		Type:      MessageTypeBatchSummary,
		Data:      summary,
		Timestamp: time.Now(),
	})
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("audit feed broadcast buffer full, dropping message", "type", message.Type)
	}
}

func (h *Hub) send(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Warn("failed to marshal feed message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow client; drop the message rather than stall the feed.
			h.logger.Debug("dropping message for slow client", "client_id", client.id)
		}
	}
}
