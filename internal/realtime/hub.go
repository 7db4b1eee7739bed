// Package realtime streams escrow lifecycle and oracle change events over
// WebSocket so both parties can follow an escrow without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autopayer/autopayer/internal/escrow"
	"github.com/autopayer/autopayer/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event kinds broadcast by the hub. Escrow kinds mirror coordinator
// transitions; oracle kinds mirror admin/rate changes.
const (
	EventEscrowCreated          = "escrow_created"
	EventEscrowAccepted         = "escrow_accepted"
	EventEscrowReceiptSubmitted = "escrow_receipt_submitted"
	EventEscrowVerified         = "escrow_verified"
	EventEscrowDisputed         = "escrow_disputed"
	EventEscrowResolved         = "escrow_resolved"
	EventEscrowCancelled        = "escrow_cancelled"
	EventEscrowExpired          = "escrow_expired"
	EventRateUpdated            = "rate_updated"
)

// Event is the wire format for a realtime event.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// escrowEventData is the client-facing slice of an escrow record carried in
// lifecycle events. Bank details stay off the wire.
type escrowEventData struct {
	ID               string        `json:"id"`
	Status           escrow.Status `json:"status"`
	RequesterAddress string        `json:"requesterAddress"`
	PayerAddress     string        `json:"payerAddress,omitempty"`
	TokenSymbol      string        `json:"tokenSymbol"`
	TokenAmount      string        `json:"tokenAmount"`
	FiatAmount       int64         `json:"fiatAmount"`
	FiatCurrency     string        `json:"fiatCurrency"`
	TransactionHash  string        `json:"transactionHash,omitempty"`
}

// Subscription filters for a client.
type Subscription struct {
	AllEvents  bool     `json:"allEvents"`
	EventTypes []string `json:"eventTypes"`
	Addresses  []string `json:"addresses"`  // Watch escrows involving these parties
	EscrowIDs  []string `json:"escrowIds"`  // Watch specific escrows
	Currencies []string `json:"currencies"` // Watch oracle updates for these currencies
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- h.serialize(event):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event matches client's subscription.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if data, ok := event.Data.(escrowEventData); ok {
		if len(sub.EscrowIDs) > 0 {
			matched := false
			for _, id := range sub.EscrowIDs {
				if id == data.ID {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}

		if len(sub.Addresses) > 0 {
			matched := false
			for _, addr := range sub.Addresses {
				if strings.EqualFold(addr, data.RequesterAddress) || strings.EqualFold(addr, data.PayerAddress) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	if len(sub.Currencies) > 0 && event.Type == EventRateUpdated {
		data, ok := event.Data.(map[string]interface{})
		if ok {
			currency, _ := data["currency"].(string)
			matched := false
			for _, c := range sub.Currencies {
				if strings.EqualFold(c, currency) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// EmitEscrowEvent broadcasts an escrow lifecycle transition.
func (h *Hub) EmitEscrowEvent(kind string, r *escrow.Request) {
	if r == nil {
		return
	}
	h.Broadcast(&Event{
		Type:      kind,
		Timestamp: time.Now(),
		Data: escrowEventData{
			ID:               r.ID,
			Status:           r.Status,
			RequesterAddress: r.RequesterAddress,
			PayerAddress:     r.PayerAddress,
			TokenSymbol:      r.TokenSymbol,
			TokenAmount:      r.TokenAmount,
			FiatAmount:       r.FiatAmount,
			FiatCurrency:     r.FiatCurrency,
			TransactionHash:  r.TransactionHash,
		},
	})
}

// EmitOracleEvent broadcasts an oracle change.
func (h *Hub) EmitOracleEvent(kind string, data map[string]interface{}) {
	h.Broadcast(&Event{
		Type:      kind,
		Timestamp: time.Now(),
		Data:      data,
	})
}

var (
	_ escrow.EventEmitter = (*Hub)(nil)
)

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true}, // Default: all events
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscription updates, pings).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
