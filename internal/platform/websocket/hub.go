// Package websocket streams document-processing progress to connected
// clients. It implements a hub-and-spoke pattern where clients subscribe to
// document topics (one topic per document ID) and receive stage transition
// events as the pipeline runs.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ProgressEvent is a single pipeline progress notification. Topic is the
// document ID the event belongs to.
type ProgressEvent struct {
	DocumentID string          `json:"document_id"`
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	Attempt    int             `json:"attempt,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription request from a client.
type ClientMessage struct {
	Action    string   `json:"action"`
	Documents []string `json:"documents"`
}

// ProgressPublisher is the interface the pipeline uses to emit progress.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, event ProgressEvent) error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID        string
	Documents []string
	Send      chan []byte
}

// Hub tracks connected clients and their document subscriptions. All
// operations are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // document ID -> subscribers
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

// NewHub creates a Hub ready to manage clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Register adds a client and subscribes it to its initial documents.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}

	for _, doc := range client.Documents {
		if h.clients[doc] == nil {
			h.clients[doc] = make(map[*Client]struct{})
		}
		h.clients[doc][client] = struct{}{}
	}
}

// Unregister removes a client from all subscriptions and closes its Send
// channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, doc := range client.Documents {
		if subs, ok := h.clients[doc]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, doc)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds document subscriptions to a registered client.
func (h *Hub) Subscribe(client *Client, docs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, doc := range docs {
		if h.clients[doc] == nil {
			h.clients[doc] = make(map[*Client]struct{})
		}
		h.clients[doc][client] = struct{}{}
	}
	client.Documents = append(client.Documents, docs...)
}

// Unsubscribe removes document subscriptions from a registered client.
func (h *Hub) Unsubscribe(client *Client, docs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		removeSet[d] = struct{}{}
	}

	for _, doc := range docs {
		if subs, ok := h.clients[doc]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, doc)
			}
		}
	}

	remaining := make([]string, 0, len(client.Documents))
	for _, d := range client.Documents {
		if _, rm := removeSet[d]; !rm {
			remaining = append(remaining, d)
		}
	}
	client.Documents = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Documents)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Documents)
	}
}

// Broadcast sends an event to all clients subscribed to the event's document.
func (h *Hub) Broadcast(event ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal progress event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	subs, ok := h.clients[event.DocumentID]
	if !ok {
		return
	}

	for client := range subs {
		select {
		case client.Send <- data:
		default:
			// Client buffer full; skip to avoid blocking the pipeline.
		}
	}
}

// PublishProgress implements ProgressPublisher.
func (h *Hub) PublishProgress(_ context.Context, event ProgressEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.Broadcast(event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// SubscriberCount returns how many clients watch a given document.
func (h *Hub) SubscriberCount(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[documentID])
}

// ---------------------------------------------------------------------------
// Handler: Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub *Hub
}

// NewHandler creates a Handler bound to the given Hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws/progress", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client, and starts
// the read/write pumps. An optional ?document= query parameter pre-subscribes
// the client to a document.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var initial []string
	if doc := c.QueryParam("document"); doc != "" {
		initial = append(initial, doc)
	}

	client := &Client{
		ID:        uuid.New().String(),
		Documents: initial,
		Send:      make(chan []byte, 256),
	}

	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
