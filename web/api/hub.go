package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const httpShutdownTimeout = 5 * time.Second

// FeedEvent is one event delivered to SSE and websocket clients
type FeedEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans events out to connected clients. Slow clients are dropped
// rather than allowed to block the feed.
type Hub struct {
	clients    map[chan FeedEvent]bool
	broadcast  chan FeedEvent
	register   chan chan FeedEvent
	unregister chan chan FeedEvent
}

// NewHub creates an event hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan FeedEvent]bool),
		broadcast:  make(chan FeedEvent, 64),
		register:   make(chan chan FeedEvent),
		unregister: make(chan chan FeedEvent),
	}
}

// Run owns the client set until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast queues an event for all clients. Drops the event if the hub
// itself is saturated; the feed is best-effort.
func (h *Hub) Broadcast(event FeedEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

func (s *Server) sseHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := make(chan FeedEvent, 16)
	s.hub.register <- client
	defer func() { s.hub.unregister <- client }()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-client:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
