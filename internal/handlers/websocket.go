package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope of every message pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler streams job status changes to connected dashboards
type WebSocketHandler struct {
	logger       arbor.ILogger
	clients      map[*websocket.Conn]bool
	clientMutex  map[*websocket.Conn]*sync.Mutex
	mu           sync.RWMutex
	eventService interfaces.EventService
	throttlers   map[interfaces.EventType]*rate.Limiter // nil map = no throttling
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:       logger,
		clients:      make(map[*websocket.Conn]bool),
		clientMutex:  make(map[*websocket.Conn]*sync.Mutex),
		eventService: eventService,
	}

	if config != nil && config.ThrottleInterval != "" {
		interval, err := time.ParseDuration(config.ThrottleInterval)
		if err != nil || interval <= 0 {
			logger.Warn().
				Str("interval", config.ThrottleInterval).
				Msg("Invalid websocket throttle interval - throttling disabled")
		} else {
			// Terminal transitions and user job status are never throttled
			h.throttlers = map[interfaces.EventType]*rate.Limiter{
				interfaces.EventSubJobEnqueued: rate.NewLimiter(rate.Every(interval), 1),
				interfaces.EventSubJobStatus:   rate.NewLimiter(rate.Every(interval), 1),
			}
			logger.Debug().Str("interval", config.ThrottleInterval).Msg("WebSocket throttlers initialized")
		}
	}

	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until the client goes away
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", total).Msg("WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll sends a going-away close frame to every client and drops the connection
func (h *WebSocketHandler) CloseAll() {
	h.mu.RLock()
	clients := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for conn := range h.clients {
		clients[conn] = h.clientMutex[conn]
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn, mutex := range clients {
		mutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		mutex.Unlock()
		conn.Close()
	}
	if len(clients) > 0 {
		h.logger.Info().Int("clients", len(clients)).Msg("WebSocket clients closed")
	}
}

// Broadcast sends a message to every connected client
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// SubscribeToJobEvents forwards ledger and queue events to connected clients
func (h *WebSocketHandler) SubscribeToJobEvents() error {
	if h.eventService == nil {
		return nil
	}

	for _, eventType := range []interfaces.EventType{
		interfaces.EventUserJobSubmitted,
		interfaces.EventUserJobStatus,
		interfaces.EventSubJobStatus,
		interfaces.EventSubJobEnqueued,
	} {
		if err := h.eventService.Subscribe(eventType, h.forward); err != nil {
			return err
		}
	}
	return nil
}

func (h *WebSocketHandler) forward(ctx context.Context, event interfaces.Event) error {
	if h.throttled(event) {
		return nil
	}
	h.Broadcast(WSMessage{
		Type:    string(event.Type),
		Payload: event.Payload,
	})
	return nil
}

func (h *WebSocketHandler) throttled(event interfaces.Event) bool {
	limiter, ok := h.throttlers[event.Type]
	if !ok {
		return false
	}

	if payload, ok := event.Payload.(map[string]interface{}); ok {
		if status := getString(payload, "status"); status != "" && models.JobStatus(status).IsTerminal() {
			return false
		}
	}
	return !limiter.Allow()
}

func getString(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
