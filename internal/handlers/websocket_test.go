package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/services/events"
)

func dialWebSocket(t *testing.T, h *WebSocketHandler) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketHandler_ForwardsJobEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	h := NewWebSocketHandler(eventService, logger, nil)
	require.NoError(t, h.SubscribeToJobEvents())

	conn := dialWebSocket(t, h)

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type: interfaces.EventUserJobStatus,
		Payload: map[string]interface{}{
			"user_job_id": "uj-1",
			"status":      "PROCESSING",
		},
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, "user_job_status", msg.Type)
	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "uj-1", payload["user_job_id"])
	assert.Equal(t, "PROCESSING", payload["status"])
}

func TestWebSocketHandler_ThrottleKeepsTerminalEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	h := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{ThrottleInterval: "1h"})
	require.NoError(t, h.SubscribeToJobEvents())

	conn := dialWebSocket(t, h)
	ctx := context.Background()

	publish := func(jobID, status string) {
		require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{
			Type:    interfaces.EventSubJobStatus,
			Payload: map[string]interface{}{"job_id": jobID, "status": status},
		}))
	}

	publish("a", "PROCESSING") // consumes the burst
	publish("b", "PROCESSING") // dropped
	publish("a", "COMPLETED")  // terminal, always sent

	first := readMessage(t, conn)
	second := readMessage(t, conn)

	assert.Equal(t, "a", first.Payload.(map[string]interface{})["job_id"])
	assert.Equal(t, "PROCESSING", first.Payload.(map[string]interface{})["status"])
	assert.Equal(t, "COMPLETED", second.Payload.(map[string]interface{})["status"])
}

func TestWebSocketHandler_InvalidThrottleDisablesThrottling(t *testing.T) {
	h := NewWebSocketHandler(nil, arbor.NewLogger(), &common.WebSocketConfig{ThrottleInterval: "soon"})
	assert.Nil(t, h.throttlers)
	assert.NoError(t, h.SubscribeToJobEvents())
}

func TestWebSocketHandler_CloseAllSendsGoingAway(t *testing.T) {
	logger := arbor.NewLogger()
	h := NewWebSocketHandler(events.NewService(logger), logger, nil)
	conn := dialWebSocket(t, h)

	h.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
