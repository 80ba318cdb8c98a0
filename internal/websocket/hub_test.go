package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sentinel/internal/models"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.RunWithContext(ctx) }()

	srv := httptest.NewServer(ServeWS(hub))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubBroadcastsDeviceUpdate(t *testing.T) {
	hub, srv, _ := startHub(t)
	conn := dial(t, srv)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Notify(context.Background(), models.DeviceUpdate{
		DeviceID:     "D1",
		ThreatStatus: models.ThreatDetected,
		DataSummary:  "22.03°C, 61.2%",
		LastSeen:     models.LastSeenNow,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string              `json:"type"`
		Data models.DeviceUpdate `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeDeviceUpdate, msg.Type)
	assert.Equal(t, "D1", msg.Data.DeviceID)
	assert.Equal(t, models.ThreatDetected, msg.Data.ThreatStatus)
}

func TestHubAnswersPing(t *testing.T) {
	hub, srv, _ := startHub(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypePong, msg.Type)
}

func TestHubUnregistersClosedClient(t *testing.T) {
	hub, srv, _ := startHub(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, srv, cancel := startHub(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-hub.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.GetClientCount())
}
