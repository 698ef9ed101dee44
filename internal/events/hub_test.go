package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// TestHubBroadcastToClient tests that a connected websocket client receives
// published events
func TestHubBroadcastToClient(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	hub := NewHub(bus, zerolog.Nop())

	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the server side to register the client before publishing.
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(&TickCompletedData{DefsScanned: 4, SlicesEnqueued: 2})

	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, msgType)

	var event struct {
		Type EventType `json:"type"`
		Data struct {
			DefsScanned    int `json:"defs_scanned"`
			SlicesEnqueued int `json:"slices_enqueued"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, TickCompleted, event.Type)
	assert.Equal(t, 4, event.Data.DefsScanned)
	assert.Equal(t, 2, event.Data.SlicesEnqueued)
}

// TestHubClientDisconnect tests that disconnected clients are removed
func TestHubClientDisconnect(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	hub := NewHub(bus, zerolog.Nop())

	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestHubNoClients tests that broadcasting with no clients does not panic
func TestHubNoClients(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	NewHub(bus, zerolog.Nop())

	bus.Publish(&BackupCompletedData{Path: "/tmp/x.tar.gz", SizeBytes: 10})
}
