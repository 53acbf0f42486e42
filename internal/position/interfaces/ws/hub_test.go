package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/perpetual/internal/position/domain"
)

func startHub(t *testing.T) (*EventHub, string) {
	hub := NewEventHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/events", hub.ServeWS)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events"
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubFiltersByOwner(t *testing.T) {
	r := require.New(t)
	hub, url := startHub(t)
	all := dial(t, url)
	alice := dial(t, url+"?owner=alice")
	r.Eventually(func() bool { return hub.Clients() == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	r.NoError(hub.Publish(ctx, domain.PositionClosedEventType, "POS-B", domain.PositionClosedEvent{PositionID: "POS-B", Owner: "bob", Payout: decimal.NewFromInt(5)}))
	r.NoError(hub.Publish(ctx, domain.PositionOpenedEventType, "POS-A", domain.PositionOpenedEvent{Position: domain.Position{ID: "POS-A", Owner: "alice"}}))
	r.NoError(hub.Publish(ctx, domain.ParametersChangedEventType, "ETH-USD", domain.ParametersChangedEvent{Parameter: "max_leverage", Value: "10"}))

	r.Equal(domain.PositionClosedEventType, readMessage(t, all).Type)
	r.Equal(domain.PositionOpenedEventType, readMessage(t, all).Type)
	r.Equal(domain.ParametersChangedEventType, readMessage(t, all).Type)

	// alice 只收到自己的持仓事件
	msg := readMessage(t, alice)
	r.Equal(domain.PositionOpenedEventType, msg.Type)
	r.Equal("POS-A", msg.Key)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	hub := NewEventHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < cap(hub.broadcast)+3; i++ {
		require.NoError(t, hub.Publish(context.Background(), domain.FeesClaimedEventType, "m", domain.FeesClaimedEvent{}))
	}
	require.Equal(t, uint64(3), hub.Dropped())
}
