// Package ws 通过 WebSocket 向运维看板推送引擎事件，推送为尽力而为，慢连接会被断开
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wyfcoding/perpetual/internal/position/domain"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Message 推送给客户端的消息
type Message struct {
	Type      string `json:"type"`
	Key       string `json:"key"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type client struct {
	conn  *websocket.Conn
	owner string // 为空时接收全部事件
	send  chan []byte
}

type outbound struct {
	owner string
	data  []byte
}

// EventHub 实现 domain.EventPublisher，按 owner 过滤后广播
type EventHub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan outbound
	done       chan struct{}

	clients atomic.Int64
	dropped atomic.Uint64
	logger  *slog.Logger
	now     func() time.Time
}

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		broadcast:  make(chan outbound, 1024),
		done:       make(chan struct{}),
		logger:     logger.With("module", "event_hub"),
		now:        time.Now,
	}
}

// Publish 入队广播；队列满时丢弃，不阻塞引擎
func (h *EventHub) Publish(_ context.Context, eventType, key string, event any) error {
	data, err := json.Marshal(Message{Type: eventType, Key: key, Data: event, Timestamp: h.now().UnixMilli()})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- outbound{owner: ownerOf(event), data: data}:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Clients 当前连接数
func (h *EventHub) Clients() int { return int(h.clients.Load()) }

// Dropped 因队列满而丢弃的事件数
func (h *EventHub) Dropped() uint64 { return h.dropped.Load() }

// Run 处理注册与广播，ctx 取消时断开所有连接
func (h *EventHub) Run(ctx context.Context) error {
	defer close(h.done)
	clients := make(map[*client]struct{})
	remove := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			h.clients.Store(int64(len(clients)))
		}
	}

	h.logger.Info("event hub started")
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				remove(c)
			}
			h.logger.Info("event hub stopped", "dropped", h.dropped.Load())
			return nil
		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int64(len(clients)))
		case c := <-h.unregister:
			remove(c)
		case msg := <-h.broadcast:
			for c := range clients {
				if c.owner != "" && c.owner != msg.owner {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping slow websocket client", "owner", c.owner)
					remove(c)
				}
			}
		}
	}
}

// ServeWS 升级为 WebSocket 连接，?owner= 只订阅该用户的持仓事件
func (h *EventHub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, owner: c.Query("owner"), send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- cl:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(cl)
	h.readPump(cl)
}

// readPump 只处理控制帧，读失败即注销
func (h *EventHub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ownerOf 事件所属用户，市场级事件返回空串，只推送给全量订阅者
func ownerOf(event any) string {
	switch ev := event.(type) {
	case domain.PositionOpenedEvent:
		return ev.Position.Owner
	case domain.PositionClosedEvent:
		return ev.Owner
	case domain.CollateralAdjustedEvent:
		return ev.Owner
	case domain.PositionLiquidatedEvent:
		return ev.Owner
	}
	return ""
}
