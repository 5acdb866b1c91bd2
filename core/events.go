package core

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EventHub 把 Key 池事件广播给管理端的 WebSocket 订阅者
// 写失败的连接直接摘除，订阅者掉线不影响池子
type EventHub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]bool
	logger *logrus.Logger
	quit   chan struct{}
}

// NewEventHub 创建事件中心
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		conns:  make(map[*websocket.Conn]bool),
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Run 消费池事件并广播，阻塞直到 Close
func (h *EventHub) Run(events <-chan PoolEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		case <-h.quit:
			return
		}
	}
}

// Register 接入一个订阅连接
func (h *EventHub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
	h.logger.Infof("📡 事件订阅接入，当前 %d 个连接", h.Count())
}

// Unregister 摘除订阅连接
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[conn] {
		delete(h.conns, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// Count 当前订阅数
func (h *EventHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *EventHub) broadcast(ev PoolEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		if err := conn.WriteJSON(ev); err != nil {
			delete(h.conns, conn)
			conn.Close()
		}
	}
}

// Close 停止广播并断开所有订阅
func (h *EventHub) Close() {
	close(h.quit)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]bool)
}
