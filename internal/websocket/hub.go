package websocket

import (
	"errors"
	"fmt"
	"sync"

	"go-dm-relay/internal/interfaces"
	"go-dm-relay/internal/metrics"
	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
)

// Relay forwards frames to other nodes when the target user is not connected here.
type Relay interface {
	Publish(userID uint, frame []byte) error
	Close() error
}

// Hub is the connection registry. A user may hold several live connections; the first
// one to arrive and the last one to leave fire the connection event handler.
type Hub struct {
	clients   map[uint]map[interfaces.Client]struct{}
	clientsMu sync.RWMutex

	eventHandler interfaces.ConnectionEventHandler
	handlerMu    sync.RWMutex

	relay Relay
}

var _ interfaces.ConnectionManager = (*Hub)(nil)

func NewHub(eventHandler interfaces.ConnectionEventHandler) *Hub {
	return &Hub{
		clients:      make(map[uint]map[interfaces.Client]struct{}),
		eventHandler: eventHandler,
	}
}

func (h *Hub) SetEventHandler(handler interfaces.ConnectionEventHandler) {
	h.handlerMu.Lock()
	h.eventHandler = handler
	h.handlerMu.Unlock()
}

func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

func (h *Hub) handler() interfaces.ConnectionEventHandler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.eventHandler
}

// Register 在Hub中注册客户端
func (h *Hub) Register(client interfaces.Client) {
	userID := client.GetUserID()

	h.clientsMu.Lock()
	conns, ok := h.clients[userID]
	if !ok {
		conns = make(map[interfaces.Client]struct{})
		h.clients[userID] = conns
	}
	conns[client] = struct{}{}
	first := len(conns) == 1
	h.clientsMu.Unlock()

	metrics.Connections.Inc()
	logger.L.Info("Client registered", zap.Uint("userID", userID), zap.Bool("first", first))

	if first {
		if eh := h.handler(); eh != nil {
			go eh.HandleUserConnected(userID)
		}
	}
}

// Unregister 从Hub中注销客户端
func (h *Hub) Unregister(client interfaces.Client) {
	userID := client.GetUserID()

	h.clientsMu.Lock()
	conns, ok := h.clients[userID]
	if !ok {
		h.clientsMu.Unlock()
		return
	}
	if _, ok := conns[client]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(conns, client)
	last := len(conns) == 0
	if last {
		delete(h.clients, userID)
	}
	h.clientsMu.Unlock()

	client.Close()
	metrics.Connections.Dec()
	logger.L.Info("Client unregistered", zap.Uint("userID", userID), zap.Bool("last", last))

	if last {
		if eh := h.handler(); eh != nil {
			go eh.HandleUserDisconnected(userID)
		}
	}
}

func (h *Hub) IsClientConnected(userID uint) bool {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// Notify 发送事件给指定用户的所有连接
func (h *Hub) Notify(userID uint, event string, payload map[string]any) error {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	if h.DeliverLocal(userID, data) > 0 {
		return nil
	}
	if h.relay == nil {
		// 用户不在线，客户端重连后会自行同步
		return nil
	}
	if err := h.relay.Publish(userID, data); err != nil {
		return fmt.Errorf("relay %s to user %d: %w", event, userID, err)
	}
	return nil
}

// DeliverLocal queues an encoded frame on every local connection of userID and
// returns how many accepted it. Connections whose buffer stays full are dropped.
func (h *Hub) DeliverLocal(userID uint, data []byte) int {
	h.clientsMu.RLock()
	targets := make([]interfaces.Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.clientsMu.RUnlock()

	delivered := 0
	for _, c := range targets {
		err := c.QueueBytes(data)
		if err == nil {
			delivered++
			continue
		}
		logger.L.Warn("Failed to queue frame to client", zap.Uint("userID", userID), zap.Error(err))
		if errors.Is(err, ErrSendBufferFull) {
			// 所有重试失败 关闭连接
			h.Unregister(c)
		}
	}
	return delivered
}

// Close drops every connection and stops the relay.
func (h *Hub) Close() error {
	h.clientsMu.RLock()
	var all []interfaces.Client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range all {
		h.Unregister(c)
	}
	if h.relay != nil {
		return h.relay.Close()
	}
	return nil
}
