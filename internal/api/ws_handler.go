package api

import (
	"net/http"
	"net/url"

	"go-dm-relay/internal/interfaces"
	internalws "go-dm-relay/internal/websocket"
	"go-dm-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSHandler struct {
	hub      interfaces.ConnectionManager
	frames   interfaces.FrameHandler
	opts     internalws.ClientOptions
	upgrader websocket.Upgrader
}

// NewWSHandler accepts upgrades from the given origins; "*" allows any.
func NewWSHandler(hub interfaces.ConnectionManager, frames interfaces.FrameHandler, opts internalws.ClientOptions, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:    hub,
		frames: frames,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[u.Scheme+"://"+u.Host] || u.Host == r.Host
	}
}

func (h *WSHandler) HandleConnection(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.L.Error("Failed to upgrade WebSocket connection", zap.Uint("userID", userID), zap.Error(err))
		return
	}
	logger.L.Info("WebSocket connection upgraded", zap.Uint("userID", userID))

	client := internalws.NewClient(userID, conn, h.frames, h.hub, h.opts)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
