package api

import (
	"context"
	"net/http"
	"time"

	"go-dm-relay/internal/metrics"
	"go-dm-relay/internal/middleware"
	"go-dm-relay/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports one dependency; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

type RouterOptions struct {
	AllowedOrigins []string
	Tokens         *utils.TokenParser
	Messages       *MessageHandler
	Media          *MediaHandler
	WS             *WSHandler
	// ChunkLimiter throttles /api/uploads/chunk per user; nil disables it.
	ChunkLimiter *middleware.UserRateLimiter
	Checks       map[string]HealthCheck
}

// NewRouter 注册所有路由
func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.GinZapLogger())

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", healthz(opts.Checks))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	auth := middleware.AuthMiddleware(opts.Tokens)
	if opts.WS != nil {
		r.GET("/ws", auth, opts.WS.HandleConnection)
	}

	api := r.Group("/api", auth)
	if h := opts.Messages; h != nil {
		api.POST("/messages", h.SendMessage)
		api.GET("/messages/:id", h.GetMessage)
		api.PATCH("/messages/:id", h.EditMessage)
		api.DELETE("/messages/:id", h.DeleteMessage)
		api.POST("/messages/:id/forward", h.ForwardMessage)
		api.POST("/messages/delivered", h.MarkDelivered)
		api.POST("/messages/read", h.MarkRead)
		api.GET("/conversations/:peer_id/messages", h.ListConversation)
		api.POST("/conversations/:peer_id/read", h.MarkConversationRead)
		api.GET("/sync", h.Sync)
		api.GET("/unread", h.UnreadSummary)
		api.GET("/unread/:peer_id", h.UnreadWith)
		api.GET("/presence/:user_id", h.Presence)
	}

	if h := opts.Media; h != nil {
		api.POST("/media/validate", h.ValidateMedia)
		api.POST("/uploads", h.UploadMedia)
		chunk := []gin.HandlerFunc{h.UploadChunk}
		if opts.ChunkLimiter != nil {
			chunk = append([]gin.HandlerFunc{opts.ChunkLimiter.Handler()}, chunk...)
		}
		api.POST("/uploads/chunk", chunk...)
		api.GET("/uploads/:upload_id/progress", h.UploadProgress)
		api.DELETE("/uploads/:upload_id", h.CancelUpload)

		// 附件地址直接嵌在消息里，下载不走鉴权
		r.GET("/files/*path", h.ServeFile)
		r.GET("/media/:id", h.ServeGridFS)
	}
	return r
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": report})
	}
}
