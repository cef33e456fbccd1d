package api

import (
	"context"
	"net/http"

	"go-dm-relay/internal/service"
	"go-dm-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 处理消息相关的HTTP请求
type MessageHandler struct {
	messages      *service.MessageService
	conversations *service.ConversationService
}

func NewMessageHandler(messages *service.MessageService, conversations *service.ConversationService) *MessageHandler {
	return &MessageHandler{messages: messages, conversations: conversations}
}

type sendMessageRequest struct {
	RecipientID      uint    `json:"recipient_id" binding:"required"`
	Content          string  `json:"content"`
	ReplyToMessageID *string `json:"reply_to_message_id"`
	IdempotencyKey   *string `json:"idempotency_key"`
}

type messageIDsRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

type editMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type forwardMessageRequest struct {
	RecipientID    uint    `json:"recipient_id" binding:"required"`
	IdempotencyKey *string `json:"idempotency_key"`
}

// idempotencyKey prefers the body field and falls back to the Idempotency-Key header.
func idempotencyKey(c *gin.Context, body *string) *string {
	if body != nil && *body != "" {
		return body
	}
	if h := c.GetHeader("Idempotency-Key"); h != "" {
		return &h
	}
	return nil
}

// 发送消息：新建返回201，幂等重放返回200
func (h *MessageHandler) SendMessage(c *gin.Context) {
	senderID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.L.Warn("Failed to bind SendMessage request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	message, created, err := h.messages.Create(c.Request.Context(), service.SendRequest{
		SenderID:       senderID,
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		ReplyToID:      req.ReplyToMessageID,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"message": message, "created": created})
}

func (h *MessageHandler) GetMessage(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	message, err := h.messages.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

// 获取与某个用户的会话，按时间倒序，游标分页
func (h *MessageHandler) ListConversation(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	peerID, ok := uintParam(c, "peer_id")
	if !ok {
		return
	}
	limit, before, ok := pageParams(c, "before")
	if !ok {
		return
	}
	page, err := h.conversations.ListConversation(c.Request.Context(), userID, peerID, limit, before)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Sync returns everything sent or received after the since cursor, oldest first.
func (h *MessageHandler) Sync(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	limit, since, ok := pageParams(c, "since")
	if !ok {
		return
	}
	page, err := h.conversations.Reconcile(c.Request.Context(), userID, since, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	h.advance(c, h.messages.MarkDelivered)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	h.advance(c, h.messages.MarkRead)
}

func (h *MessageHandler) advance(c *gin.Context, mark func(context.Context, uint, []string) ([]string, error)) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	var req messageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	changed, err := mark(c.Request.Context(), userID, req.MessageIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": changed})
}

// MarkConversationRead reads every message the peer sent to the caller.
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	peerID, ok := uintParam(c, "peer_id")
	if !ok {
		return
	}
	changed, err := h.messages.MarkConversationRead(c.Request.Context(), userID, peerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": changed})
}

func (h *MessageHandler) EditMessage(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	message, err := h.messages.Edit(c.Request.Context(), userID, c.Param("id"), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

// DeleteMessage hides the message for the caller, or removes it for both sides with
// ?scope=everyone.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	var err error
	switch scope := c.DefaultQuery("scope", "me"); scope {
	case "me":
		err = h.messages.DeleteForMe(c.Request.Context(), userID, c.Param("id"))
	case "everyone":
		err = h.messages.DeleteForEveryone(c.Request.Context(), userID, c.Param("id"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be me or everyone"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) ForwardMessage(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	var req forwardMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	message, created, err := h.messages.Forward(c.Request.Context(), userID, c.Param("id"), req.RecipientID, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"message": message, "created": created})
}

// 未读统计：按发送者分组 + 未读会话数
func (h *MessageHandler) UnreadSummary(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	bySender, err := h.messages.UnreadSummary(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	conversations, err := h.messages.UnreadConversations(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_sender": bySender, "conversations": conversations})
}

func (h *MessageHandler) UnreadWith(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	peerID, ok := uintParam(c, "peer_id")
	if !ok {
		return
	}
	n, err := h.messages.UnreadCount(c.Request.Context(), userID, peerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer_id": peerID, "count": n})
}

// Presence reports whether user_id is online and typing to the caller.
func (h *MessageHandler) Presence(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	other, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{
		"user_id": other,
		"online":  h.messages.IsOnline(ctx, other),
		"typing":  h.messages.IsTyping(ctx, other, userID),
	})
}
