package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"go-dm-relay/internal/media"
	"go-dm-relay/internal/pipeline"
	"go-dm-relay/internal/service"
	"go-dm-relay/internal/storage"
	"go-dm-relay/pkg/errs"
	"go-dm-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MediaHandler 处理附件上传：校验、单次上传、分片上传与文件下载
type MediaHandler struct {
	messages  *service.MessageService
	pipeline  *pipeline.Pipeline
	validator *media.Validator
	// at most one of these is set, matching the configured backend
	local  *storage.LocalUploader
	gridfs *storage.GridFSUploader
}

func NewMediaHandler(messages *service.MessageService, p *pipeline.Pipeline, validator *media.Validator) *MediaHandler {
	return &MediaHandler{messages: messages, pipeline: p, validator: validator}
}

// WithLocalFiles serves /files from the local backend.
func (h *MediaHandler) WithLocalFiles(local *storage.LocalUploader) *MediaHandler {
	h.local = local
	return h
}

// WithGridFS serves /media/:id from GridFS.
func (h *MediaHandler) WithGridFS(g *storage.GridFSUploader) *MediaHandler {
	h.gridfs = g
	return h
}

type validateMediaRequest struct {
	MimeType string `json:"mime_type" binding:"required"`
	Size     int64  `json:"size" binding:"required"`
}

// ValidateMedia lets a client check a file before sending any bytes.
func (h *MediaHandler) ValidateMedia(c *gin.Context) {
	if _, ok := getUserIDFromContext(c); !ok {
		return
	}
	var req validateMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	kind, err := h.validator.ValidateBeforeUpload(req.Size, req.MimeType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"type":      kind,
		"max_bytes": h.validator.Limits().MaxBytes(kind),
	})
}

// UploadMedia is the single-shot path: the message is created at once and the file is
// processed in the background.
func (h *MediaHandler) UploadMedia(c *gin.Context) {
	senderID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	recipientID, err := formUint(c, "recipient_id")
	if err != nil {
		respondError(c, err)
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		logger.L.Warn("Failed to get file from request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid file"})
		return
	}
	mimeType := formMime(c, file)
	if _, err := h.validator.ValidateBeforeUpload(file.Size, mimeType); err != nil {
		respondError(c, err)
		return
	}
	data, err := readPart(file, file.Size)
	if err != nil {
		respondError(c, err)
		return
	}

	message, created, err := h.messages.Create(c.Request.Context(), service.SendRequest{
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        c.PostForm("content"),
		IdempotencyKey: idempotencyKey(c, optional(c.PostForm("idempotency_key"))),
		WithAttachment: true,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"message": message, "created": false})
		return
	}

	job, err := pipeline.NewSingleShotJob(c.PostForm("upload_id"), message.ID, senderID, recipientID, file.Filename, mimeType, data)
	if err != nil {
		respondError(c, err)
		return
	}
	// a full queue marks the media failed; the message itself stands
	if err := h.pipeline.QueueUpload(job); err != nil {
		logger.L.Warn("Media job not queued", zap.String("messageID", message.ID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{"message": message, "created": true, "upload_id": job.UploadID()})
}

// UploadChunk accepts one multipart chunk. Chunk 0 without message_id creates the owning
// message, keyed by the upload id so a retried chunk 0 reuses it.
func (h *MediaHandler) UploadChunk(c *gin.Context) {
	senderID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	req, err := h.chunkRequest(c, senderID)
	if err != nil {
		respondError(c, err)
		return
	}

	created := false
	if req.ChunkIndex == 0 {
		// 先做分片校验，被拒绝的分片不能留下 pending 消息
		if err := h.pipeline.PrecheckChunk(req); err != nil {
			respondError(c, err)
			return
		}
		if created, err = h.attachMessage(c, &req); err != nil {
			respondError(c, err)
			return
		}
	}

	res, err := h.pipeline.UploadChunk(c.Request.Context(), req)
	if err != nil {
		if created {
			h.pipeline.AbandonMessage(req.MessageID, req.SenderID, req.RecipientID)
		}
		respondError(c, err)
		return
	}
	if res.MessageID == "" {
		res.MessageID = req.MessageID
	}
	c.JSON(http.StatusOK, res)
}

func (h *MediaHandler) chunkRequest(c *gin.Context, senderID uint) (pipeline.ChunkRequest, error) {
	req := pipeline.ChunkRequest{
		UploadID:  c.PostForm("upload_id"),
		MessageID: c.PostForm("message_id"),
		SenderID:  senderID,
		FileName:  c.PostForm("file_name"),
	}
	var err error
	if req.ChunkIndex, err = formInt(c, "chunk_index"); err != nil {
		return req, err
	}
	if req.TotalChunks, err = formInt(c, "total_chunks"); err != nil {
		return req, err
	}
	if raw := c.PostForm("total_size"); raw != "" {
		if req.TotalSize, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return req, errs.Validation("invalid total_size")
		}
	}
	if raw := c.PostForm("recipient_id"); raw != "" {
		if req.RecipientID, err = formUint(c, "recipient_id"); err != nil {
			return req, err
		}
	}

	part, err := c.FormFile("chunk")
	if err != nil {
		return req, errs.Validation("missing chunk")
	}
	req.MimeType = formMime(c, part)
	if req.FileName == "" {
		req.FileName = part.Filename
	}
	if req.Data, err = readPart(part, part.Size); err != nil {
		return req, err
	}
	return req, nil
}

// attachMessage resolves the owning message for chunk 0, creating it when the client
// did not send one. created reports whether this call inserted the row.
func (h *MediaHandler) attachMessage(c *gin.Context, req *pipeline.ChunkRequest) (bool, error) {
	ctx := c.Request.Context()
	if req.MessageID != "" {
		m, err := h.messages.Get(ctx, req.SenderID, req.MessageID)
		if err != nil {
			return false, err
		}
		if m.SenderID != req.SenderID || !m.HasAttachments {
			return false, errs.Forbidden("message %s does not accept attachments from this user", m.ID)
		}
		req.RecipientID = m.RecipientID
		return false, nil
	}

	if req.RecipientID == 0 {
		return false, errs.Validation("recipient_id is required with the first chunk")
	}
	size := req.TotalSize
	if size <= 0 {
		size = int64(len(req.Data))
	}
	// 先校验再建消息，避免留下永远 pending 的消息
	if _, err := h.validator.ValidateBeforeUpload(size, req.MimeType); err != nil {
		return false, err
	}
	key := "upload:" + req.UploadID
	m, created, err := h.messages.Create(ctx, service.SendRequest{
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Content:        c.PostForm("content"),
		IdempotencyKey: &key,
		WithAttachment: true,
	})
	if err != nil {
		return false, err
	}
	req.MessageID = m.ID
	return created, nil
}

func (h *MediaHandler) UploadProgress(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	uploadID := c.Param("upload_id")
	progress, err := h.pipeline.UploadProgress(uploadID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": uploadID, "progress": progress})
}

func (h *MediaHandler) CancelUpload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	if err := h.pipeline.CancelUpload(c.Param("upload_id"), userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ServeFile 提供本地存储的文件下载
func (h *MediaHandler) ServeFile(c *gin.Context) {
	if h.local == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	info, err := h.local.Open(c.Param("path"))
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			logger.L.Error("Failed to open file", zap.String("path", c.Param("path")), zap.Error(err))
		}
		respondError(c, err)
		return
	}
	c.Header("Content-Type", info.MimeType)
	c.Header("Content-Length", strconv.FormatInt(info.Size, 10))
	c.Header("Cache-Control", "private, max-age=86400")
	c.File(info.Path)
}

// ServeGridFS streams a file stored in GridFS.
func (h *MediaHandler) ServeGridFS(c *gin.Context) {
	if h.gridfs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	rc, mimeType, err := h.gridfs.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, -1, mimeType, rc, map[string]string{
		"Cache-Control": "private, max-age=86400",
	})
}

func formInt(c *gin.Context, key string) (int, error) {
	v, err := strconv.Atoi(c.PostForm(key))
	if err != nil {
		return 0, errs.Validation("invalid %s", key)
	}
	return v, nil
}

func formUint(c *gin.Context, key string) (uint, error) {
	v, err := strconv.ParseUint(c.PostForm(key), 10, 32)
	if err != nil || v == 0 {
		return 0, errs.Validation("invalid %s", key)
	}
	return uint(v), nil
}

// formMime prefers an explicit mime_type field over the part's Content-Type header.
func formMime(c *gin.Context, part *multipart.FileHeader) string {
	if m := c.PostForm("mime_type"); m != "" {
		return m
	}
	return part.Header.Get("Content-Type")
}

func readPart(part *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := part.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errs.Validation("upload is larger than declared")
	}
	return data, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
