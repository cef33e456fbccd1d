package pipeline

import (
	"context"
	"time"

	"go-dm-relay/internal/metrics"
	"go-dm-relay/pkg/errs"
	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
)

type ChunkRequest struct {
	UploadID    string
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	// MessageID is required with chunk 0; later chunks inherit it from the session.
	MessageID   string
	SenderID    uint
	RecipientID uint
	FileName    string
	MimeType    string
	// TotalSize is the client's declared size, checked before any chunk is kept.
	TotalSize int64
}

type ChunkResult struct {
	UploadID  string `json:"upload_id"`
	MessageID string `json:"message_id,omitempty"`
	Progress  int    `json:"progress"`
	Complete  bool   `json:"complete"`
}

func (p *Pipeline) validateChunk(req ChunkRequest) error {
	if err := p.validateShape(req); err != nil {
		return err
	}
	if req.ChunkIndex == 0 && req.MessageID == "" {
		return errs.Validation("chunk 0 must reference its message")
	}
	return nil
}

// validateShape checks everything about a chunk except its owning message.
func (p *Pipeline) validateShape(req ChunkRequest) error {
	switch {
	case req.UploadID == "":
		return errs.Validation("upload_id is required")
	case req.TotalChunks <= 0 || req.TotalChunks > p.cfg.MaxChunks:
		return errs.Validation("total_chunks must be between 1 and %d", p.cfg.MaxChunks)
	case req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks:
		return errs.Validation("chunk_index %d out of range", req.ChunkIndex)
	case len(req.Data) == 0:
		return errs.Validation("chunk is empty")
	case int64(len(req.Data)) > p.cfg.MaxChunkBytes:
		return errs.Validation("chunk is %d bytes, limit is %d", len(req.Data), p.cfg.MaxChunkBytes)
	case req.SenderID == 0:
		return errs.Validation("sender is required")
	}
	return nil
}

// UploadChunk stores one chunk. Replaying an index overwrites that slot. When the last
// missing chunk arrives the payload is reassembled in index order and queued, exactly once.
func (p *Pipeline) UploadChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	if err := p.validateChunk(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var initErr error
	s, tomb, created, dead := p.sessions.getOrCreate(req.UploadID, func() *session {
		s := &session{
			uploadID:    req.UploadID,
			ownerID:     req.SenderID,
			recipientID: req.RecipientID,
			fileName:    req.FileName,
			mimeType:    req.MimeType,
			chunks:      make([][]byte, req.TotalChunks),
		}
		size := req.TotalSize
		if size <= 0 {
			size = int64(len(req.Data))
		}
		kind, err := p.validator.ValidateBeforeUpload(size, req.MimeType)
		if err != nil {
			initErr = err
			s.closed = true
			return s
		}
		s.limit = p.validator.Limits().MaxBytes(kind)
		return s
	})
	if dead {
		return p.afterClose(req, tomb)
	}
	if initErr != nil {
		p.sessions.drop(req.UploadID, s)
		return nil, initErr
	}
	if created {
		logger.L.Debug("Upload session opened",
			zap.String("uploadID", req.UploadID),
			zap.Int("totalChunks", req.TotalChunks))
	}

	s.mu.Lock()
	if s.ownerID != req.SenderID {
		s.mu.Unlock()
		return nil, errs.Forbidden("upload belongs to another user")
	}
	if s.closed {
		s.mu.Unlock()
		if _, t, _, dead := p.sessions.get(req.UploadID); dead {
			return p.afterClose(req, t)
		}
		return nil, errs.ErrUploadNotFound
	}
	if len(s.chunks) != req.TotalChunks {
		s.mu.Unlock()
		return nil, errs.Validation("total_chunks changed from %d to %d", len(s.chunks), req.TotalChunks)
	}
	if req.ChunkIndex == 0 {
		s.messageID = req.MessageID
		if req.RecipientID != 0 {
			s.recipientID = req.RecipientID
		}
	}

	// 累计大小超过该类型上限：整个上传作废
	if size := s.put(req.ChunkIndex, req.Data); size > s.limit {
		s.closed = true
		messageID, recipientID := s.messageID, s.recipientID
		s.mu.Unlock()
		p.sessions.bury(req.UploadID, stateFailed, req.SenderID)
		p.failUpload(messageID, req.SenderID, recipientID)
		return nil, errs.Validation("upload exceeds %d bytes", s.limit)
	}
	s.touched = p.now()

	res := &ChunkResult{UploadID: req.UploadID, MessageID: s.messageID, Progress: s.progress()}
	if !s.complete() {
		s.mu.Unlock()
		return res, nil
	}

	s.closed = true
	job, err := newChunkedJob(s, s.assemble())
	recipientID := s.recipientID
	s.chunks = nil
	s.mu.Unlock()

	if err != nil {
		p.sessions.bury(req.UploadID, stateFailed, req.SenderID)
		p.failUpload(res.MessageID, req.SenderID, recipientID)
		return nil, err
	}
	p.sessions.bury(req.UploadID, stateQueued, req.SenderID)
	res.Complete = true
	res.Progress = 100

	if err := p.QueueUpload(job); err != nil {
		// the message is marked failed by QueueUpload; the chunk itself was accepted
		logger.L.Warn("Reassembled upload not queued", zap.String("uploadID", req.UploadID), zap.Error(err))
	}
	return res, nil
}

// PrecheckChunk reports the error UploadChunk would return for req before any message
// exists for it: a malformed chunk, a finished or cancelled upload, another user's session.
// It changes no state.
func (p *Pipeline) PrecheckChunk(req ChunkRequest) error {
	if err := p.validateShape(req); err != nil {
		return err
	}
	s, tomb, live, dead := p.sessions.get(req.UploadID)
	switch {
	case dead:
		_, err := p.afterClose(req, tomb)
		return err
	case live:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ownerID != req.SenderID {
			return errs.Forbidden("upload belongs to another user")
		}
		if !s.closed && len(s.chunks) != req.TotalChunks {
			return errs.Validation("total_chunks changed from %d to %d", len(s.chunks), req.TotalChunks)
		}
	}
	return nil
}

// AbandonMessage marks a message failed when its first chunk was rejected after the
// message had been created for it.
func (p *Pipeline) AbandonMessage(messageID string, senderID, recipientID uint) {
	p.failUpload(messageID, senderID, recipientID)
}

// afterClose answers a chunk for an upload that already finished.
func (p *Pipeline) afterClose(req ChunkRequest, t tombstone) (*ChunkResult, error) {
	if t.ownerID != req.SenderID {
		return nil, errs.Forbidden("upload belongs to another user")
	}
	switch t.state {
	case stateQueued:
		return &ChunkResult{UploadID: req.UploadID, Progress: 100, Complete: true}, nil
	case stateCancelled:
		return nil, ErrUploadCancelled
	default:
		return nil, errs.Validation("upload %s failed", req.UploadID)
	}
}

// CancelUpload discards partial chunks and flags the upload so a queued job is skipped
// before any expensive work. Work already past that check runs to completion.
func (p *Pipeline) CancelUpload(uploadID string, userID uint) error {
	s, tomb, live, dead := p.sessions.get(uploadID)
	switch {
	case live:
		s.mu.Lock()
		if s.ownerID != userID {
			s.mu.Unlock()
			return errs.Forbidden("upload belongs to another user")
		}
		wasOpen := !s.closed
		s.closed = true
		s.chunks = nil
		messageID, recipientID := s.messageID, s.recipientID
		s.mu.Unlock()

		p.sessions.bury(uploadID, stateCancelled, userID)
		if wasOpen {
			p.failUpload(messageID, userID, recipientID)
		}
	case dead:
		if tomb.ownerID != userID {
			return errs.Forbidden("upload belongs to another user")
		}
		if tomb.state == stateQueued {
			p.sessions.bury(uploadID, stateCancelled, userID)
		}
	default:
		return errs.ErrUploadNotFound
	}
	logger.L.Info("Upload cancelled", zap.String("uploadID", uploadID), zap.Uint("userID", userID))
	return nil
}

// UploadProgress returns the received percentage of userID's upload. Uploads handed to a
// worker report 100; cancelled, failed and evicted ones, and other users' uploads, are not found.
func (p *Pipeline) UploadProgress(uploadID string, userID uint) (int, error) {
	s, tomb, live, dead := p.sessions.get(uploadID)
	if live {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ownerID != userID {
			return 0, errs.ErrUploadNotFound
		}
		return s.progress(), nil
	}
	if dead && tomb.state == stateQueued && tomb.ownerID == userID {
		return 100, nil
	}
	return 0, errs.ErrUploadNotFound
}

// failUpload marks a message failed off the caller's goroutine.
func (p *Pipeline) failUpload(messageID string, senderID, recipientID uint) {
	if messageID == "" {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	metrics.MediaJobs.WithLabelValues("failed").Inc()
	p.detach(func() { p.failMessage(messageID, senderID, recipientID) })
}

func (p *Pipeline) sweepLoop() {
	defer p.aux.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep evicts sessions idle past the timeout and marks their messages failed.
func (p *Pipeline) Sweep() int {
	cutoff := p.now().Add(-p.cfg.SessionIdleTimeout)
	evicted := 0
	for _, s := range p.sessions.expire(cutoff) {
		s.mu.Lock()
		if s.closed || !s.touched.Before(cutoff) {
			s.mu.Unlock()
			continue
		}
		s.closed = true
		s.chunks = nil
		uploadID, ownerID, messageID, recipientID := s.uploadID, s.ownerID, s.messageID, s.recipientID
		s.mu.Unlock()

		p.sessions.bury(uploadID, stateFailed, ownerID)
		p.failUpload(messageID, ownerID, recipientID)
		evicted++
		logger.L.Info("Evicted idle upload session", zap.String("uploadID", uploadID))
	}
	return evicted
}

// ActiveSessions reports uploads still receiving chunks.
func (p *Pipeline) ActiveSessions() int {
	return p.sessions.len()
}
