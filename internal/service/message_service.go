package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go-dm-relay/internal/cache"
	"go-dm-relay/internal/interfaces"
	"go-dm-relay/internal/metrics"
	"go-dm-relay/internal/model"
	"go-dm-relay/internal/repository"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/errs"
	"go-dm-relay/pkg/logger"
	"go-dm-relay/pkg/utils"

	"go.uber.org/zap"
)

const maxIdempotencyKeyLength = 128

// MessageService owns the fast path: validation, idempotent creation, presence-derived
// initial status and forward-only status transitions. It never touches media storage.
type MessageService struct {
	messages *repository.MessageRepository
	users    interfaces.UserDirectory
	cache    cache.Store
	notifier interfaces.Notifier
	tasks    *utils.TaskGroup
	cfg      config.MessageConfig
	now      func() time.Time
}

func NewMessageService(
	messages *repository.MessageRepository,
	users interfaces.UserDirectory,
	store cache.Store,
	notifier interfaces.Notifier,
	tasks *utils.TaskGroup,
	cfg config.MessageConfig,
) *MessageService {
	if store == nil {
		store = cache.Disabled{}
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 4096
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = 50 * time.Millisecond
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 2 * time.Second
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 15 * time.Minute
	}
	if cfg.DeleteWindow <= 0 {
		cfg.DeleteWindow = time.Hour
	}
	if cfg.UnreadSettleDelay <= 0 {
		cfg.UnreadSettleDelay = 500 * time.Millisecond
	}
	return &MessageService{
		messages: messages,
		users:    users,
		cache:    store,
		notifier: notifier,
		tasks:    tasks,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

type SendRequest struct {
	SenderID       uint
	RecipientID    uint
	Content        string
	ReplyToID      *string
	IdempotencyKey *string
	// WithAttachment creates the row as pending so the media pipeline can attach to it.
	WithAttachment bool
}

// Create durably records a message and returns it. created is false when the
// idempotency key matched an earlier send and that row is returned instead.
func (s *MessageService) Create(ctx context.Context, req SendRequest) (*model.Message, bool, error) {
	if err := s.validateSend(&req); err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != nil {
		existing, err := s.findByKey(ctx, req.SenderID, *req.IdempotencyKey)
		if err != nil || existing != nil {
			return existing, false, err
		}
	}

	if err := s.checkRecipient(ctx, req.RecipientID); err != nil {
		return nil, false, err
	}
	if err := s.checkReplyTarget(ctx, req); err != nil {
		return nil, false, err
	}

	message := &model.Message{
		ID:               model.NewID(),
		SenderID:         req.SenderID,
		RecipientID:      req.RecipientID,
		Content:          req.Content,
		Status:           s.initialStatus(ctx, req.RecipientID),
		CreatedAt:        s.now(),
		ReplyToMessageID: req.ReplyToID,
		IdempotencyKey:   req.IdempotencyKey,
	}
	if req.WithAttachment {
		pending := model.MediaPending
		message.HasAttachments = true
		message.MediaStatus = &pending
	}
	return s.insert(ctx, message)
}

func (s *MessageService) validateSend(req *SendRequest) error {
	if req.SenderID == 0 || req.RecipientID == 0 {
		return errs.Validation("sender and recipient are required")
	}
	if req.SenderID == req.RecipientID {
		return errs.Validation("cannot send a message to yourself")
	}
	if err := s.validateContent(req.Content, req.WithAttachment); err != nil {
		return err
	}
	if req.IdempotencyKey != nil {
		key := strings.TrimSpace(*req.IdempotencyKey)
		switch {
		case key == "":
			req.IdempotencyKey = nil
		case len(key) > maxIdempotencyKeyLength:
			return errs.Validation("idempotency key longer than %d bytes", maxIdempotencyKeyLength)
		default:
			req.IdempotencyKey = &key
		}
	}
	if req.ReplyToID != nil && *req.ReplyToID == "" {
		req.ReplyToID = nil
	}
	return nil
}

func (s *MessageService) validateContent(content string, withAttachment bool) error {
	if strings.TrimSpace(content) == "" && !withAttachment {
		return errs.Validation("message content is empty")
	}
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxContentLength {
		return errs.Validation("message content is %d characters, limit is %d", n, s.cfg.MaxContentLength)
	}
	return nil
}

// findByKey resolves a retried send. A key reused by a different sender is a conflict.
func (s *MessageService) findByKey(ctx context.Context, senderID uint, key string) (*model.Message, error) {
	existing, err := s.messages.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.SenderID != senderID {
		return nil, errs.Conflict("idempotency key already used")
	}
	logger.L.Debug("Idempotent replay", zap.String("messageID", existing.ID), zap.Uint("senderID", senderID))
	return existing, nil
}

func (s *MessageService) checkRecipient(ctx context.Context, recipientID uint) error {
	ok, err := s.users.Exists(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("failed to look up recipient: %w", err)
	}
	if !ok {
		return errs.ErrRecipientNotFound
	}
	return nil
}

func (s *MessageService) checkReplyTarget(ctx context.Context, req SendRequest) error {
	if req.ReplyToID == nil {
		return nil
	}
	target, err := s.messages.FindByID(ctx, *req.ReplyToID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.Validation("reply target %s does not exist", *req.ReplyToID)
		}
		return err
	}
	if !target.Participant(req.SenderID) || !target.Participant(req.RecipientID) {
		return errs.Validation("reply target belongs to another conversation")
	}
	return nil
}

// initialStatus is delivered when the recipient is online right now. Any cache trouble
// means offline; presence never blocks or fails a send.
func (s *MessageService) initialStatus(ctx context.Context, recipientID uint) model.MessageStatus {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PresenceTimeout)
	defer cancel()

	online, err := s.cache.IsOnline(ctx, recipientID)
	if err != nil {
		metrics.CacheFallbacks.WithLabelValues("presence").Inc()
		logger.L.Debug("Presence lookup failed, assuming offline", zap.Uint("recipientID", recipientID), zap.Error(err))
		return model.StatusSent
	}
	if online {
		return model.StatusDelivered
	}
	return model.StatusSent
}

func (s *MessageService) insert(ctx context.Context, message *model.Message) (*model.Message, bool, error) {
	insertCtx, cancel := context.WithTimeout(ctx, s.cfg.InsertTimeout)
	defer cancel()

	if err := s.messages.Create(insertCtx, message); err != nil {
		if errors.Is(err, errs.ErrConflict) && message.IdempotencyKey != nil {
			// 并发重试：另一个请求先插入了同一个幂等键
			winner, ferr := s.findByKey(ctx, message.SenderID, *message.IdempotencyKey)
			if ferr != nil {
				return nil, false, ferr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		logger.L.Error("Error saving message to DB", zap.Uint("senderID", message.SenderID), zap.Error(err))
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}

	metrics.MessagesCreated.WithLabelValues(string(message.Status)).Inc()
	logger.L.Debug("Message saved to DB",
		zap.String("messageID", message.ID),
		zap.String("status", string(message.Status)))

	senderID, recipientID, id := message.SenderID, message.RecipientID, message.ID
	s.tasks.Go("unread.increment", func(ctx context.Context) error {
		return s.cache.IncrementUnread(ctx, recipientID, senderID)
	})
	s.tasks.Go("notify.new_message", func(context.Context) error {
		s.notifier.NotifyNewMessage(senderID, recipientID, id)
		return nil
	})
	return message, true, nil
}

func (s *MessageService) Get(ctx context.Context, userID uint, messageID string) (*model.Message, error) {
	m, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !m.Participant(userID) {
		return nil, errs.ErrMessageNotFound
	}
	return m, nil
}

// MarkDelivered moves the recipient's sent messages to delivered and returns the ids that changed.
func (s *MessageService) MarkDelivered(ctx context.Context, recipientID uint, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	changed, err := s.messages.AdvanceStatus(ctx, recipientID, ids, 0, model.StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("failed to mark delivered: %w", err)
	}
	s.notifyStatus(changed, model.StatusDelivered)
	return messageIDs(changed), nil
}

// MarkRead moves the given messages to read. Counters for the affected senders are
// recomputed from the store because only part of a conversation may have been read.
func (s *MessageService) MarkRead(ctx context.Context, recipientID uint, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	changed, err := s.messages.AdvanceStatus(ctx, recipientID, ids, 0, model.StatusRead)
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	for senderID := range groupBySender(changed) {
		s.refreshUnread(ctx, recipientID, senderID)
	}
	s.notifyStatus(changed, model.StatusRead)
	return messageIDs(changed), nil
}

// MarkConversationRead marks everything peerID sent to readerID as read in one statement.
func (s *MessageService) MarkConversationRead(ctx context.Context, readerID, peerID uint) ([]string, error) {
	if readerID == 0 || peerID == 0 || readerID == peerID {
		return nil, errs.Validation("invalid conversation")
	}
	changed, err := s.messages.AdvanceStatus(ctx, readerID, nil, peerID, model.StatusRead)
	if err != nil {
		return nil, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	if err := s.cache.ResetUnread(ctx, readerID, peerID); err != nil {
		metrics.CacheFallbacks.WithLabelValues("reset_unread").Inc()
		logger.L.Warn("Failed to reset unread counter", zap.Uint("readerID", readerID), zap.Uint("peerID", peerID), zap.Error(err))
	}
	// an increment queued before the read can land after the reset
	s.tasks.After("unread.settle", s.cfg.UnreadSettleDelay, func(ctx context.Context) error {
		s.refreshUnread(ctx, readerID, peerID)
		return nil
	})
	s.notifyStatus(changed, model.StatusRead)
	return messageIDs(changed), nil
}

func (s *MessageService) refreshUnread(ctx context.Context, recipientID, senderID uint) {
	n, err := s.messages.CountUnread(ctx, recipientID, senderID)
	if err != nil {
		logger.L.Warn("Failed to recount unread", zap.Uint("recipientID", recipientID), zap.Error(err))
		return
	}
	if err := s.cache.SetUnread(ctx, recipientID, senderID, n); err != nil {
		metrics.CacheFallbacks.WithLabelValues("set_unread").Inc()
	}
}

func (s *MessageService) notifyStatus(changed []model.Message, status model.MessageStatus) {
	for senderID, ids := range groupBySender(changed) {
		senderID, ids := senderID, ids
		s.tasks.Go("notify.status_changed", func(context.Context) error {
			s.notifier.NotifyStatusChange(senderID, ids, status)
			return nil
		})
	}
}

// Edit replaces the content of the caller's own message within the edit window.
func (s *MessageService) Edit(ctx context.Context, userID uint, messageID, content string) (*model.Message, error) {
	m, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, errs.Forbidden("only the sender can edit a message")
	}
	if s.now().Sub(m.CreatedAt) > s.cfg.EditWindow {
		return nil, errs.ErrWindowExpired
	}
	if err := s.validateContent(content, m.HasAttachments); err != nil {
		return nil, err
	}

	editedAt := s.now()
	if err := s.messages.UpdateContent(ctx, messageID, content, editedAt); err != nil {
		return nil, err
	}
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &editedAt

	edited := *m
	s.tasks.Go("notify.message_edited", func(context.Context) error {
		s.notifier.NotifyMessageEdited(&edited)
		return nil
	})
	return m, nil
}

// DeleteForMe hides a message from the caller only.
func (s *MessageService) DeleteForMe(ctx context.Context, userID uint, messageID string) error {
	m, err := s.Get(ctx, userID, messageID)
	if err != nil {
		return err
	}
	return s.messages.HideForUser(ctx, m.ID, userID)
}

// DeleteForEveryone removes the caller's own message and its attachments within the delete window.
func (s *MessageService) DeleteForEveryone(ctx context.Context, userID uint, messageID string) error {
	m, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != userID {
		return errs.Forbidden("only the sender can delete a message for everyone")
	}
	if s.now().Sub(m.CreatedAt) > s.cfg.DeleteWindow {
		return errs.ErrWindowExpired
	}
	if err := s.messages.DeleteHard(ctx, messageID); err != nil {
		return err
	}
	if m.Status != model.StatusRead {
		s.refreshUnread(ctx, m.RecipientID, m.SenderID)
	}
	s.tasks.Go("notify.message_deleted", func(context.Context) error {
		s.notifier.NotifyMessageDeleted(m.SenderID, m.RecipientID, m.ID)
		return nil
	})
	return nil
}

// Forward copies a message the caller can see, with its completed attachments, to recipientID.
func (s *MessageService) Forward(ctx context.Context, userID uint, messageID string, recipientID uint, idempotencyKey *string) (*model.Message, bool, error) {
	original, err := s.Get(ctx, userID, messageID)
	if err != nil {
		return nil, false, err
	}

	var attachments []model.Attachment
	if original.MediaStatus != nil && *original.MediaStatus == model.MediaCompleted {
		for _, a := range original.Attachments {
			a.ID = model.NewID()
			a.MessageID = ""
			a.CreatedAt = time.Time{}
			attachments = append(attachments, a)
		}
	}

	req := SendRequest{
		SenderID:       userID,
		RecipientID:    recipientID,
		Content:        original.Content,
		IdempotencyKey: idempotencyKey,
		WithAttachment: len(attachments) > 0,
	}
	if err := s.validateSend(&req); err != nil {
		return nil, false, err
	}
	if req.IdempotencyKey != nil {
		existing, err := s.findByKey(ctx, userID, *req.IdempotencyKey)
		if err != nil || existing != nil {
			return existing, false, err
		}
	}
	if err := s.checkRecipient(ctx, recipientID); err != nil {
		return nil, false, err
	}

	message := &model.Message{
		ID:             model.NewID(),
		SenderID:       userID,
		RecipientID:    recipientID,
		Content:        original.Content,
		Status:         s.initialStatus(ctx, recipientID),
		CreatedAt:      s.now(),
		IdempotencyKey: req.IdempotencyKey,
		IsForwarded:    true,
		Attachments:    attachments,
	}
	if len(attachments) > 0 {
		completed := model.MediaCompleted
		message.HasAttachments = true
		message.MediaStatus = &completed
	}
	return s.insert(ctx, message)
}

// UnreadCount reads the cached counter and falls back to the store on a miss or
// error. A miss also schedules a reconcile so the next read is served from cache.
func (s *MessageService) UnreadCount(ctx context.Context, recipientID, senderID uint) (int64, error) {
	n, found, err := s.cache.GetUnread(ctx, recipientID, senderID)
	if err == nil && found {
		return n, nil
	}
	s.cacheMiss("unread", recipientID, err)
	return s.messages.CountUnread(ctx, recipientID, senderID)
}

// UnreadSummary returns sender -> unread count for every conversation with unread messages.
func (s *MessageService) UnreadSummary(ctx context.Context, recipientID uint) (map[uint]int64, error) {
	counts, found, err := s.cache.GetAllUnreadForRecipient(ctx, recipientID)
	if err == nil && found {
		return counts, nil
	}
	s.cacheMiss("unread_summary", recipientID, err)
	return s.messages.CountUnreadBySender(ctx, recipientID)
}

// UnreadConversations counts distinct senders with unread messages.
func (s *MessageService) UnreadConversations(ctx context.Context, recipientID uint) (int64, error) {
	counts, found, err := s.cache.GetAllUnreadForRecipient(ctx, recipientID)
	if err == nil && found {
		var n int64
		for _, c := range counts {
			if c > 0 {
				n++
			}
		}
		return n, nil
	}
	s.cacheMiss("unread_conversations", recipientID, err)
	return s.messages.CountUnreadConversations(ctx, recipientID)
}

func (s *MessageService) cacheMiss(op string, recipientID uint, err error) {
	metrics.CacheFallbacks.WithLabelValues(op).Inc()
	if err != nil {
		// cache is down; a reconcile would fail too
		return
	}
	s.tasks.Go("unread.reconcile", func(ctx context.Context) error {
		return s.ReconcileUnread(ctx, recipientID)
	})
}

// ReconcileUnread overwrites the cached counters with store-computed values.
func (s *MessageService) ReconcileUnread(ctx context.Context, recipientID uint) error {
	counts, err := s.messages.CountUnreadBySender(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("failed to count unread: %w", err)
	}
	return s.cache.ReplaceUnread(ctx, recipientID, counts)
}

// IsOnline is the presence flag as the cache sees it; unknown means offline.
func (s *MessageService) IsOnline(ctx context.Context, userID uint) bool {
	online, err := s.cache.IsOnline(ctx, userID)
	if err != nil {
		metrics.CacheFallbacks.WithLabelValues("presence").Inc()
		return false
	}
	return online
}

func (s *MessageService) IsTyping(ctx context.Context, fromID, toID uint) bool {
	typing, err := s.cache.GetTyping(ctx, fromID, toID)
	if err != nil {
		metrics.CacheFallbacks.WithLabelValues("typing").Inc()
		return false
	}
	return typing
}

func messageIDs(messages []model.Message) []string {
	out := make([]string, len(messages))
	for i := range messages {
		out[i] = messages[i].ID
	}
	return out
}

func groupBySender(messages []model.Message) map[uint][]string {
	out := make(map[uint][]string)
	for _, m := range messages {
		out[m.SenderID] = append(out[m.SenderID], m.ID)
	}
	return out
}
