package repository

import (
	"context"
	"errors"
	"time"

	"go-dm-relay/internal/model"
	"go-dm-relay/pkg/errs"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// ScanQuery describes one index-friendly range scan over the messages table.
// Zero SenderID or RecipientID leaves that side unconstrained.
type ScanQuery struct {
	SenderID    uint
	RecipientID uint
	// ViewerID hides rows the viewer deleted for themselves.
	ViewerID  uint
	Cursor    *model.Cursor
	Ascending bool
	Limit     int
}

// 保存新消息
// A duplicate idempotency key surfaces as errs.ErrConflict.
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	err := r.db.WithContext(ctx).Create(message).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.Conflict("message %s already exists", message.ID)
	}
	return err
}

// 通过ID查找消息，附件一起加载
func (r *MessageRepository) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).Preload("Attachments").Where("id = ?", id).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// 通过幂等键查找消息，不存在时返回 nil, nil
func (r *MessageRepository) FindByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	var message model.Message
	// 首次发送时找不到是常态，用 Find 避免 gorm 记录 record not found
	res := r.db.WithContext(ctx).Preload("Attachments").Where("idempotency_key = ?", key).Limit(1).Find(&message)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &message, nil
}

// Scan runs q and returns at most q.Limit rows ordered by (created_at, id).
func (r *MessageRepository) Scan(ctx context.Context, q ScanQuery) ([]model.Message, error) {
	tx := r.db.WithContext(ctx).Model(&model.Message{})
	if q.SenderID != 0 {
		tx = tx.Where("sender_id = ?", q.SenderID)
	}
	if q.RecipientID != 0 {
		tx = tx.Where("recipient_id = ?", q.RecipientID)
	}
	if q.ViewerID != 0 {
		tx = tx.Where("NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)", q.ViewerID)
	}

	order := "created_at DESC, id DESC"
	if q.Ascending {
		order = "created_at ASC, id ASC"
	}
	if c := q.Cursor; c != nil {
		if q.Ascending {
			tx = tx.Where("(created_at > ? OR (created_at = ? AND id > ?))", c.CreatedAt, c.CreatedAt, c.ID)
		} else {
			tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt, c.CreatedAt, c.ID)
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var messages []model.Message
	err := tx.Order(order).Preload("Attachments").Find(&messages).Error
	return messages, err
}

// AdvanceStatus moves the recipient's matching messages forward to target in one
// conditional UPDATE and returns the rows that actually changed. Exactly one of ids or
// senderID selects the rows; messages already at or beyond target are left alone.
func (r *MessageRepository) AdvanceStatus(ctx context.Context, recipientID uint, ids []string, senderID uint, target model.MessageStatus) ([]model.Message, error) {
	below := target.Below()
	if len(below) == 0 {
		return nil, nil
	}

	var changed []model.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.Message{}).
			Select("id", "sender_id", "recipient_id", "status", "created_at").
			Where("recipient_id = ? AND status IN ?", recipientID, below)
		if len(ids) > 0 {
			q = q.Where("id IN ?", ids)
		} else {
			q = q.Where("sender_id = ?", senderID)
		}
		if err := q.Find(&changed).Error; err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}

		affected := make([]string, len(changed))
		for i := range changed {
			affected[i] = changed[i].ID
		}
		// 单条语句完成 sent→delivered / {sent,delivered}→read，不会降级
		err := tx.Model(&model.Message{}).
			Where("id IN ? AND recipient_id = ?", affected, recipientID).
			Updates(map[string]any{
				"status":     gorm.Expr("CASE WHEN status IN ? THEN ? ELSE status END", below, target),
				"updated_at": tx.NowFunc(),
			}).Error
		if err != nil {
			return err
		}
		for i := range changed {
			changed[i].Status = target
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// MarkMediaPending flags the message as waiting on the slow path. A completed message is not reset.
func (r *MessageRepository) MarkMediaPending(ctx context.Context, messageID string) error {
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND (media_status IS NULL OR media_status <> ?)", messageID, model.MediaCompleted).
		Updates(map[string]any{
			"has_attachments": true,
			"media_status":    model.MediaPending,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.exists(ctx, messageID)
	}
	return nil
}

// CompleteMedia stores the attachment and flips the message to completed in one transaction.
func (r *MessageRepository) CompleteMedia(ctx context.Context, messageID string, attachment *model.Attachment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Message{}).
			Where("id = ?", messageID).
			Updates(map[string]any{
				"has_attachments": true,
				"media_status":    model.MediaCompleted,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrMessageNotFound
		}
		attachment.MessageID = messageID
		return tx.Create(attachment).Error
	})
}

// FailMedia records a slow-path failure. It never touches anything but the media fields.
func (r *MessageRepository) FailMedia(ctx context.Context, messageID string) error {
	return r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND (media_status IS NULL OR media_status = ?)", messageID, model.MediaPending).
		Updates(map[string]any{
			"has_attachments": true,
			"media_status":    model.MediaFailed,
		}).Error
}

// 统计某个发送者发给接收者的未读消息数
func (r *MessageRepository) CountUnread(ctx context.Context, recipientID, senderID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("recipient_id = ? AND sender_id = ? AND status <> ?", recipientID, senderID, model.StatusRead).
		Count(&n).Error
	return n, err
}

type senderCount struct {
	SenderID uint
	Count    int64
}

// 按发送者分组统计未读消息
func (r *MessageRepository) CountUnreadBySender(ctx context.Context, recipientID uint) (map[uint]int64, error) {
	var rows []senderCount
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Select("sender_id, COUNT(*) AS count").
		Where("recipient_id = ? AND status <> ?", recipientID, model.StatusRead).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int64, len(rows))
	for _, row := range rows {
		out[row.SenderID] = row.Count
	}
	return out, nil
}

// 有未读消息的会话数量
func (r *MessageRepository) CountUnreadConversations(ctx context.Context, recipientID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("recipient_id = ? AND status <> ?", recipientID, model.StatusRead).
		Distinct("sender_id").
		Count(&n).Error
	return n, err
}

// 编辑消息内容
func (r *MessageRepository) UpdateContent(ctx context.Context, messageID, content string, editedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"content":   content,
			"is_edited": true,
			"edited_at": editedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrMessageNotFound
	}
	return nil
}

// 仅对某个用户隐藏消息，重复调用无副作用
func (r *MessageRepository) HideForUser(ctx context.Context, messageID string, userID uint) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.MessageDeletion{MessageID: messageID, UserID: userID}).Error
}

// 彻底删除消息及其附件
func (r *MessageRepository) DeleteHard(ctx context.Context, messageID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Delete(&model.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", messageID).Delete(&model.MessageDeletion{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", messageID).Delete(&model.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrMessageNotFound
		}
		return nil
	})
}

func (r *MessageRepository) exists(ctx context.Context, messageID string) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", messageID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrMessageNotFound
	}
	return nil
}
