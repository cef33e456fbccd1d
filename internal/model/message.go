package model

import (
	"time"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses; a message only ever moves to a higher rank.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool { return s.Rank() > 0 }

// Below lists the statuses a transition to s may overwrite.
func (s MessageStatus) Below() []MessageStatus {
	var out []MessageStatus
	for _, c := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		if c.Rank() < s.Rank() {
			out = append(out, c)
		}
	}
	return out
}

type MediaStatus string

const (
	MediaPending   MediaStatus = "pending"
	MediaCompleted MediaStatus = "completed"
	MediaFailed    MediaStatus = "failed"
)

// Message is one unit of conversation content between two users.
// MediaStatus is non-nil exactly when HasAttachments is true.
type Message struct {
	ID               string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SenderID         uint          `gorm:"not null;index:idx_messages_pair,priority:1" json:"sender_id"`
	RecipientID      uint          `gorm:"not null;index:idx_messages_pair,priority:2;index:idx_messages_recipient_status,priority:1" json:"recipient_id"`
	Content          string        `gorm:"type:text" json:"content"`
	Status           MessageStatus `gorm:"type:varchar(16);not null;default:'sent';index:idx_messages_recipient_status,priority:2" json:"status"`
	CreatedAt        time.Time     `gorm:"not null;precision:6;index:idx_messages_pair,priority:3" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"precision:6" json:"updated_at"`
	ReplyToMessageID *string       `gorm:"type:varchar(36)" json:"reply_to_message_id,omitempty"`
	IdempotencyKey   *string       `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	HasAttachments   bool          `gorm:"not null;default:false" json:"has_attachments"`
	MediaStatus      *MediaStatus  `gorm:"type:varchar(16)" json:"media_status"`
	IsForwarded      bool          `gorm:"not null;default:false" json:"is_forwarded"`
	IsEdited         bool          `gorm:"not null;default:false" json:"is_edited"`
	EditedAt         *time.Time    `gorm:"precision:6" json:"edited_at,omitempty"`

	Attachments []Attachment `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"attachments,omitempty"`
}

// Participant reports whether userID is the sender or the recipient.
func (m *Message) Participant(userID uint) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Peer returns the other side of the conversation as seen by userID.
func (m *Message) Peer(userID uint) uint {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// MessageDeletion hides a message from one viewer without touching the row.
type MessageDeletion struct {
	MessageID string    `gorm:"primaryKey;type:varchar(36)"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"precision:6"`
}
