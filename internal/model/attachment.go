package model

import (
	"time"

	"gorm.io/datatypes"
)

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentDocument AttachmentType = "document"
	AttachmentLink     AttachmentType = "link"
	AttachmentContact  AttachmentType = "contact"
)

// Attachment is created only after the media pipeline has stored the bytes.
type Attachment struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	MessageID    string         `gorm:"type:varchar(36);not null;index" json:"message_id"`
	Type         AttachmentType `gorm:"type:varchar(16);not null" json:"type"`
	FileName     string         `gorm:"type:varchar(255)" json:"file_name"`
	FileURL      string         `gorm:"type:varchar(1024)" json:"file_url"`
	FileSize     int64          `json:"file_size"`
	MimeType     string         `gorm:"type:varchar(128)" json:"mime_type"`
	ThumbnailURL *string        `gorm:"type:varchar(1024)" json:"thumbnail_url,omitempty"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"precision:6" json:"created_at"`
}

func (Attachment) TableName() string {
	return "message_attachments"
}
