package interfaces

import (
	"context"

	"go-dm-relay/internal/model"
)

type Client interface {
	GetUserID() uint
	QueueBytes(data []byte) error
	Close()
}

// 定义了处理客户端上行帧的接口
// service.MessageService实现
type FrameHandler interface {
	HandleFrame(userID uint, event string, payload map[string]any)
}

// 定义了处理连接事件的方法
// service.MessageService实现
type ConnectionEventHandler interface {
	HandleUserConnected(userID uint)
	HandleUserDisconnected(userID uint)
}

type ConnectionManager interface {
	Register(client Client)
	Unregister(client Client)
	IsClientConnected(userID uint) bool
	// Notify pushes one event to every live connection of userID.
	Notify(userID uint, event string, payload map[string]any) error
	SetEventHandler(handler ConnectionEventHandler)
}

// Notifier is the fan-out surface used by the message service and the media pipeline.
// Every method is best-effort: a failed push to one party never blocks the other.
type Notifier interface {
	NotifyNewMessage(senderID, recipientID uint, messageID string)
	NotifyStatusChange(senderID uint, messageIDs []string, status model.MessageStatus)
	NotifyMediaStatusChange(senderID, recipientID uint, messageID string, status model.MediaStatus)
	NotifyTyping(fromID, toID uint, typing bool)
	NotifyMessageEdited(m *model.Message)
	NotifyMessageDeleted(senderID, recipientID uint, messageID string)
}

// UserDirectory is the slice of the identity service the core needs.
type UserDirectory interface {
	Exists(ctx context.Context, userID uint) (bool, error)
}

// 推送与上行帧的事件名
const (
	EventNewMessage         = "new_message"
	EventStatusChanged      = "status_changed"
	EventMediaStatusChanged = "media_status_changed"
	EventTyping             = "typing"
	EventMessageEdited      = "message_edited"
	EventMessageDeleted     = "message_deleted"

	// client -> server only
	EventDelivered = "delivered"
	EventRead      = "read"
	EventHeartbeat = "heartbeat"
)
