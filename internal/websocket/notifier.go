package websocket

import (
	"go-dm-relay/internal/interfaces"
	"go-dm-relay/internal/metrics"
	"go-dm-relay/internal/model"
	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
)

// Notifier turns domain events into minimal push frames. Clients fetch full message
// bodies through the sync endpoints, so payloads carry ids and statuses only.
type Notifier struct {
	manager interfaces.ConnectionManager
}

var _ interfaces.Notifier = (*Notifier)(nil)

func NewNotifier(manager interfaces.ConnectionManager) *Notifier {
	return &Notifier{manager: manager}
}

func (n *Notifier) push(userID uint, event string, payload map[string]any) {
	if err := n.manager.Notify(userID, event, payload); err != nil {
		metrics.PushFailures.WithLabelValues(event).Inc()
		logger.L.Warn("Push failed",
			zap.Uint("userID", userID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// NotifyNewMessage pushes to the recipient and to the sender's other devices.
func (n *Notifier) NotifyNewMessage(senderID, recipientID uint, messageID string) {
	payload := map[string]any{
		"message_id":   messageID,
		"sender_id":    senderID,
		"recipient_id": recipientID,
	}
	n.push(recipientID, interfaces.EventNewMessage, payload)
	n.push(senderID, interfaces.EventNewMessage, payload)
}

func (n *Notifier) NotifyStatusChange(senderID uint, messageIDs []string, status model.MessageStatus) {
	if len(messageIDs) == 0 {
		return
	}
	n.push(senderID, interfaces.EventStatusChanged, map[string]any{
		"message_ids": StringList(messageIDs),
		"status":      string(status),
	})
}

func (n *Notifier) NotifyMediaStatusChange(senderID, recipientID uint, messageID string, status model.MediaStatus) {
	payload := map[string]any{
		"message_id":   messageID,
		"media_status": string(status),
	}
	n.push(senderID, interfaces.EventMediaStatusChanged, payload)
	n.push(recipientID, interfaces.EventMediaStatusChanged, payload)
}

func (n *Notifier) NotifyTyping(fromID, toID uint, typing bool) {
	n.push(toID, interfaces.EventTyping, map[string]any{
		"user_id": fromID,
		"typing":  typing,
	})
}

func (n *Notifier) NotifyMessageEdited(m *model.Message) {
	payload := map[string]any{"message_id": m.ID}
	n.push(m.RecipientID, interfaces.EventMessageEdited, payload)
	n.push(m.SenderID, interfaces.EventMessageEdited, payload)
}

func (n *Notifier) NotifyMessageDeleted(senderID, recipientID uint, messageID string) {
	payload := map[string]any{"message_id": messageID}
	n.push(recipientID, interfaces.EventMessageDeleted, payload)
	n.push(senderID, interfaces.EventMessageDeleted, payload)
}
