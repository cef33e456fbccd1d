package service

import (
	"context"
	"time"

	"go-dm-relay/internal/interfaces"
	"go-dm-relay/internal/metrics"
	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
)

const eventTimeout = 2 * time.Second

var (
	_ interfaces.ConnectionEventHandler = (*MessageService)(nil)
	_ interfaces.FrameHandler           = (*MessageService)(nil)
)

// HandleUserConnected runs when a user's first connection registers. Presence only
// affects sends made from now on; existing messages keep their status.
func (s *MessageService) HandleUserConnected(userID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	if err := s.cache.SetPresence(ctx, userID, true); err != nil {
		metrics.CacheFallbacks.WithLabelValues("set_presence").Inc()
		logger.L.Warn("Failed to mark user online", zap.Uint("userID", userID), zap.Error(err))
		return
	}
	if err := s.ReconcileUnread(ctx, userID); err != nil {
		logger.L.Warn("Failed to reconcile unread counters", zap.Uint("userID", userID), zap.Error(err))
	}
}

func (s *MessageService) HandleUserDisconnected(userID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	if err := s.cache.SetPresence(ctx, userID, false); err != nil {
		metrics.CacheFallbacks.WithLabelValues("set_presence").Inc()
		logger.L.Warn("Failed to mark user offline", zap.Uint("userID", userID), zap.Error(err))
	}
}

// HandleFrame 处理客户端上行帧
func (s *MessageService) HandleFrame(userID uint, event string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch event {
	case interfaces.EventHeartbeat:
		if err := s.cache.SetPresence(ctx, userID, true); err != nil {
			metrics.CacheFallbacks.WithLabelValues("set_presence").Inc()
		}

	case interfaces.EventTyping:
		to := uintField(payload, "to")
		if to == 0 || to == userID {
			return
		}
		typing := true
		if v, ok := payload["typing"].(bool); ok {
			typing = v
		}
		if err := s.cache.SetTyping(ctx, userID, to, typing); err != nil {
			metrics.CacheFallbacks.WithLabelValues("set_typing").Inc()
		}
		s.notifier.NotifyTyping(userID, to, typing)

	case interfaces.EventDelivered:
		if _, err := s.MarkDelivered(ctx, userID, stringsField(payload, "message_ids")); err != nil {
			logger.L.Warn("Failed to mark delivered from frame", zap.Uint("userID", userID), zap.Error(err))
		}

	case interfaces.EventRead:
		var err error
		if peer := uintField(payload, "peer_id"); peer != 0 {
			_, err = s.MarkConversationRead(ctx, userID, peer)
		} else {
			_, err = s.MarkRead(ctx, userID, stringsField(payload, "message_ids"))
		}
		if err != nil {
			logger.L.Warn("Failed to mark read from frame", zap.Uint("userID", userID), zap.Error(err))
		}

	default:
		logger.L.Debug("Ignoring unknown frame", zap.Uint("userID", userID), zap.String("event", event))
	}
}

func uintField(payload map[string]any, key string) uint {
	switch v := payload[key].(type) {
	case float64:
		if v > 0 {
			return uint(v)
		}
	case uint:
		return v
	case int:
		if v > 0 {
			return uint(v)
		}
	}
	return 0
}

func stringsField(payload map[string]any, key string) []string {
	raw, _ := payload[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
