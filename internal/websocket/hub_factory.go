package websocket

import (
	"fmt"

	"go-dm-relay/internal/interfaces"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
)

// CreateHub 根据配置创建相应的Hub实现
// "channel" keeps fan-out inside this process; "kafka" adds a cross-node relay.
func CreateHub(cfg config.MessagingConfig, eventHandler interfaces.ConnectionEventHandler) (*Hub, error) {
	logger.L.Info("Creating hub with messaging provider", zap.String("provider", cfg.Provider))

	hub := NewHub(eventHandler)
	switch cfg.Provider {
	case "", "channel":
		return hub, nil

	case "kafka":
		relay, err := NewKafkaRelay(cfg.Kafka, hub.DeliverLocal)
		if err != nil {
			return nil, err
		}
		hub.SetRelay(relay)
		relay.Start()
		return hub, nil

	default:
		return nil, fmt.Errorf("unsupported messaging provider %q", cfg.Provider)
	}
}
