package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/logger"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KafkaRelay carries push frames between nodes. A node that has no local connection for
// the target user publishes the frame; every node consumes the topic and delivers to its
// own connections.
type KafkaRelay struct {
	producer   sarama.SyncProducer
	consumer   sarama.ConsumerGroup
	ctx        context.Context
	cancelFunc context.CancelFunc

	nodeID  string
	topic   string
	deliver func(userID uint, frame []byte) int
}

// Kafka直接消息的结构
type relayEnvelope struct {
	UserID uint   `json:"user_id"`
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

func newSaramaConfig() *sarama.Config {
	kConfig := sarama.NewConfig()
	kConfig.Producer.RequiredAcks = sarama.WaitForAll
	kConfig.Producer.Return.Successes = true
	kConfig.Producer.Retry.Max = 3
	kConfig.Consumer.Return.Errors = true
	kConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	kConfig.Version = sarama.V2_8_0_0
	return kConfig
}

// 创建一个新的KafkaRelay
func NewKafkaRelay(cfg config.KafkaConfig, deliver func(userID uint, frame []byte) int) (*KafkaRelay, error) {
	kConfig := newSaramaConfig()

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start Kafka producer: %w", err)
	}

	// 每个节点都要收到全部消息，因此消费者组按节点区分
	nodeID := uuid.NewString()
	consumer, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup+"-"+nodeID, kConfig)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to start Kafka consumer group: %w", err)
	}

	return newKafkaRelay(producer, consumer, nodeID, buildTopicName(cfg.TopicPrefix, "direct"), deliver), nil
}

func newKafkaRelay(producer sarama.SyncProducer, consumer sarama.ConsumerGroup, nodeID, topic string, deliver func(uint, []byte) int) *KafkaRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaRelay{
		producer:   producer,
		consumer:   consumer,
		ctx:        ctx,
		cancelFunc: cancel,
		nodeID:     nodeID,
		topic:      topic,
		deliver:    deliver,
	}
}

// 构建Kafka主题名称
func buildTopicName(prefix, messageType string) string {
	return fmt.Sprintf("%s_%s", prefix, messageType)
}

func (r *KafkaRelay) Start() {
	if r.consumer != nil {
		go r.consumeMessages()
		go r.drainErrors()
	}
}

func (r *KafkaRelay) Publish(userID uint, frame []byte) error {
	data, err := json.Marshal(relayEnvelope{UserID: userID, Origin: r.nodeID, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}

	_, _, err = r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(fmt.Sprint(userID)),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	return nil
}

// 关闭KafkaRelay
func (r *KafkaRelay) Close() error {
	r.cancelFunc()

	if err := r.producer.Close(); err != nil {
		logger.L.Error("Failed to close Kafka producer", zap.Error(err))
	}
	if r.consumer != nil {
		if err := r.consumer.Close(); err != nil {
			logger.L.Error("Failed to close Kafka consumer group", zap.Error(err))
		}
	}
	return nil
}

// 消费Kafka消息
func (r *KafkaRelay) consumeMessages() {
	handler := &relayConsumerHandler{relay: r}
	for {
		select {
		case <-r.ctx.Done():
			logger.L.Info("Stopping Kafka relay consumer")
			return
		default:
			if err := r.consumer.Consume(r.ctx, []string{r.topic}, handler); err != nil {
				logger.L.Error("Kafka consumer error", zap.Error(err))
				time.Sleep(5 * time.Second) // 失败时等待一段时间再重试
			}
		}
	}
}

// drainErrors reads the consumer group's error channel; an unread channel stalls consumption.
func (r *KafkaRelay) drainErrors() {
	errs := r.consumer.Errors()
	for {
		select {
		case <-r.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.L.Warn("Kafka consumer group error", zap.String("topic", r.topic), zap.Error(err))
		}
	}
}

func (r *KafkaRelay) handleEnvelope(data []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.L.Error("Failed to unmarshal relay envelope", zap.Error(err))
		return
	}
	if env.Origin == r.nodeID {
		return
	}
	r.deliver(env.UserID, env.Frame)
}

// Kafka消费者处理器
type relayConsumerHandler struct {
	relay *KafkaRelay
}

func (h *relayConsumerHandler) Setup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *relayConsumerHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *relayConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.relay.handleEnvelope(message.Value)
		// 标记消息已处理
		session.MarkMessage(message, "")
	}
	return nil
}
