// Package events 发布领域事件，配置了 Kafka 时写入 topic，否则丢弃。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	TypeMessageSent         = "message.sent"
	TypeConversationStarted = "conversation.started"
)

type MessageSent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Seq            int64     `json:"seq"`
	HasImage       bool      `json:"hasImage"`
	CreatedAt      time.Time `json:"createdAt"`
}

type ConversationStarted struct {
	ConversationID string    `json:"conversationId"`
	Members        []string  `json:"members"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Envelope 是写入 Kafka 的消息体。
type Envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher 的发布失败只记录日志，不影响调用方。
type Publisher interface {
	MessageSent(ctx context.Context, e MessageSent)
	ConversationStarted(ctx context.Context, e ConversationStarted)
	Close() error
}

type Nop struct{}

func (Nop) MessageSent(context.Context, MessageSent)                 {}
func (Nop) ConversationStarted(context.Context, ConversationStarted) {}
func (Nop) Close() error                                             { return nil }

type Kafka struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafka(brokers []string, topic string) *Kafka {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &Kafka{writer: w, timeout: 5 * time.Second}
}

func (k *Kafka) MessageSent(ctx context.Context, e MessageSent) {
	k.publish(ctx, TypeMessageSent, e.ConversationID, e)
}

func (k *Kafka) ConversationStarted(ctx context.Context, e ConversationStarted) {
	k.publish(ctx, TypeConversationStarted, e.ConversationID, e)
}

func (k *Kafka) publish(ctx context.Context, typ, key string, v any) {
	b, err := Encode(typ, time.Now().UTC(), v)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	msg := kafka.Message{Key: []byte(key), Value: b, Time: time.Now()}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		log.Warn().Err(err).Str("type", typ).Str("key", key).Msg("publish event")
	}
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Encode 把事件包装成 Envelope 并编码为 JSON。
func Encode(typ string, at time.Time, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, OccurredAt: at, Payload: payload})
}
