package events

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestEncode(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := Encode(TypeMessageSent, at, MessageSent{ConversationID: "c1", SenderID: "a", ReceiverID: "b", Seq: 3})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env.Type != TypeMessageSent || !env.OccurredAt.Equal(at) {
		t.Errorf("envelope = %+v", env)
	}
	var got MessageSent
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("Unmarshal(payload) error = %v", err)
	}
	if got.ConversationID != "c1" || got.Seq != 3 {
		t.Errorf("payload = %+v", got)
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.MessageSent(context.Background(), MessageSent{})
	p.ConversationStarted(context.Background(), ConversationStarted{})
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestKafka_Publish(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("skip: KAFKA_BROKERS not set")
	}
	k := NewKafka(strings.Split(brokers, ","), "chatsync.test")
	defer k.Close()
	// 失败只记录日志，不能阻塞或 panic
	k.ConversationStarted(context.Background(), ConversationStarted{ConversationID: "c1", Members: []string{"a", "b"}})
}
