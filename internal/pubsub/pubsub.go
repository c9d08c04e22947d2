// Package pubsub 为跨实例通知提供发布/订阅：进程内实现用于单实例，
// Redis 实现用于多实例部署。
package pubsub

import (
	"context"
	"sync"
)

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Sub, error)
	Close() error
}

// Sub 是一个订阅，Close 之后 C 被关闭。
type Sub interface {
	C() <-chan []byte
	Close() error
}

// Local 是进程内 Broker，慢消费者的消息会被丢弃而不是阻塞发布方。
type Local struct {
	mu     sync.RWMutex
	topics map[string]map[*localSub]struct{}
}

func NewLocal() *Local {
	return &Local{topics: make(map[string]map[*localSub]struct{})}
}

type localSub struct {
	b     *Local
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *localSub) C() <-chan []byte { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.topics[s.topic], s)
		if len(s.b.topics[s.topic]) == 0 {
			delete(s.b.topics, s.topic)
		}
		close(s.ch)
		close(s.done)
		s.b.mu.Unlock()
	})
	return nil
}

func (b *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.topics[topic] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *Local) Subscribe(ctx context.Context, topic string) (Sub, error) {
	s := &localSub{b: b, topic: topic, ch: make(chan []byte, 64), done: make(chan struct{})}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*localSub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (b *Local) Close() error {
	b.mu.RLock()
	var subs []*localSub
	for _, set := range b.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
