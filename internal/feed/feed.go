// Package feed 提供“只保留最新值”的单消费者通道。
package feed

import "sync"

// Latest 向一个消费者发布状态快照。消费者来不及读取时旧值被新值替换，
// 发布方永远不会阻塞。Close 返回后不会再有任何投递。
type Latest[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ch: make(chan T, 1)}
}

// C 返回只读通道，Close 后通道被关闭。
func (l *Latest[T]) C() <-chan T { return l.ch }

// Publish 投递 v，已关闭时返回 false。
func (l *Latest[T]) Publish(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	for {
		select {
		case l.ch <- v:
			return true
		default:
		}
		select {
		case <-l.ch:
		default:
		}
	}
}

// Close 幂等，尚未被读取的值一并丢弃。
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	select {
	case <-l.ch:
	default:
	}
	close(l.ch)
}

func (l *Latest[T]) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
