package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Dial 连接 Redis，并在 maxWait 内按指数退避重试 PING。
func Dial(ctx context.Context, addr, password string, db int, maxWait time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	err := backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Redis 通过 Redis PUBLISH/SUBSCRIBE 在多实例间转发消息，topic 统一加前缀。
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.rdb.Publish(ctx, r.prefix+topic, payload).Err()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Sub, error) {
	ps := r.rdb.Subscribe(ctx, r.prefix+topic)
	// 等待订阅确认，之后发布的消息不会丢失。
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, 64), done: make(chan struct{})}
	msgs := ps.Channel()
	go func() {
		defer close(s.ch)
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				_ = s.Close()
				return
			case m, ok := <-msgs:
				if !ok {
					log.Warn().Str("topic", topic).Msg("redis subscription closed")
					return
				}
				select {
				case s.ch <- []byte(m.Payload):
				default:
				}
			}
		}
	}()
	return s, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
