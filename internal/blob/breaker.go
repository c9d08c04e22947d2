package blob

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrUnavailable 表示熔断器处于打开状态，请求没有到达底层存储。
var ErrUnavailable = gobreaker.ErrOpenState

// Breaker 在底层存储连续失败后短路上传请求。
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(name string, next Store, maxFailures uint32, timeout time.Duration) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("name", name).Str("from", from.String()).Str("to", to.String()).Msg("blob circuit breaker")
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Breaker) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Put(ctx, key, contentType, r, size)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }
