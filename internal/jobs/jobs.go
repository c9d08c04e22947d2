// Package jobs 用 cron 定时运行维护任务（会话列表对账、过期会话清理）。
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Task 是一个定时任务，Run 返回处理的条目数量。
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// cronLogger 把 cron 的日志转到 zerolog。
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// NewScheduler 创建调度器，同一任务上一次未结束时跳过本次执行。
func NewScheduler(timeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, timeout: timeout}
}

func (s *Scheduler) Add(t Task) error {
	_, err := s.cron.AddFunc(t.Schedule, func() { s.run(t) })
	return err
}

func (s *Scheduler) run(t Task) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := t.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("task", t.Name).Int("count", n).Msg("job failed")
		return
	}
	log.Info().Str("task", t.Name).Int("count", n).Dur("took", time.Since(start)).Msg("job done")
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop 停止调度并等待正在运行的任务结束或超时。
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.cancel()
}
