// Package docstore 定义文档数据库原语：读、整体写、合并更新、等值查询、
// 实时订阅与多文档事务。具体驱动见 memory、pgstore 与 mongostore。
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/feed"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
)

// Ref 指向 collection/id 下的一个文档。
type Ref struct {
	Collection string
	ID         string
}

func Doc(collection, id string) Ref { return Ref{Collection: collection, ID: id} }

func (r Ref) String() string { return r.Collection + "/" + r.ID }

// Snapshot 是文档在某个版本上的只读副本。
type Snapshot struct {
	Ref       Ref
	Exists    bool
	Data      json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// DataTo 将文档内容解码到 v。
func (s Snapshot) DataTo(v any) error {
	if !s.Exists {
		return fmt.Errorf("%s: %w", s.Ref, ErrNotFound)
	}
	return json.Unmarshal(s.Data, v)
}

// Tx 是事务内的读写视图。Get 读到的是本事务已写入的最新值。
type Tx interface {
	Get(ref Ref) (Snapshot, error)
	Set(ref Ref, v any) error
}

type Store interface {
	Get(ctx context.Context, ref Ref) (Snapshot, error)
	// Set 整体覆盖写，文档不存在时创建。
	Set(ctx context.Context, ref Ref, v any) error
	// Update 按顶层字段合并，文档不存在时返回 ErrNotFound。
	Update(ctx context.Context, ref Ref, fields map[string]any) error
	Delete(ctx context.Context, ref Ref) error
	// Query 返回顶层字符串字段等于 value 的全部文档。
	Query(ctx context.Context, collection, field, value string) ([]Snapshot, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)
	// Subscribe 先投递当前状态，之后每次变更投递一次新快照。
	Subscribe(ctx context.Context, ref Ref) (*Subscription, error)
	// RunTransaction 以可串行化方式执行 fn，fn 返回错误时不提交任何写入。
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close(ctx context.Context) error
}

// Subscription 是一次实时订阅的句柄，Close 之后保证不再投递。
type Subscription struct {
	ref     Ref
	f       *feed.Latest[Snapshot]
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewSubscription 供驱动创建订阅，onClose 在第一次 Close 时调用。
func NewSubscription(ref Ref, onClose func()) *Subscription {
	return &Subscription{ref: ref, f: feed.NewLatest[Snapshot](), done: make(chan struct{}), onClose: onClose}
}

func (s *Subscription) Ref() Ref { return s.ref }

func (s *Subscription) C() <-chan Snapshot { return s.f.C() }

// Done 在订阅关闭后可读，驱动的推送 goroutine 以此退出。
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Deliver(snap Snapshot) bool { return s.f.Publish(snap) }

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.f.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// CloseWithContext 在 ctx 结束时关闭订阅。
func CloseWithContext(ctx context.Context, sub *Subscription) {
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
}

// Encode 把任意值编码为文档内容。
func Encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("document must encode to a JSON object, got %.20s", b)
	}
	return b, nil
}

// Merge 将 fields 按顶层字段合并进 data。
func Merge(data json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		m[k] = b
	}
	return json.Marshal(m)
}

// FieldEquals 判断 data 的顶层字符串字段是否等于 value。
func FieldEquals(data json.RawMessage, field, value string) bool {
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	raw, ok := m[field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == value
}
