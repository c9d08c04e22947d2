package docstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memDoc struct {
	data      []byte
	version   int64
	updatedAt time.Time
}

// Memory 是进程内驱动，写操作与事务共用 writeMu 串行执行，
// 订阅通知在持有 writeMu 时投递，保证同一文档的快照按版本顺序到达。
type Memory struct {
	writeMu sync.Mutex

	mu     sync.RWMutex
	docs   map[Ref]*memDoc
	subs   map[Ref]map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[Ref]*memDoc),
		subs: make(map[Ref]map[*Subscription]struct{}),
		now:  time.Now,
	}
}

func (m *Memory) snapshot(ref Ref) Snapshot {
	d, ok := m.docs[ref]
	if !ok {
		return Snapshot{Ref: ref}
	}
	data := make([]byte, len(d.data))
	copy(data, d.data)
	return Snapshot{Ref: ref, Exists: true, Data: data, Version: d.version, UpdatedAt: d.updatedAt}
}

func (m *Memory) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	s := m.snapshot(ref)
	if !s.Exists {
		return s, ErrNotFound
	}
	return s, nil
}

// commit 在 writeMu 下应用一组写入，nil 表示删除。
func (m *Memory) commit(writes map[Ref][]byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	now := m.now()
	var notify []func()
	for ref, data := range writes {
		prev := m.docs[ref]
		var version int64 = 1
		if prev != nil {
			version = prev.version + 1
		}
		if data == nil {
			delete(m.docs, ref)
		} else {
			m.docs[ref] = &memDoc{data: data, version: version, updatedAt: now}
		}
		snap := m.snapshot(ref)
		snap.Version = version
		for sub := range m.subs[ref] {
			sub := sub
			notify = append(notify, func() { sub.Deliver(snap) })
		}
	}
	m.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
	return nil
}

func (m *Memory) Set(ctx context.Context, ref Ref, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.commit(map[Ref][]byte{ref: data})
}

func (m *Memory) Update(ctx context.Context, ref Ref, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.RLock()
	cur := m.snapshot(ref)
	m.mu.RUnlock()
	if !cur.Exists {
		return ErrNotFound
	}
	data, err := Merge(cur.Data, fields)
	if err != nil {
		return err
	}
	return m.commit(map[Ref][]byte{ref: data})
}

func (m *Memory) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.RLock()
	_, ok := m.docs[ref]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.commit(map[Ref][]byte{ref: nil})
}

func (m *Memory) Query(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	all, err := m.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if FieldEquals(s.Data, field, value) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Snapshot
	for ref := range m.docs {
		if ref.Collection == collection {
			out = append(out, m.snapshot(ref))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, ref Ref) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var sub *Subscription
	sub = NewSubscription(ref, func() {
		m.mu.Lock()
		delete(m.subs[ref], sub)
		if len(m.subs[ref]) == 0 {
			delete(m.subs, ref)
		}
		m.mu.Unlock()
	})
	if m.subs[ref] == nil {
		m.subs[ref] = make(map[*Subscription]struct{})
	}
	m.subs[ref][sub] = struct{}{}
	sub.Deliver(m.snapshot(ref))
	CloseWithContext(ctx, sub)
	return sub, nil
}

type memTx struct {
	m       *Memory
	pending map[Ref][]byte
}

func (t *memTx) Get(ref Ref) (Snapshot, error) {
	if data, ok := t.pending[ref]; ok {
		return Snapshot{Ref: ref, Exists: true, Data: data}, nil
	}
	t.m.mu.RLock()
	s := t.m.snapshot(ref)
	t.m.mu.RUnlock()
	if !s.Exists {
		return s, ErrNotFound
	}
	return s, nil
}

func (t *memTx) Set(ref Ref, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	t.pending[ref] = data
	return nil
}

// RunTransaction 期间 fn 只能通过 tx 访问文档，调用 m 的写方法会死锁。
func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	tx := &memTx{m: m, pending: make(map[Ref][]byte)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.pending) == 0 {
		return nil
	}
	return m.commit(tx.pending)
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*Subscription
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.subs = make(map[Ref]map[*Subscription]struct{})
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}
