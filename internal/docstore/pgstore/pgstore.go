// Package pgstore 在 Postgres 的 documents 表上实现 docstore.Store，
// 变更通知经由 pubsub.Broker 广播，多实例共享同一个 Redis 时彼此可见。
package pgstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"chatsync/internal/docstore"
	"chatsync/internal/models"
	"chatsync/internal/pubsub"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db     *gorm.DB
	broker pubsub.Broker
	now    func() time.Time
}

func New(db *gorm.DB, broker pubsub.Broker) *Store {
	return &Store{db: db, broker: broker, now: time.Now}
}

func topic(ref docstore.Ref) string { return "doc:" + ref.String() }

func toSnapshot(d *models.Document) docstore.Snapshot {
	return docstore.Snapshot{
		Ref:       docstore.Doc(d.Collection, d.ID),
		Exists:    true,
		Data:      d.Data,
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
	}
}

func where(db *gorm.DB, ref docstore.Ref) *gorm.DB {
	return db.Where("collection = ? AND id = ?", ref.Collection, ref.ID)
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	var d models.Document
	if err := where(s.db.WithContext(ctx), ref).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return docstore.Snapshot{Ref: ref}, docstore.ErrNotFound
		}
		return docstore.Snapshot{}, err
	}
	return toSnapshot(&d), nil
}

// lock 以 FOR UPDATE 读取一行，不存在时返回 nil。
func lock(tx *gorm.DB, ref docstore.Ref) (*models.Document, error) {
	var d models.Document
	err := where(tx, ref).Clauses(clause.Locking{Strength: "UPDATE"}).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) put(tx *gorm.DB, ref docstore.Ref, data []byte) error {
	doc := models.Document{Collection: ref.Collection, ID: ref.ID, Data: data, Version: 1, UpdatedAt: s.now()}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"data":       data,
			"version":    gorm.Expr("documents.version + 1"),
			"updated_at": doc.UpdatedAt,
		}),
	}).Create(&doc).Error
}

func (s *Store) notify(ctx context.Context, refs ...docstore.Ref) {
	for _, ref := range refs {
		if err := s.broker.Publish(ctx, topic(ref), []byte(strconv.FormatInt(s.now().UnixNano(), 10))); err != nil {
			log.Warn().Err(err).Str("ref", ref.String()).Msg("publish document change")
		}
	}
}

func (s *Store) Set(ctx context.Context, ref docstore.Ref, v any) error {
	data, err := docstore.Encode(v)
	if err != nil {
		return err
	}
	if err := s.put(s.db.WithContext(ctx), ref, data); err != nil {
		return err
	}
	s.notify(ctx, ref)
	return nil
}

func (s *Store) Update(ctx context.Context, ref docstore.Ref, fields map[string]any) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := lock(tx, ref)
		if err != nil {
			return err
		}
		if cur == nil {
			return docstore.ErrNotFound
		}
		data, err := docstore.Merge(cur.Data, fields)
		if err != nil {
			return err
		}
		return s.put(tx, ref, data)
	})
	if err != nil {
		return err
	}
	s.notify(ctx, ref)
	return nil
}

func (s *Store) Delete(ctx context.Context, ref docstore.Ref) error {
	res := where(s.db.WithContext(ctx), ref).Delete(&models.Document{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.notify(ctx, ref)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection, field, value string) ([]docstore.Snapshot, error) {
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND data->>? = ?", collection, field, value).
		Order("id").Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return snapshots(docs), nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	var docs []models.Document
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Order("id").Find(&docs).Error; err != nil {
		return nil, err
	}
	return snapshots(docs), nil
}

func snapshots(docs []models.Document) []docstore.Snapshot {
	out := make([]docstore.Snapshot, 0, len(docs))
	for i := range docs {
		out = append(out, toSnapshot(&docs[i]))
	}
	return out
}

func (s *Store) current(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	snap, err := s.Get(ctx, ref)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Snapshot{Ref: ref}, nil
	}
	return snap, err
}

// Subscribe 先订阅变更通知再读取当前状态，二者之间的写入不会丢失。
// 每条通知都会重新读取文档，因此投递的总是最新版本。
func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref) (*docstore.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	bs, err := s.broker.Subscribe(subCtx, topic(ref))
	if err != nil {
		cancel()
		return nil, err
	}
	sub := docstore.NewSubscription(ref, func() {
		cancel()
		_ = bs.Close()
	})
	first, err := s.current(subCtx, ref)
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.Deliver(first)
	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case _, ok := <-bs.C():
				if !ok {
					sub.Close()
					return
				}
				snap, err := s.current(subCtx, ref)
				if err != nil {
					if subCtx.Err() == nil {
						log.Error().Err(err).Str("ref", ref.String()).Msg("reload subscribed document")
					}
					continue
				}
				sub.Deliver(snap)
			}
		}
	}()
	return sub, nil
}

type pgTx struct {
	s       *Store
	tx      *gorm.DB
	touched map[docstore.Ref]struct{}
}

func (t *pgTx) Get(ref docstore.Ref) (docstore.Snapshot, error) {
	d, err := lock(t.tx, ref)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if d == nil {
		return docstore.Snapshot{Ref: ref}, docstore.ErrNotFound
	}
	return toSnapshot(d), nil
}

func (t *pgTx) Set(ref docstore.Ref, v any) error {
	data, err := docstore.Encode(v)
	if err != nil {
		return err
	}
	if err := t.s.put(t.tx, ref, data); err != nil {
		return err
	}
	t.touched[ref] = struct{}{}
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	ptx := &pgTx{s: s, touched: make(map[docstore.Ref]struct{})}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ptx.tx = tx
		return fn(ctx, ptx)
	})
	if err != nil {
		return err
	}
	refs := make([]docstore.Ref, 0, len(ptx.touched))
	for ref := range ptx.touched {
		refs = append(refs, ref)
	}
	s.notify(ctx, refs...)
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
