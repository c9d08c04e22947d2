// Package mongostore 在 MongoDB 上实现 docstore.Store：每个文档集合对应一个
// Mongo 集合，订阅基于 change stream，事务基于会话（需要副本集）。
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chatsync/internal/docstore"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type record struct {
	ID        string    `bson:"_id"`
	Data      bson.Raw  `bson:"data"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// Connect 连接 MongoDB 并在 maxWait 内重试 Ping。
func Connect(ctx context.Context, uri, database string, maxWait time.Duration) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx, nil)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return New(client, database), nil
}

func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database), now: time.Now}
}

func (s *Store) coll(name string) *mongo.Collection { return s.db.Collection(name) }

func toSnapshot(collection string, r *record) (docstore.Snapshot, error) {
	data, err := bson.MarshalExtJSON(r.Data, false, false)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return docstore.Snapshot{
		Ref:       docstore.Doc(collection, r.ID),
		Exists:    true,
		Data:      data,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// toBSON 把 JSON 对象转换为 BSON 文档。
func toBSON(data []byte) (bson.D, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	var r record
	err := s.coll(ref.Collection).FindOne(ctx, bson.M{"_id": ref.ID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.Snapshot{Ref: ref}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return toSnapshot(ref.Collection, &r)
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	return s.get(ctx, ref)
}

func (s *Store) set(ctx context.Context, ref docstore.Ref, v any) error {
	raw, err := docstore.Encode(v)
	if err != nil {
		return err
	}
	d, err := toBSON(raw)
	if err != nil {
		return err
	}
	_, err = s.coll(ref.Collection).UpdateOne(ctx,
		bson.M{"_id": ref.ID},
		bson.M{"$set": bson.M{"data": d, "updated_at": s.now()}, "$inc": bson.M{"version": 1}},
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) Set(ctx context.Context, ref docstore.Ref, v any) error {
	return s.set(ctx, ref, v)
}

func (s *Store) Update(ctx context.Context, ref docstore.Ref, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var m bson.M
	if err := bson.UnmarshalExtJSON(raw, false, &m); err != nil {
		return err
	}
	set := bson.M{"updated_at": s.now()}
	for k, v := range m {
		set["data."+k] = v
	}
	res, err := s.coll(ref.Collection).UpdateOne(ctx,
		bson.M{"_id": ref.ID},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ref docstore.Ref) error {
	_, err := s.coll(ref.Collection).DeleteOne(ctx, bson.M{"_id": ref.ID})
	return err
}

func (s *Store) find(ctx context.Context, collection string, filter bson.M) ([]docstore.Snapshot, error) {
	cur, err := s.coll(collection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []docstore.Snapshot
	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		snap, err := toSnapshot(collection, &r)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, cur.Err()
}

func (s *Store) Query(ctx context.Context, collection, field, value string) ([]docstore.Snapshot, error) {
	return s.find(ctx, collection, bson.M{"data." + field: value})
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	return s.find(ctx, collection, bson.M{})
}

type changeEvent struct {
	OperationType string  `bson:"operationType"`
	FullDocument  *record `bson:"fullDocument"`
}

// Subscribe 先打开 change stream 再读取当前状态。
func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref) (*docstore.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: ref.ID}}}}}
	cs, err := s.coll(ref.Collection).Watch(subCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, err
	}
	sub := docstore.NewSubscription(ref, cancel)

	first, err := s.get(subCtx, ref)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		sub.Close()
		_ = cs.Close(context.Background())
		return nil, err
	}
	sub.Deliver(first)

	go func() {
		defer func() {
			_ = cs.Close(context.Background())
			sub.Close()
		}()
		for cs.Next(subCtx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				log.Error().Err(err).Str("ref", ref.String()).Msg("decode change event")
				continue
			}
			if ev.OperationType == "delete" || ev.FullDocument == nil {
				sub.Deliver(docstore.Snapshot{Ref: ref})
				continue
			}
			snap, err := toSnapshot(ref.Collection, ev.FullDocument)
			if err != nil {
				log.Error().Err(err).Str("ref", ref.String()).Msg("convert change event")
				continue
			}
			sub.Deliver(snap)
		}
		if err := cs.Err(); err != nil && subCtx.Err() == nil {
			log.Error().Err(err).Str("ref", ref.String()).Msg("change stream ended")
		}
	}()
	return sub, nil
}

type mongoTx struct {
	s   *Store
	ctx mongo.SessionContext
}

func (t *mongoTx) Get(ref docstore.Ref) (docstore.Snapshot, error) { return t.s.get(t.ctx, ref) }

func (t *mongoTx) Set(ref docstore.Ref, v any) error { return t.s.set(t.ctx, ref, v) }

// RunTransaction 可能因瞬时冲突重复执行 fn，fn 需要是纯粹的读改写。
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{s: s, ctx: sc})
	})
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
