package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStorage shares named stores between gateway replicas. Key layout
// under the configured prefix:
//
//	<p>:stores            SET of store names
//	<p>:seq               insertion sequence counter
//	<p>:s:<name>:e:<key>  gob Response
//	<p>:s:<name>:order    ZSET key -> seq
//	<p>:s:<name>:meta     HASH key -> gob diskMeta
type RedisStorage struct {
	rclient *redis.Client
	prefix  string
}

func NewRedisStorage(cfg Config) (*RedisStorage, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rc.Ping(context.Background()).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Storage.Redis.Addr, err)
	}
	return NewRedisStorageFromClient(rc, cfg.Storage.Redis.Prefix), nil
}

func NewRedisStorageFromClient(rc *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{rclient: rc, prefix: prefix}
}

func (r *RedisStorage) storesKey() string { return r.prefix + ":stores" }

func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := r.rclient.SAdd(ctx, r.storesKey(), name).Err(); err != nil {
		return nil, err
	}
	return &redisStore{name: name, parent: r, base: r.prefix + ":s:" + name}, nil
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	return r.rclient.SIsMember(ctx, r.storesKey(), name).Result()
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	n, err := r.rclient.SRem(ctx, r.storesKey(), name).Result()
	if err != nil || n == 0 {
		return false, err
	}
	st := &redisStore{name: name, parent: r, base: r.prefix + ":s:" + name}
	keys, err := r.rclient.ZRange(ctx, st.orderKey(), 0, -1).Result()
	if err != nil {
		return false, err
	}
	del := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		del = append(del, st.entryKey(k))
	}
	del = append(del, st.orderKey(), st.metaKey())
	for len(del) > 0 {
		chunk := del
		if len(chunk) > 500 {
			chunk = chunk[:500]
		}
		if err := r.rclient.Del(ctx, chunk...).Err(); err != nil {
			return false, err
		}
		del = del[len(chunk):]
	}
	return true, nil
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	out, err := r.rclient.SMembers(ctx, r.storesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *RedisStorage) Close() error { return r.rclient.Close() }

type redisStore struct {
	name   string
	parent *RedisStorage
	base   string
}

func (s *redisStore) Name() string { return s.name }

func (s *redisStore) entryKey(key string) string { return s.base + ":e:" + key }
func (s *redisStore) orderKey() string           { return s.base + ":order" }
func (s *redisStore) metaKey() string            { return s.base + ":meta" }

func (s *redisStore) Match(ctx context.Context, key string) (Response, error) {
	b, err := s.parent.rclient.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, ErrStoreMiss
	}
	if err != nil {
		return Response{}, err
	}
	var ent Response
	if err := decodeGob(b, &ent); err != nil {
		return Response{}, err
	}
	return ent, nil
}

func (s *redisStore) Put(ctx context.Context, key string, ent Response) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	seq, err := s.parent.rclient.Incr(ctx, s.parent.prefix+":seq").Uint64()
	if err != nil {
		return err
	}
	mb, err := encodeGob(diskMeta{Seq: seq, StoredAt: ent.StoredAt, Size: int64(len(b))})
	if err != nil {
		return err
	}
	_, err = s.parent.rclient.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.entryKey(key), b, 0)
		p.ZAdd(ctx, s.orderKey(), redis.Z{Score: float64(seq), Member: key})
		p.HSet(ctx, s.metaKey(), key, mb)
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	var rem *redis.IntCmd
	_, err := s.parent.rclient.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.entryKey(key))
		rem = p.ZRem(ctx, s.orderKey(), key)
		p.HDel(ctx, s.metaKey(), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return rem.Val() > 0, nil
}

func (s *redisStore) Entries(ctx context.Context) ([]EntryMeta, error) {
	all, err := s.parent.rclient.HGetAll(ctx, s.metaKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]EntryMeta, 0, len(all))
	for key, v := range all {
		var meta diskMeta
		if err := decodeGob([]byte(v), &meta); err != nil {
			continue
		}
		out = append(out, EntryMeta{Key: key, Seq: meta.Seq, StoredAt: meta.StoredAt, Size: meta.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *redisStore) Len(ctx context.Context) (int, error) {
	n, err := s.parent.rclient.ZCard(ctx, s.orderKey()).Result()
	return int(n), err
}
