package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jakepeg/doo-journal-sub000/store/consistentHash"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "reqcache"
const defaultRedisReplicas = 50

// RedisStore 基于 Redis 的存储
//
// 布局:
//
//	<prefix>:stores        SET  所有存储名
//	<prefix>:store:<name>  HASH key -> JSON(Entry)
//
// 多个节点时按存储名做一致性哈希，一个存储完整地落在一个节点上。
type RedisStore struct {
	clients map[string]*redis.Client
	ring    *consistentHash.Map
	prefix  string
	opts    options
	logger  *zap.Logger
}

// NewRedisStore 用已建立的客户端创建存储，clients 的 key 是节点地址
func NewRedisStore(clients map[string]*redis.Client, prefix string, logger *zap.Logger, opts ...Option) (*RedisStore, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("at least one redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = zap.L()
	}

	ring := consistentHash.New(defaultRedisReplicas, nil)
	for addr := range clients {
		ring.Add(addr)
	}

	return &RedisStore{
		clients: clients,
		ring:    ring,
		prefix:  prefix,
		opts:    buildOptions(opts),
		logger:  logger.With(zap.String("component", "redis_store")),
	}, nil
}

// client 选出负责该存储的节点
func (r *RedisStore) client(name string) *redis.Client {
	return r.clients[r.ring.Get(name)]
}

func (r *RedisStore) storesKey() string {
	return r.prefix + ":stores"
}

func (r *RedisStore) storeKey(name string) string {
	return r.prefix + ":store:" + name
}

func (r *RedisStore) Open(ctx context.Context, name string) error {
	if err := requireName(name); err != nil {
		return err
	}
	if err := r.client(name).SAdd(ctx, r.storesKey(), name).Err(); err != nil {
		return fmt.Errorf("failed to open store %s: %w", name, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, name, key string) (*Entry, error) {
	raw, err := r.client(name).HGet(ctx, r.storeKey(name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", key, name, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", key, err)
	}
	return &e, nil
}

// putScript 只有存储仍在登记表里时才写入，检查和写入在一个脚本里完成
// KEYS[1] 登记表, KEYS[2] 存储 hash; ARGV[1] 存储名, ARGV[2] key, ARGV[3] 条目
var putScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// Put HSET 单字段写入是原子的，已删除的存储不会被写回
func (r *RedisStore) Put(ctx context.Context, name, key string, resp Response) error {
	if err := requireName(name); err != nil {
		return err
	}
	raw, err := json.Marshal(Entry{Key: key, Response: resp, CachedAt: r.opts.now()})
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", key, err)
	}

	written, err := putScript.Run(ctx, r.client(name),
		[]string{r.storesKey(), r.storeKey(name)}, name, key, raw).Int()
	if err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", key, name, err)
	}
	if written == 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotOpen, name)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, name, key string) error {
	if err := r.client(name).HDel(ctx, r.storeKey(name), key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from %s: %w", key, name, err)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, name string) ([]string, error) {
	keys, err := r.client(name).HKeys(ctx, r.storeKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", name, err)
	}
	return keys, nil
}

// StoreNames 合并所有节点上的存储名
func (r *RedisStore) StoreNames(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, addr := range r.ring.Nodes() {
		names, err := r.clients[addr].SMembers(ctx, r.storesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list stores on %s: %w", addr, err)
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) DeleteStore(ctx context.Context, name string) error {
	_, err := r.client(name).TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.storeKey(name))
		pipe.SRem(ctx, r.storesKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete store %s: %w", name, err)
	}
	r.logger.Debug("deleted store", zap.String("store", name))
	return nil
}

// Ping 检查所有节点是否可达
func (r *RedisStore) Ping(ctx context.Context) error {
	for addr, c := range r.clients {
		if err := c.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s unreachable: %w", addr, err)
		}
	}
	return nil
}

// Close 关闭所有客户端
func (r *RedisStore) Close() error {
	var errs []error
	for _, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Substrate = (*RedisStore)(nil)
