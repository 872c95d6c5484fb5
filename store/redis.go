package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments.
// 文档以 string 键存储，workflow_id / status 用 set 做二级索引，
// 全集合用 sorted set 按 created_at 排序。
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a new Redis-based document store
func NewRedisStore(config Config, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	// Test connection
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "researchflow:"
	}

	logger.Info("redis store ready",
		zap.String("component", "store"),
		zap.String("addr", fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port)),
	)

	return &RedisStore{client: client, keyPrefix: keyPrefix, logger: logger}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "researchflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, logger: logger}
}

func (s *RedisStore) docKey(collection, id string) string {
	return s.keyPrefix + collection + ":data:" + id
}

func (s *RedisStore) allKey(collection string) string {
	return s.keyPrefix + collection + ":all"
}

func (s *RedisStore) workflowKey(collection, workflowID string) string {
	return s.keyPrefix + collection + ":workflow:" + workflowID
}

func (s *RedisStore) statusKey(collection, status string) string {
	return s.keyPrefix + collection + ":status:" + status
}

// Create implements Store.Create
func (s *RedisStore) Create(ctx context.Context, collection, id string, doc any) error {
	if collection == "" || id == "" || doc == nil {
		return ErrInvalidInput
	}

	data, workflowID, status, createdAt, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	ok, err := s.client.SetNX(ctx, s.docKey(collection, id), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.allKey(collection), redis.Z{
		Score:  float64(createdAt.UnixNano()),
		Member: id,
	})
	if workflowID != "" {
		pipe.SAdd(ctx, s.workflowKey(collection, workflowID), id)
	}
	if status != "" {
		pipe.SAdd(ctx, s.statusKey(collection, status), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, collection, id string, out any) error {
	data, err := s.client.Get(ctx, s.docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Update implements Store.Update
func (s *RedisStore) Update(ctx context.Context, collection, id string, doc any) error {
	if doc == nil {
		return ErrInvalidInput
	}

	data, workflowID, status, _, err := marshalDoc(doc)
	if err != nil {
		return err
	}

	key := s.docKey(collection, id)

	// 状态索引需要先读旧文档再写，用 WATCH 保证原子替换
	return s.watchRetry(ctx, key, func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var oldIdx struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(old, &oldIdx)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if oldIdx.Status != status {
				if oldIdx.Status != "" {
					pipe.SRem(ctx, s.statusKey(collection, oldIdx.Status), id)
				}
				if status != "" {
					pipe.SAdd(ctx, s.statusKey(collection, status), id)
				}
			}
			if workflowID != "" {
				pipe.SAdd(ctx, s.workflowKey(collection, workflowID), id)
			}
			return nil
		})
		return err
	})
}

// AppendToList implements Store.AppendToList
func (s *RedisStore) AppendToList(ctx context.Context, collection, id, field string, item any) error {
	key := s.docKey(collection, id)

	return s.watchRetry(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		updated, err := appendToListField(data, field, item)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	})
}

// watchRetry runs fn under WATCH, retrying on optimistic-lock conflicts.
func (s *RedisStore) watchRetry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	const maxConflictRetries = 32
	for i := 0; i < maxConflictRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("watch on %s: too many concurrent modifications", key)
}

// Query implements Store.Query
func (s *RedisStore) Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	ids, rest, err := s.candidateIDs(ctx, collection, filter)
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.docKey(collection, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchesFilter(data, rest) {
			out = append(out, json.RawMessage(data))
		}
	}
	return out, nil
}

// candidateIDs resolves the narrowest index for the filter. The returned ids
// are ordered by created_at; the remaining filter fields still need matching.
func (s *RedisStore) candidateIDs(ctx context.Context, collection string, filter Filter) ([]string, Filter, error) {
	rest := make(Filter, len(filter))
	var indexKey string

	for k, v := range filter {
		switch k {
		case "workflow_id":
			if indexKey == "" {
				indexKey = s.workflowKey(collection, fmt.Sprint(v))
				continue
			}
		case "status":
			if indexKey == "" {
				indexKey = s.statusKey(collection, fmt.Sprint(v))
				continue
			}
		}
		rest[k] = v
	}

	all, err := s.client.ZRange(ctx, s.allKey(collection), 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	if indexKey == "" {
		return all, rest, nil
	}

	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, nil, err
	}
	inIndex := make(map[string]bool, len(members))
	for _, id := range members {
		inIndex[id] = true
	}

	// 用全集合的 sorted set 保序过滤
	ordered := make([]string, 0, len(members))
	for _, id := range all {
		if inIndex[id] {
			ordered = append(ordered, id)
		}
	}
	return ordered, rest, nil
}

// Ping implements Store.Ping
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.Close
func (s *RedisStore) Close() error {
	return s.client.Close()
}
