package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "PhaseForge/internal/errors"
)

// RedisStore 将记忆集合保存在 Redis 中，多个编排进程可以共享同一
// 集合。条目以 JSON 存储，相似度在客户端计算。
type RedisStore struct {
	client     *redis.Client
	collection string
	dimension  int
}

// RedisOptions 描述 Redis 记忆库的连接参数。
type RedisOptions struct {
	Address    string
	Password   string
	DB         int
	Collection string
	Dimension  int
}

// NewRedisStore 连接 Redis 并返回记忆库。
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Dimension <= 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "向量维度必须为正数")
	}
	if opts.Collection == "" {
		opts.Collection = "phaseforge"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, collection: opts.Collection, dimension: opts.Dimension}, nil
}

func (s *RedisStore) entryKey(id string) string {
	return fmt.Sprintf("phaseforge:memory:%s:entry:%s", s.collection, id)
}

func (s *RedisStore) idsKey() string {
	return fmt.Sprintf("phaseforge:memory:%s:ids", s.collection)
}

// Save 校验维度后写入条目并登记到集合索引。
func (s *RedisStore) Save(ctx context.Context, m *Memory) error {
	if err := validateMemory(m, s.dimension); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记忆失败")
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(m.ID), raw, 0)
	pipe.SAdd(ctx, s.idsKey(), m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆失败")
	}
	return nil
}

// Get 返回指定条目。
func (s *RedisStore) Get(ctx context.Context, id string) (*Memory, error) {
	raw, err := s.client.Get(ctx, s.entryKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMemoryNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取记忆失败")
	}
	var m Memory
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆失败")
	}
	return &m, nil
}

// Search 拉取集合全部条目后在客户端计算余弦相似度。
func (s *RedisStore) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	if len(q.Embedding) != s.dimension {
		return nil, xerrors.New(xerrors.CodeDimensionMismatch,
			fmt.Sprintf("查询向量宽度 %d 与集合维度 %d 不符", len(q.Embedding), s.dimension))
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取集合索引失败")
	}
	if len(ids) == 0 {
		return []SearchResult{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取记忆失败")
	}

	results := make([]SearchResult, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var m Memory
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆失败")
		}
		if !matchesFilters(&m, q) {
			continue
		}
		results = append(results, SearchResult{Memory: &m, Score: cosine(q.Embedding, m.Embedding)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete 删除条目并同步索引。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.SRem(ctx, s.idsKey(), id).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除索引失败")
	}
	if removed == 0 {
		return ErrMemoryNotFound
	}
	if err := s.client.Del(ctx, s.entryKey(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除记忆失败")
	}
	return nil
}

// Count 返回集合条目总数。
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.idsKey()).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计记忆失败")
	}
	return int(n), nil
}

// Reset 清空整个集合。
func (s *RedisStore) Reset(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取集合索引失败")
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.entryKey(id))
	}
	pipe.Del(ctx, s.idsKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空集合失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
