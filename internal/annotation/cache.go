package annotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"decendata/internal/repository"
)

var tracer = otel.Tracer("decendata-annotation")

// DefaultCacheTTL 是标注缓存的默认有效期。
const DefaultCacheTTL = time.Hour

// Cache 缓存按文件与类别生成的标注，未命中时返回 (nil, nil)。
type Cache interface {
	Get(ctx context.Context, fileID, kind string) (*repository.Annotation, error)
	Set(ctx context.Context, fileID, kind string, a repository.Annotation) error
	Invalidate(ctx context.Context, fileID string) error
}

var cacheKinds = []string{KindGeneral, KindSecurity}

type memoryEntry struct {
	value   repository.Annotation
	expires time.Time
}

// MemoryCache 是进程内带过期时间的缓存。
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache 创建进程内缓存，ttl 非正时使用默认值。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{ttl: ttl, now: time.Now, entries: map[string]memoryEntry{}}
}

func cacheKey(fileID, kind string) string {
	return fmt.Sprintf("annotation:%s:%s", fileID, kind)
}

func (c *MemoryCache) Get(_ context.Context, fileID, kind string) (*repository.Annotation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(fileID, kind)
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, nil
	}
	v := e.value
	return &v, nil
}

func (c *MemoryCache) Set(_ context.Context, fileID, kind string, a repository.Annotation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(fileID, kind)] = memoryEntry{value: a, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range cacheKinds {
		delete(c.entries, cacheKey(fileID, k))
	}
	return nil
}

// Len 返回当前条目数（含已过期但未清理的条目）。
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache 将标注以 JSON 形式存入 Redis，并为每次调用添加 span。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// DialRedis 连接 Redis 并执行 Ping。
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

// NewRedisCache 使用已有连接创建缓存。
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, fileID, kind string) (*repository.Annotation, error) {
	ctx, span := tracer.Start(ctx, "redis.get_annotation",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("kind", kind),
		),
	)
	defer span.End()

	data, err := c.client.Get(ctx, cacheKey(fileID, kind)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var a repository.Annotation
	if err := json.Unmarshal(data, &a); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached annotation: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &a, nil
}

func (c *RedisCache) Set(ctx context.Context, fileID, kind string, a repository.Annotation) error {
	ctx, span := tracer.Start(ctx, "redis.set_annotation",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("kind", kind),
		),
	)
	defer span.End()

	data, err := json.Marshal(a)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal annotation: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(fileID, kind), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	span.SetAttributes(attribute.Int64("ttl_seconds", int64(c.ttl.Seconds())))
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_annotation",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	keys := make([]string, 0, len(cacheKinds))
	for _, k := range cacheKinds {
		keys = append(keys, cacheKey(fileID, k))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
