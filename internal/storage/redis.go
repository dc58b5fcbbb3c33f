package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ankraft/acme-cse/internal/model"
)

const (
	resourceKeyPrefix = "cse:resource:"
	childrenKeyPrefix = "cse:children:" // pi -> list of ri (Redis LIST, preserves creation order)
	srnKeyPrefix      = "cse:srn:"      // srn -> ri
	expiringZSetKey   = "cse:expiring"  // sorted set: ri -> et unix-nano, for the sweeper
)

// RedisConfig holds connection parameters for the Redis-backed Store.
type RedisConfig struct {
	Mode         string // "standalone" | "sentinel"
	Addresses    []string
	MasterName   string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store using Redis as the backend.
//
// Data model:
//   - cse:resource:<ri> (string, JSON) — the resource itself
//   - cse:children:<pi> (list)          — ri's of direct children, in creation order
//   - cse:srn:<srn> (string)            — ri for a structured path
//   - cse:expiring (sorted set)         — ri scored by et unix-nano, scanned by the sweeper
//
// Create/Update/Delete use a Redis pipeline to keep the resource record and
// its index entries atomic relative to each other, the same discipline the
// teacher's subscription store applies to its secondary indexes.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a RedisStore, choosing a standalone or
// Sentinel-backed client per cfg.Mode.
func NewRedisStore(cfg *RedisConfig) *RedisStore {
	var client redis.UniversalClient

	if cfg.Mode == "sentinel" {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addresses,
			Password:      cfg.Password,
			DB:            cfg.DB,
			MaxRetries:    cfg.MaxRetries,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
		})
	} else {
		addr := "localhost:6379"
		if len(cfg.Addresses) > 0 {
			addr = cfg.Addresses[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
		})
	}

	return &RedisStore{client: client}
}

// NewRedisStoreFromClient wraps an already-constructed client — used by
// tests against miniredis.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CreateResource(ctx context.Context, r *model.Resource) error {
	key := resourceKeyPrefix + r.RI
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check resource existence: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyExists
	}

	if err := s.checkSiblingConflict(ctx, r); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, &redisResource{r}, 0)
	pipe.RPush(ctx, childrenKeyPrefix+r.PI, r.RI)

	srn, err := s.structuredPath(ctx, r)
	if err == nil {
		pipe.Set(ctx, srnKeyPrefix+srn, r.RI, 0)
	}

	if r.ET != nil {
		pipe.ZAdd(ctx, expiringZSetKey, redis.Z{Score: float64(r.ET.UnixNano()), Member: r.RI})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

func (s *RedisStore) checkSiblingConflict(ctx context.Context, r *model.Resource) error {
	siblings, err := s.client.LRange(ctx, childrenKeyPrefix+r.PI, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to check sibling names: %w", err)
	}
	for _, siblingRI := range siblings {
		sibling, err := s.GetResource(ctx, siblingRI)
		if err != nil {
			continue // a corrupted/missing sibling entry is skipped, not fatal
		}
		if sibling.RN == r.RN {
			return ErrSRNConflict
		}
	}
	return nil
}

func (s *RedisStore) GetResource(ctx context.Context, ri string) (*model.Resource, error) {
	data, err := s.client.Get(ctx, resourceKeyPrefix+ri).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", ri, err)
	}

	wrapper := &redisResource{}
	if err := wrapper.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource %s: %w", ri, err)
	}
	return wrapper.Resource, nil
}

func (s *RedisStore) UpdateResource(ctx context.Context, r *model.Resource) error {
	key := resourceKeyPrefix + r.RI
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check resource existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, &redisResource{r}, 0)

	if srn, err := s.structuredPath(ctx, r); err == nil {
		pipe.Set(ctx, srnKeyPrefix+srn, r.RI, 0)
	}

	pipe.ZRem(ctx, expiringZSetKey, r.RI)
	if r.ET != nil {
		pipe.ZAdd(ctx, expiringZSetKey, redis.Z{Score: float64(r.ET.UnixNano()), Member: r.RI})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteResource(ctx context.Context, ri string) error {
	r, err := s.GetResource(ctx, ri)
	if err != nil {
		return err
	}

	srn, srnErr := s.structuredPath(ctx, r)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, resourceKeyPrefix+ri)
	pipe.LRem(ctx, childrenKeyPrefix+r.PI, 1, ri)
	pipe.Del(ctx, childrenKeyPrefix+ri)
	pipe.ZRem(ctx, expiringZSetKey, ri)
	if srnErr == nil {
		pipe.Del(ctx, srnKeyPrefix+srn)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

func (s *RedisStore) ChildrenOf(ctx context.Context, pi string) ([]string, error) {
	ris, err := s.client.LRange(ctx, childrenKeyPrefix+pi, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", pi, err)
	}
	return ris, nil
}

func (s *RedisStore) ChildrenOfType(ctx context.Context, pi string, ty model.ResourceType) ([]string, error) {
	all, err := s.ChildrenOf(ctx, pi)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ri := range all {
		r, err := s.GetResource(ctx, ri)
		if err != nil {
			continue
		}
		if r.TY == ty {
			out = append(out, ri)
		}
	}
	return out, nil
}

func (s *RedisStore) ResolveSRN(ctx context.Context, srn string) (string, error) {
	ri, err := s.client.Get(ctx, srnKeyPrefix+srn).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve srn %s: %w", srn, err)
	}
	return ri, nil
}

func (s *RedisStore) ListExpired(ctx context.Context, nowUnixNano int64) ([]string, error) {
	results, err := s.client.ZRangeByScore(ctx, expiringZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowUnixNano, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired resources: %w", err)
	}
	return results, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// structuredPath walks r's ancestry via Redis lookups to compute its srn,
// the Redis-backed counterpart of MemoryStore.srnOf.
func (s *RedisStore) structuredPath(ctx context.Context, r *model.Resource) (string, error) {
	lookup := func(ri string) (model.Node, bool) {
		if ri == r.RI {
			// r may not be committed to Redis yet (Create calls this
			// before the pipeline executes), so short-circuit on self.
			return model.Node{RI: r.RI, RN: r.RN, PI: r.PI}, true
		}
		res, err := s.GetResource(ctx, ri)
		if err != nil {
			return model.Node{}, false
		}
		return model.Node{RI: res.RI, RN: res.RN, PI: res.PI}, true
	}
	return model.StructuredPath(r.RI, lookup)
}
