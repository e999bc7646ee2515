package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Discoverer asks the backend which transport a workflow prefers.
type Discoverer interface {
	Discover(ctx context.Context, workflowID string) (Kind, error)
}

// HTTPDiscoverer queries GET {URL}?workflow=<id> and expects
// {"transport": "socket"|"server-push"|"polling"}.
type HTTPDiscoverer struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

type discoveryResponse struct {
	Transport string `json:"transport"`
}

func (d *HTTPDiscoverer) Discover(ctx context.Context, workflowID string) (Kind, error) {
	if d == nil || d.URL == "" {
		return "", errors.New("no discovery url configured")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := withQuery(d.URL, map[string]string{"workflow": workflowID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "build discovery request")
	}
	req.Header.Set("Accept", "application/json")
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "discovery request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("discovery: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read discovery response")
	}
	var body discoveryResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return "", errors.Wrap(err, "decode discovery response")
	}
	kind, ok := ParseKind(body.Transport)
	if !ok {
		return "", errors.Wrapf(ErrUnknownKind, "discovery answered %q", body.Transport)
	}
	return kind, nil
}

// DiscoveryCache remembers discovery answers per workflow for the lifetime
// of the process, until explicitly forgotten.
type DiscoveryCache interface {
	Get(ctx context.Context, workflowID string) (Kind, bool)
	Set(ctx context.Context, workflowID string, kind Kind)
	Forget(ctx context.Context, workflowID string)
}

// DefaultDiscoveryCacheSize is the initial capacity of an unbounded
// MemoryDiscoveryCache.
const DefaultDiscoveryCacheSize = 256

// MemoryDiscoveryCache is an in-process cache. Built with a positive size it
// is bounded and evicts the least recently used workflow, which then gets
// discovered again. Built with size 0 it grows and keeps every answer.
type MemoryDiscoveryCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, Kind]
	capacity int
	bounded  bool
}

func NewMemoryDiscoveryCache(size int) *MemoryDiscoveryCache {
	bounded := size > 0
	if !bounded {
		size = DefaultDiscoveryCacheSize
	}
	// lru.New only fails for non-positive sizes.
	cache, _ := lru.New[string, Kind](size)
	return &MemoryDiscoveryCache{cache: cache, capacity: size, bounded: bounded}
}

func (c *MemoryDiscoveryCache) Get(_ context.Context, workflowID string) (Kind, bool) {
	return c.cache.Get(workflowID)
}

func (c *MemoryDiscoveryCache) Set(_ context.Context, workflowID string, kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bounded && c.cache.Len() >= c.capacity && !c.cache.Contains(workflowID) {
		c.capacity *= 2
		c.cache.Resize(c.capacity)
	}
	c.cache.Add(workflowID, kind)
}

func (c *MemoryDiscoveryCache) Forget(_ context.Context, workflowID string) {
	c.cache.Remove(workflowID)
}

func (c *MemoryDiscoveryCache) Len() int { return c.cache.Len() }

// RedisDiscoveryCache shares discovery answers between client processes.
// Redis failures degrade to cache misses.
type RedisDiscoveryCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDiscoveryCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDiscoveryCache {
	if prefix == "" {
		prefix = "chatwire:transport:"
	}
	return &RedisDiscoveryCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisDiscoveryCache) key(workflowID string) string {
	return c.prefix + workflowID
}

func (c *RedisDiscoveryCache) Get(ctx context.Context, workflowID string) (Kind, bool) {
	v, err := c.client.Get(ctx, c.key(workflowID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("component", "transport").Str("workflow", workflowID).Msg("redis discovery cache get failed")
		}
		return "", false
	}
	kind, ok := ParseKind(v)
	return kind, ok
}

func (c *RedisDiscoveryCache) Set(ctx context.Context, workflowID string, kind Kind) {
	if err := c.client.Set(ctx, c.key(workflowID), string(kind), c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("component", "transport").Str("workflow", workflowID).Msg("redis discovery cache set failed")
	}
}

func (c *RedisDiscoveryCache) Forget(ctx context.Context, workflowID string) {
	if err := c.client.Del(ctx, c.key(workflowID)).Err(); err != nil {
		log.Warn().Err(err).Str("component", "transport").Str("workflow", workflowID).Msg("redis discovery cache delete failed")
	}
}
