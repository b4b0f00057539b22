// Package cache holds agent session state in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("session not found")

const sessionKeyPrefix = "agent:session:"

type Options struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
}

var DefaultOptions = Options{
	DefaultTTL: time.Hour,
	MinTTL:     time.Minute,
	MaxTTL:     24 * time.Hour,
}

// Session is the cached envelope around caller-supplied session data.
type Session struct {
	AgentID        int64          `json:"agentId"`
	OrganizationID int64          `json:"organizationId"`
	Data           map[string]any `json:"data"`
	CreatedAtMs    int64          `json:"createdAtMs"`
}

type SessionCache struct {
	client redis.Cmdable
	opts   Options
}

func NewSessionCache(client redis.Cmdable, opts Options) *SessionCache {
	if opts.MinTTL <= 0 {
		opts.MinTTL = DefaultOptions.MinTTL
	}
	if opts.MaxTTL < opts.MinTTL {
		opts.MaxTTL = opts.MinTTL
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultOptions.DefaultTTL
	}
	return &SessionCache{client: client, opts: opts}
}

func Key(agentID int64) string {
	return sessionKeyPrefix + strconv.FormatInt(agentID, 10)
}

// ClampTTL bounds ttl to [MinTTL, MaxTTL]; zero or negative means default.
func (c *SessionCache) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if ttl < c.opts.MinTTL {
		return c.opts.MinTTL
	}
	if ttl > c.opts.MaxTTL {
		return c.opts.MaxTTL
	}
	return ttl
}

// Put writes the session and returns the key and the TTL actually applied.
func (c *SessionCache) Put(ctx context.Context, s *Session, ttl time.Duration) (string, time.Duration, error) {
	if s.CreatedAtMs == 0 {
		s.CreatedAtMs = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return "", 0, fmt.Errorf("encode session: %w", err)
	}

	key := Key(s.AgentID)
	ttl = c.ClampTTL(ttl)
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return "", 0, fmt.Errorf("set %s: %w", key, err)
	}
	return key, ttl, nil
}

func (c *SessionCache) Get(ctx context.Context, agentID int64) (*Session, error) {
	key := Key(agentID)
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Delete removes key. A key that already expired is not an error.
func (c *SessionCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
