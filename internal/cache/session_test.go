package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestClampTTL(t *testing.T) {
	c := NewSessionCache(nil, Options{DefaultTTL: time.Hour, MinTTL: time.Minute, MaxTTL: 2 * time.Hour})

	tests := []struct {
		in, want time.Duration
	}{
		{0, time.Hour},
		{-time.Second, time.Hour},
		{time.Second, time.Minute},
		{30 * time.Minute, 30 * time.Minute},
		{5 * time.Hour, 2 * time.Hour},
	}
	for _, tt := range tests {
		if got := c.ClampTTL(tt.in); got != tt.want {
			t.Fatalf("ClampTTL(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewSessionCacheFixesBounds(t *testing.T) {
	c := NewSessionCache(nil, Options{MinTTL: 10 * time.Minute, MaxTTL: time.Minute})
	if got := c.ClampTTL(time.Hour); got != 10*time.Minute {
		t.Fatalf("ClampTTL = %s, want max raised to min", got)
	}
}

func TestPutGetDelete(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewSessionCache(client, DefaultOptions)
	ctx := context.Background()

	key, ttl, err := c.Put(ctx, &Session{AgentID: 42, OrganizationID: 7, Data: map[string]any{"channel": "slack"}}, 90*time.Second)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "agent:session:42" || ttl != 90*time.Second {
		t.Fatalf("Put = (%q, %s)", key, ttl)
	}
	if got := mr.TTL(key); got != 90*time.Second {
		t.Fatalf("redis TTL = %s", got)
	}

	s, err := c.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.OrganizationID != 7 || s.Data["channel"] != "slack" || s.CreatedAtMs == 0 {
		t.Fatalf("session = %+v", s)
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("key still present after Delete")
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete should be a no-op, got %v", err)
	}
	if _, err := c.Get(ctx, 42); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after Delete = %v", err)
	}
}

func TestPutAppliesBounds(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewSessionCache(client, Options{DefaultTTL: time.Hour, MinTTL: time.Minute, MaxTTL: 2 * time.Hour})

	key, ttl, err := c.Put(context.Background(), &Session{AgentID: 1}, 48*time.Hour)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ttl != 2*time.Hour || mr.TTL(key) != 2*time.Hour {
		t.Fatalf("ttl = %s, redis ttl = %s", ttl, mr.TTL(key))
	}

	mr.FastForward(3 * time.Hour)
	if _, err := c.Get(context.Background(), 1); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after expiry = %v", err)
	}
}

func TestDeleteSurfacesRedisErrors(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewSessionCache(client, DefaultOptions)

	mock.ExpectDel("agent:session:5").SetErr(errors.New("READONLY You can't write against a read only replica"))
	if err := c.Delete(context.Background(), "agent:session:5"); err == nil {
		t.Fatal("expected error from Delete")
	}

	mock.ExpectGet("agent:session:5").RedisNil()
	if _, err := c.Get(context.Background(), 5); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get = %v, want ErrSessionNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
