package redis

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewClientPings(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), &Config{Addr: mr.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.CheckGet(t, "k", "v")
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewClient(context.Background(), &Config{Addr: addr, DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("expected ping error for closed server")
	}
}

func TestLockIsSingleHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), &Config{Addr: mr.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	ctx := context.Background()

	a := NewLock(client, "lock:sweep", "replica-a", time.Minute)
	b := NewLock(client, "lock:sweep", "replica-b", time.Minute)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a.Acquire = %v, %v", ok, err)
	}
	if ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("b.Acquire = %v, %v; want false while a holds the lock", ok, err)
	}
	if err := b.Release(ctx); err != ErrLockNotHeld {
		t.Fatalf("b.Release err = %v, want ErrLockNotHeld", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("a.Release: %v", err)
	}
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("b.Acquire after release = %v, %v", ok, err)
	}
}

func TestLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client, _ := NewClient(context.Background(), &Config{Addr: mr.Addr(), DialTimeout: time.Second})
	defer client.Close()
	ctx := context.Background()

	if ok, _ := NewLock(client, "lock:x", "a", time.Second).Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := NewLock(client, "lock:x", "b", time.Second).Acquire(ctx); !ok {
		t.Fatal("expected lease to expire")
	}
}

func TestTLSConfigFromEnv_DisabledByDefault(t *testing.T) {
	t.Setenv("REDIS_TLS", "")
	cfg, err := TLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil tls config when REDIS_TLS is unset")
	}
}

func TestTLSConfigFromEnv_InvalidBool(t *testing.T) {
	t.Setenv("REDIS_TLS", "not-bool")
	if _, err := TLSConfigFromEnv(); err == nil {
		t.Fatal("expected error for invalid REDIS_TLS")
	}
}

func TestTLSConfigFromEnv_CertKeyPairValidation(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_CERT", "/tmp/redis-client-cert.pem")
	t.Setenv("REDIS_KEY", "")
	if _, err := TLSConfigFromEnv(); err == nil {
		t.Fatal("expected error when REDIS_CERT is set without REDIS_KEY")
	}
}

func TestTLSConfigFromEnv_Basic(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_CERT", "")
	t.Setenv("REDIS_KEY", "")
	t.Setenv("REDIS_CACERT", "")
	t.Setenv("REDIS_SERVER_NAME", "redis.internal")

	cfg, err := TLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || cfg.MinVersion != tls.VersionTLS12 || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config: %+v", cfg)
	}
}

func TestTLSConfigFromEnv_InvalidCACert(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "invalid-ca.pem")
	if err := os.WriteFile(caPath, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write temp ca file: %v", err)
	}
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_CACERT", caPath)
	t.Setenv("REDIS_CERT", "")
	t.Setenv("REDIS_KEY", "")

	if _, err := TLSConfigFromEnv(); err == nil {
		t.Fatal("expected error for invalid CA bundle")
	}
}
