package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
)

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.Fn(ctx); err != nil {
		return CheckResult{Status: StatusDown, Latency: time.Since(start), Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: time.Since(start)}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

func NewPostgresChecker(db Pinger) Checker {
	return CheckFunc{CheckName: "postgres", Fn: func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("nil db")
		}
		return db.PingContext(ctx)
	}}
}

func NewRedisChecker(client redis.Cmdable) Checker {
	return CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("nil redis client")
		}
		return client.Ping(ctx).Err()
	}}
}

// NewBadgerChecker opens a read transaction against db.
func NewBadgerChecker(db *badger.DB) Checker {
	return CheckFunc{CheckName: "badger", Fn: func(context.Context) error {
		if db == nil || db.IsClosed() {
			return fmt.Errorf("badger closed")
		}
		return db.View(func(*badger.Txn) error { return nil })
	}}
}

type httpChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPChecker treats any 2xx/3xx from url as up.
func NewHTTPChecker(name, url string) Checker {
	if name == "" {
		name = "http"
	}
	return &httpChecker{name: name, url: url, client: &http.Client{Timeout: defaultCheckTimeout}}
}

func (c *httpChecker) Name() string { return c.name }

func (c *httpChecker) Check(ctx context.Context) CheckResult {
	if c.url == "" {
		return CheckResult{Status: StatusDown, Message: "empty url"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return CheckResult{Status: StatusDown, Message: err.Error()}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	lat := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return CheckResult{Status: StatusDown, Latency: lat, Message: resp.Status}
	}
	return CheckResult{Status: StatusUp, Latency: lat, Message: resp.Status}
}

// NewLoopChecker reports down when m has not ticked within maxAge.
func NewLoopChecker(name string, m *LoopMonitor, maxAge time.Duration) Checker {
	return CheckFunc{CheckName: name, Fn: func(context.Context) error {
		ok, age, lastErr := m.Healthy(time.Now(), maxAge)
		if ok {
			return nil
		}
		if lastErr != "" {
			return fmt.Errorf("stalled for %s: %s", age, lastErr)
		}
		return fmt.Errorf("stalled for %s", age)
	}}
}
