// Package health aggregates dependency checks behind live/ready endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status   Status        `json:"status"`
	Latency  time.Duration `json:"-"`
	Message  string        `json:"message,omitempty"`
	Optional bool          `json:"optional,omitempty"`
}

// MarshalJSON reports latency in milliseconds.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	type plain CheckResult
	return json.Marshal(struct {
		plain
		LatencyMs int64 `json:"latencyMs"`
	}{plain(r), r.Latency.Milliseconds()})
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type registered struct {
	checker  Checker
	optional bool
}

// Health answers liveness and readiness. A failing critical dependency
// takes readiness down; a failing optional one only degrades it.
type Health struct {
	mu      sync.RWMutex
	deps    []registered
	ready   atomic.Bool
	timeout time.Duration
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{timeout: defaultCheckTimeout}
}

// Register adds a critical dependency.
func (h *Health) Register(c Checker) {
	h.add(c, false)
}

// RegisterOptional adds a dependency whose failure leaves the service ready
// but degraded.
func (h *Health) RegisterOptional(c Checker) {
	h.add(c, true)
}

func (h *Health) add(c Checker, optional bool) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps = append(h.deps, registered{checker: c, optional: optional})
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live only reports that the process answers.
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready is down until SetReady(true), then reflects the dependencies.
func (h *Health) Ready(ctx context.Context) Response {
	deps := h.checkAll(ctx)
	if !h.IsReady() {
		return Response{Status: StatusDown, Dependencies: deps}
	}
	return Response{Status: summarize(deps), Dependencies: deps}
}

func (h *Health) checkAll(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	deps := append([]registered(nil), h.deps...)
	h.mu.RUnlock()
	if len(deps) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	type named struct {
		name string
		res  CheckResult
	}
	out := make(chan named, len(deps))
	for _, d := range deps {
		go func(d registered) {
			res := h.checkOne(ctx, d.checker)
			res.Optional = d.optional
			name := d.checker.Name()
			if name == "" {
				name = "unknown"
			}
			out <- named{name: name, res: res}
		}(d)
	}

	results := make(map[string]CheckResult, len(deps))
	for range deps {
		n := <-out
		results[n.name] = n.res
	}
	return results
}

// checkOne bounds a checker by the timeout even if it ignores its context.
func (h *Health) checkOne(ctx context.Context, c Checker) CheckResult {
	start := time.Now()
	depCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resCh := make(chan CheckResult, 1)
	go func() { resCh <- c.Check(depCtx) }()

	var res CheckResult
	select {
	case res = <-resCh:
	case <-depCtx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

func summarize(deps map[string]CheckResult) Status {
	status := StatusUp
	for _, r := range deps {
		if r.Status == StatusUp {
			continue
		}
		if !r.Optional {
			return StatusDown
		}
		status = StatusDegraded
	}
	return status
}

// statusCode keeps a degraded service in rotation.
func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Live()
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}
