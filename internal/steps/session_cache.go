package steps

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/agentops/platform/internal/cache"
	"github.com/agentops/platform/pkg/saga"
)

type SessionWriter interface {
	Put(ctx context.Context, s *cache.Session, ttl time.Duration) (string, time.Duration, error)
	Delete(ctx context.Context, key string) error
}

// SessionCacheStep caches the agent's session; compensation deletes the key.
type SessionCacheStep struct {
	cache SessionWriter

	key string
}

func NewSessionCacheStep(c SessionWriter) *SessionCacheStep {
	return &SessionCacheStep{cache: c}
}

func (s *SessionCacheStep) Name() string { return NameSessionCache }

func (s *SessionCacheStep) Execute(ctx context.Context, sc saga.Context) (saga.Result, error) {
	agentID, err := saga.Lookup[int64](sc, KeyAgentID)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	org, err := saga.Lookup[int64](sc, KeyOrganizationID)
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}
	data, err := saga.Lookup[map[string]any](sc, KeySessionData)
	if err != nil && !errors.Is(err, saga.ErrMissingKey) {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}

	key, ttl, err := s.cache.Put(ctx, &cache.Session{
		AgentID:        agentID,
		OrganizationID: org,
		Data:           data,
	}, requestedTTL(data))
	if err != nil {
		return nil, saga.NewStepError(s.Name(), saga.OpExecute, err)
	}

	s.key = key
	return saga.Result{KeyCacheKey: key, KeyCacheTTL: ttl}, nil
}

func (s *SessionCacheStep) Compensate(ctx context.Context, _ saga.Context) error {
	if s.key == "" {
		return nil
	}
	if err := s.cache.Delete(ctx, s.key); err != nil {
		return saga.NewStepError(s.Name(), saga.OpCompensate, err)
	}
	return nil
}

// maxTTLSeconds is the largest whole number of seconds a time.Duration holds.
const maxTTLSeconds = int64(math.MaxInt64 / int64(time.Second))

// requestedTTL reads ttl_seconds from session data; zero means the cache
// default. Values too large for a Duration saturate and are then bounded
// by the cache.
func requestedTTL(data map[string]any) time.Duration {
	var secs float64
	switch v := data[SessionTTLField].(type) {
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case float64:
		secs = v
	default:
		return 0
	}
	switch {
	case math.IsNaN(secs) || secs <= 0:
		return 0
	case secs >= float64(maxTTLSeconds):
		return time.Duration(maxTTLSeconds) * time.Second
	}
	return time.Duration(secs * float64(time.Second))
}
