package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentops/platform/pkg/audit"
	"github.com/agentops/platform/pkg/health"
	"github.com/agentops/platform/pkg/logger"
	pkgredis "github.com/agentops/platform/pkg/redis"
	"github.com/agentops/platform/pkg/saga"
)

type StaleLister interface {
	Stale(ctx context.Context, cutoff time.Time) ([]*saga.Log, error)
}

type SweepMetrics interface {
	SetStuckSagas(count int)
	IncSweep(outcome string)
}

// Sweeper periodically lists sagas stuck in a non-terminal state. It only
// reports them: nothing is resumed or compensated automatically.
type Sweeper struct {
	store      StaleLister
	stuckAfter time.Duration
	log        *logger.Logger

	lock    *pkgredis.Lock
	monitor *health.LoopMonitor
	metrics SweepMetrics
	audit   audit.Logger
	now     func() time.Time

	mu      sync.Mutex
	flagged map[string]struct{}
}

type SweeperOption func(*Sweeper)

// WithLock runs a sweep only while holding lock, so one replica reports.
func WithLock(lock *pkgredis.Lock) SweeperOption {
	return func(s *Sweeper) { s.lock = lock }
}

func WithMonitor(m *health.LoopMonitor) SweeperOption {
	return func(s *Sweeper) { s.monitor = m }
}

func WithMetrics(m SweepMetrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func WithAudit(a audit.Logger) SweeperOption {
	return func(s *Sweeper) { s.audit = a }
}

func NewSweeper(store StaleLister, stuckAfter time.Duration, log *logger.Logger, opts ...SweeperOption) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	s := &Sweeper{
		store:      store,
		stuckAfter: stuckAfter,
		log:        log,
		now:        time.Now,
		flagged:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass and returns the stuck logs it found. Each saga is
// audited once, the first time it is seen stuck.
func (s *Sweeper) Sweep(ctx context.Context) ([]*saga.Log, error) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			s.finish("error", err)
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.finish("skipped", nil)
			return nil, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pkgredis.ErrLockNotHeld) {
				s.log.Warnf("release sweep lock failed", map[string]interface{}{"error": err})
			}
		}()
	}

	stuck, err := s.store.Stale(ctx, s.now().Add(-s.stuckAfter))
	if err != nil {
		s.finish("error", err)
		return nil, err
	}

	seen := make(map[string]struct{}, len(stuck))
	s.mu.Lock()
	var fresh []*saga.Log
	for _, l := range stuck {
		seen[l.ID] = struct{}{}
		if _, ok := s.flagged[l.ID]; !ok {
			fresh = append(fresh, l)
		}
	}
	s.flagged = seen
	s.mu.Unlock()

	for _, l := range stuck {
		s.log.Warnf("saga stuck", map[string]interface{}{
			"transaction_id": l.ID,
			"saga":           l.Name,
			"status":         string(l.Status),
			"updated_at":     l.UpdatedAt,
			"executed":       len(l.Executed),
		})
	}
	for _, l := range fresh {
		s.flag(ctx, l)
	}

	if s.metrics != nil {
		s.metrics.SetStuckSagas(len(stuck))
	}
	s.finish("ok", nil)
	return stuck, nil
}

func (s *Sweeper) flag(ctx context.Context, l *saga.Log) {
	if s.audit == nil {
		return
	}
	executed := make([]string, 0, len(l.Executed))
	for _, r := range l.Executed {
		executed = append(executed, r.Name)
	}
	rec := audit.NewRecord(audit.EventStuckSagaFlagged, 0, l.ID).
		WithResource("saga", l.Name).
		WithParams(map[string]interface{}{
			"status":      string(l.Status),
			"executed":    executed,
			"updatedAtMs": l.UpdatedAt.UnixMilli(),
		})
	if err := s.audit.Log(ctx, rec); err != nil {
		s.log.Warnf("audit stuck saga failed", map[string]interface{}{
			"transaction_id": l.ID,
			"error":          err,
		})
	}
}

func (s *Sweeper) finish(outcome string, err error) {
	if s.monitor != nil {
		s.monitor.Tick()
		s.monitor.SetError(err)
	}
	if s.metrics != nil {
		s.metrics.IncSweep(outcome)
	}
	if err != nil {
		s.log.Errorf("saga sweep failed", map[string]interface{}{"error": err})
	}
}

// Start schedules Sweep on expr, which accepts five-field cron expressions
// and descriptors such as "@every 1m". The returned cron must be stopped
// by the caller.
func (s *Sweeper) Start(ctx context.Context, expr string) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}

	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = s.Sweep(ctx)
	}))
	c.Start()
	return c, nil
}
