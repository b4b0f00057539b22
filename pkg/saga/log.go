package saga

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrLogNotFound = errors.New("saga log not found")

// Log is the persisted record of one transaction. It is written for
// observability; nothing replays it automatically after a crash.
type Log struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Status             Status       `json:"status"`
	Steps              []string     `json:"steps"`
	Executed           []StepRecord `json:"executed"`
	FailedStep         string       `json:"failedStep,omitempty"`
	Error              string       `json:"error,omitempty"`
	CompensationErrors []string     `json:"compensationErrors,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// StepRecord is the completion entry of one executed step.
type StepRecord struct {
	Name   string    `json:"name"`
	State  StepState `json:"state"`
	Output Result    `json:"output,omitempty"`
	At     time.Time `json:"at"`
}

func (l *Log) clone() *Log {
	out := *l
	out.Steps = append([]string(nil), l.Steps...)
	out.Executed = append([]StepRecord(nil), l.Executed...)
	out.CompensationErrors = append([]string(nil), l.CompensationErrors...)
	return &out
}

// Store persists saga logs.
type Store interface {
	Save(ctx context.Context, log *Log) error
	Get(ctx context.Context, id string) (*Log, error)
	Update(ctx context.Context, log *Log) error
}

// MemoryStore keeps logs in process memory, for tests and single-node use.
type MemoryStore struct {
	logs *xsync.MapOf[string, *Log]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: xsync.NewMapOf[string, *Log]()}
}

func (m *MemoryStore) Save(_ context.Context, log *Log) error {
	m.logs.Store(log.ID, log.clone())
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Log, error) {
	log, ok := m.logs.Load(id)
	if !ok {
		return nil, ErrLogNotFound
	}
	return log.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, log *Log) error {
	if _, ok := m.logs.Load(log.ID); !ok {
		return ErrLogNotFound
	}
	m.logs.Store(log.ID, log.clone())
	return nil
}

// Stale returns logs that are not terminal and were last updated before cutoff.
func (m *MemoryStore) Stale(_ context.Context, cutoff time.Time) ([]*Log, error) {
	var out []*Log
	m.logs.Range(func(_ string, log *Log) bool {
		if !log.Status.Terminal() && log.UpdatedAt.Before(cutoff) {
			out = append(out, log.clone())
		}
		return true
	})
	return out, nil
}
