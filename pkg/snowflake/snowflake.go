// Package snowflake generates time-ordered int64 ids for agent rows.
//
// Layout, high to low: 41 bits of milliseconds since 2025-01-01 UTC,
// 10 bits of worker id, 12 bits of per-millisecond sequence.
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	epoch int64 = 1735689600000

	workerBits   = 10
	sequenceBits = 12

	MaxWorkerID = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1

	// MaxRollback is the largest backwards clock step Generate waits out
	// instead of failing.
	MaxRollback = 5 * time.Millisecond
)

var (
	ErrInvalidWorkerID = fmt.Errorf("worker id must be in [0, %d]", MaxWorkerID)
	ErrClockMovedBack  = errors.New("clock moved backwards")
)

// Parts is the decoded form of an id.
type Parts struct {
	Time     time.Time
	WorkerID int64
	Sequence int64
}

// Generator is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	workerID int64
	seq      int64
	last     int64

	now   func() int64
	sleep func(time.Duration)
}

func New(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
		sleep:    time.Sleep,
	}, nil
}

// Generate returns the next id. Exhausting the sequence within one
// millisecond spins until the next one.
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms, err := g.tick()
	if err != nil {
		return 0, err
	}

	if ms == g.last {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			for ms <= g.last {
				ms = g.now()
			}
		}
	} else {
		g.seq = 0
	}
	g.last = ms

	return (ms-epoch)<<(workerBits+sequenceBits) | g.workerID<<sequenceBits | g.seq, nil
}

// tick reads the clock, sleeping through a rollback of at most MaxRollback.
func (g *Generator) tick() (int64, error) {
	ms := g.now()
	if ms >= g.last {
		return ms, nil
	}
	behind := time.Duration(g.last-ms) * time.Millisecond
	if behind > MaxRollback {
		return 0, fmt.Errorf("%w: by %s", ErrClockMovedBack, behind)
	}
	g.sleep(behind)
	if ms = g.now(); ms < g.last {
		return 0, fmt.Errorf("%w: still behind after %s", ErrClockMovedBack, behind)
	}
	return ms, nil
}

// NextID satisfies the id source used by the agent row step.
func (g *Generator) NextID() (int64, error) {
	return g.Generate()
}

// Decode splits id into its components.
func Decode(id int64) Parts {
	return Parts{
		Time:     time.UnixMilli(id>>(workerBits+sequenceBits) + epoch).UTC(),
		WorkerID: id >> sequenceBits & MaxWorkerID,
		Sequence: id & maxSequence,
	}
}
