package health

import (
	"sync/atomic"
	"time"
)

// LoopMonitor tracks whether a background loop is still ticking.
type LoopMonitor struct {
	lastTick atomic.Int64
	lastErr  atomic.Pointer[string]
}

func (m *LoopMonitor) Tick() {
	m.lastTick.Store(time.Now().UnixNano())
}

// SetError records the loop's latest failure; nil clears it.
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		m.lastErr.Store(nil)
		return
	}
	msg := err.Error()
	m.lastErr.Store(&msg)
}

func (m *LoopMonitor) LastError() string {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Healthy reports whether the loop ticked within maxAge of now. A loop that
// never ticked is unhealthy.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTick.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		return true, 0, lastErr
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	age = now.Sub(t)
	return age <= maxAge, age, lastErr
}
