package scheduler

import (
	"context"
	"fmt"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// LockReleaser frees per-group locks that have been held too long.
type LockReleaser interface {
	ForceReleaseStale(maxAge time.Duration) []model.GroupKey
}

type AlertSink interface {
	Enqueue(model.Alert) bool
}

// Monitor restarts jobs whose consecutive error count reaches MaxErrors
// and releases locks older than LockTimeout.
type Monitor struct {
	Scheduler   *Scheduler
	Locks       LockReleaser
	Alerts      AlertSink
	MaxErrors   int
	LockTimeout time.Duration
	// Self is the monitor's own job name, never restarted by itself.
	Self string
}

// Check is registered as a job.
func (m *Monitor) Check(context.Context) error {
	restarted := 0
	for _, h := range m.Scheduler.Health() {
		if h.Name == m.Self || h.ConsecutiveErrors < m.MaxErrors {
			continue
		}
		if err := m.Scheduler.Restart(h.Name); err != nil {
			appLog.Error("job restart failed", err, "job", h.Name)
			continue
		}
		restarted++
		if m.Alerts != nil {
			m.Alerts.Enqueue(model.Alert{
				Key:     "job:" + h.Name,
				Kind:    "job_restart",
				Message: fmt.Sprintf("job %s restarted after %d consecutive errors: %s", h.Name, h.ConsecutiveErrors, h.LastError),
				At:      time.Now().UTC(),
			})
		}
	}

	released := 0
	if m.Locks != nil && m.LockTimeout > 0 {
		released = len(m.Locks.ForceReleaseStale(m.LockTimeout))
	}
	appLog.Debug("health check done", "restarted", restarted, "released_locks", released)
	return nil
}
