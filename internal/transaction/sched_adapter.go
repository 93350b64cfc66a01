package transaction

import (
	"time"

	"github.com/voxframe/sipcore/internal/scheduler"
)

// SchedulerAdapter wraps a *scheduler.Scheduler so it satisfies the
// transaction package's minimal Scheduler interface, keeping transaction
// tests free to supply a fake clock instead.
type SchedulerAdapter struct {
	S *scheduler.Scheduler
}

func (a SchedulerAdapter) Add(d time.Duration, fn func()) TimerHandle {
	return a.S.Add(d, fn)
}

func (a SchedulerAdapter) Del(h TimerHandle) {
	if handle, ok := h.(scheduler.Handle); ok {
		a.S.Del(handle)
	}
}
