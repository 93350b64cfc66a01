package registrar

import (
	"time"

	"github.com/voxframe/sipcore/internal/scheduler"
)

// SchedulerAdapter wraps a *scheduler.Scheduler to satisfy this package's
// minimal Scheduler interface.
type SchedulerAdapter struct {
	S *scheduler.Scheduler
}

func (a SchedulerAdapter) Add(d time.Duration, fn func()) interface{} {
	return a.S.Add(d, fn)
}

func (a SchedulerAdapter) Del(h interface{}) {
	if handle, ok := h.(scheduler.Handle); ok {
		a.S.Del(handle)
	}
}
