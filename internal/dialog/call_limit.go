package dialog

import "sync"

// CallLimiter is a per-account counting semaphore enforcing the
// configured call_limit, per the resolved Open Question: a dialog
// establishment that would exceed the limit is rejected 486 rather than
// queued.
type CallLimiter struct {
	mu     sync.Mutex
	limits map[string]int
	active map[string]int
}

func NewCallLimiter() *CallLimiter {
	return &CallLimiter{limits: make(map[string]int), active: make(map[string]int)}
}

// SetLimit configures the call_limit for account; 0 means unlimited.
func (c *CallLimiter) SetLimit(account string, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[account] = limit
}

// TryAcquire reports whether account has capacity for one more dialog,
// incrementing its active count if so.
func (c *CallLimiter) TryAcquire(account string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := c.limits[account]
	if limit > 0 && c.active[account] >= limit {
		return false
	}
	c.active[account]++
	return true
}

// Release decrements account's active dialog count on dialog termination.
func (c *CallLimiter) Release(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[account] > 0 {
		c.active[account]--
	}
}

// Active reports the current in-use count for account.
func (c *CallLimiter) Active(account string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[account]
}
