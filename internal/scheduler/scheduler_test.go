package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_FiresInOrder(t *testing.T) {
	s := New()
	var order []int
	done := make(chan struct{})

	s.Add(30*time.Millisecond, func() { order = append(order, 3); close(done) })
	s.Add(10*time.Millisecond, func() { order = append(order, 1) })
	s.Add(20*time.Millisecond, func() { order = append(order, 2) })

	deadline := time.After(time.Second)
	for {
		select {
		case <-done:
			assert.Equal(t, []int{1, 2, 3}, order)
			return
		case <-deadline:
			t.Fatal("timers did not fire")
		default:
			s.Wait(50 * time.Millisecond)
		}
	}
}

func TestScheduler_DelCancels(t *testing.T) {
	s := New()
	var fired int32
	h := s.Add(5*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Del(h)
	s.Wait(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestScheduler_ReentrantReschedule(t *testing.T) {
	s := New()
	count := 0
	var again func()
	again = func() {
		count++
		if count < 3 {
			s.Add(5*time.Millisecond, again)
		}
	}
	s.Add(5*time.Millisecond, again)
	for i := 0; i < 5 && count < 3; i++ {
		s.Wait(20 * time.Millisecond)
	}
	assert.Equal(t, 3, count)
}

func TestScheduler_WhenEmpty(t *testing.T) {
	s := New()
	_, ok := s.When()
	assert.False(t, ok)
}
