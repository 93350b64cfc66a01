package registrar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Client states, mirroring the teacher's enter/leave-state FSM idiom.
const (
	StateUnregistered = "unregistered"
	StateRegistering  = "registering"
	StateRegistered   = "registered"
	StateFailed       = "failed"
)

const (
	evSend       = "send"
	evAccepted   = "accepted"
	evChallenged = "challenged"
	evRejected   = "rejected"
	evTimeout    = "timeout"
	evExpired    = "expired"
)

// Scheduler is the minimal timer contract the registration client needs.
type Scheduler interface {
	Add(d time.Duration, fn func()) interface{}
	Del(h interface{})
}

// Sender issues a REGISTER (optionally with an Authorization header
// already attached) and is invoked again by the client on 401/407.
type Sender func(ctx context.Context, withAuth bool) error

// Entry is a single account's registration lifecycle: send REGISTER,
// handle challenge, schedule refresh at expires - max(15, 20%) with a
// 500ms floor per §4.6, retry once on 401/407, then give up with
// StateFailed on a second challenge or any 403.
type Entry struct {
	mu    sync.Mutex
	fsm   *fsm.FSM
	sched Scheduler
	log   zerolog.Logger
	send  Sender
	retried bool
	refreshHandle interface{}
}

func NewEntry(sched Scheduler, log zerolog.Logger, send Sender) *Entry {
	e := &Entry{sched: sched, log: log, send: send}
	e.fsm = fsm.NewFSM(
		StateUnregistered,
		fsm.Events{
			{Name: evSend, Src: []string{StateUnregistered, StateFailed, StateRegistered}, Dst: StateRegistering},
			{Name: evChallenged, Src: []string{StateRegistering}, Dst: StateRegistering},
			{Name: evAccepted, Src: []string{StateRegistering}, Dst: StateRegistered},
			{Name: evRejected, Src: []string{StateRegistering}, Dst: StateFailed},
			{Name: evTimeout, Src: []string{StateRegistering}, Dst: StateFailed},
			{Name: evExpired, Src: []string{StateRegistered}, Dst: StateUnregistered},
		},
		fsm.Callbacks{
			"enter_" + StateRegistering: func(ctx context.Context, ev *fsm.Event) { e.onEnterRegistering() },
		},
	)
	return e
}

func (e *Entry) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fsm.Current()
}

// Start sends the initial REGISTER without credentials.
func (e *Entry) Start(ctx context.Context) error {
	e.mu.Lock()
	e.retried = false
	e.mu.Unlock()
	if err := e.fsm.Event(ctx, evSend); err != nil {
		return fmt.Errorf("registrar: start: %w", err)
	}
	return nil
}

func (e *Entry) onEnterRegistering() {
	if err := e.send(context.Background(), false); err != nil {
		e.log.Warn().Err(err).Msg("registrar: initial REGISTER send failed")
	}
}

// OnChallenge handles a 401/407: retries once with credentials attached,
// per §4.6's retry-limit rule, then fails.
func (e *Entry) OnChallenge(ctx context.Context) error {
	e.mu.Lock()
	if e.retried {
		e.mu.Unlock()
		return e.fsm.Event(ctx, evRejected)
	}
	e.retried = true
	e.mu.Unlock()
	if err := e.fsm.Event(ctx, evChallenged); err != nil {
		// Registering -> Registering is a self-transition, which looplab/fsm
		// reports as NoTransitionError; only other errors stop the retry.
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return err
		}
	}
	return e.send(ctx, true)
}

// OnAccepted marks the registration successful and arms the refresh timer
// at expires - max(15s, 20%), floored at 500ms, per §4.6.
func (e *Entry) OnAccepted(ctx context.Context, expires time.Duration, refresh func()) error {
	if err := e.fsm.Event(ctx, evAccepted); err != nil {
		return err
	}
	margin := expires / 5
	if margin < 15*time.Second {
		margin = 15 * time.Second
	}
	wait := expires - margin
	if wait < 500*time.Millisecond {
		wait = 500 * time.Millisecond
	}
	e.mu.Lock()
	e.refreshHandle = e.sched.Add(wait, refresh)
	e.mu.Unlock()
	return nil
}

// OnRejected handles a 403 or a second challenge: terminal failure.
func (e *Entry) OnRejected(ctx context.Context) error {
	return e.fsm.Event(ctx, evRejected)
}

// OnTimeout handles a REGISTER that received no response.
func (e *Entry) OnTimeout(ctx context.Context) error {
	return e.fsm.Event(ctx, evTimeout)
}

// Stop cancels any pending refresh timer.
func (e *Entry) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refreshHandle != nil {
		e.sched.Del(e.refreshHandle)
		e.refreshHandle = nil
	}
}
