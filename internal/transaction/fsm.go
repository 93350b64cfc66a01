package transaction

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/voxframe/sipcore/internal/sipmsg"
)

type fsmEvent string

const (
	evStart       fsmEvent = "start"
	evReceive1xx  fsmEvent = "recv_1xx"
	evReceive2xx  fsmEvent = "recv_2xx"
	evReceive3xx  fsmEvent = "recv_3xx"
	evReceive4xx  fsmEvent = "recv_4xx"
	evReceive5xx  fsmEvent = "recv_5xx"
	evReceive6xx  fsmEvent = "recv_6xx"
	evTimeout     fsmEvent = "timeout"
	evTransportErr fsmEvent = "transport_err"
	evTimerD      fsmEvent = "timer_d"
	evTimerK      fsmEvent = "timer_k"
	evAck         fsmEvent = "ack"
)

// ICT states, RFC 3261 Figure 5.
const (
	stICT_Calling    = fsmEvent("calling")
	stICT_Proceeding = fsmEvent("proceeding")
	stICT_Completed  = fsmEvent("completed")
	stICT_Terminated = fsmEvent("terminated")
)

func newICTFSM(t *Transaction) *fsm.FSM {
	nonFinal := []string{string(stICT_Calling), string(stICT_Proceeding)}
	f := fsm.NewFSM(
		string(stICT_Calling),
		fsm.Events{
			{Name: string(evReceive1xx), Src: nonFinal, Dst: string(stICT_Proceeding)},
			{Name: string(evReceive2xx), Src: nonFinal, Dst: string(stICT_Terminated)},
			{Name: string(evReceive3xx), Src: nonFinal, Dst: string(stICT_Completed)},
			{Name: string(evReceive4xx), Src: nonFinal, Dst: string(stICT_Completed)},
			{Name: string(evReceive5xx), Src: nonFinal, Dst: string(stICT_Completed)},
			{Name: string(evReceive6xx), Src: nonFinal, Dst: string(stICT_Completed)},
			{Name: string(evTimeout), Src: nonFinal, Dst: string(stICT_Terminated)},
			{Name: string(evTransportErr), Src: nonFinal, Dst: string(stICT_Terminated)},
			{Name: string(evTimerD), Src: []string{string(stICT_Completed)}, Dst: string(stICT_Terminated)},
		},
		fsm.Callbacks{
			"enter_" + string(stICT_Completed):  func(ctx context.Context, e *fsm.Event) { t.onICTCompleted() },
			"enter_" + string(stICT_Terminated): func(ctx context.Context, e *fsm.Event) { t.onTerminated() },
		},
	)
	return f
}

func (t *Transaction) onICTCalling() {
	t.sendRequest()
	interval := t.t1
	var retransmit func()
	retransmit = func() {
		if t.State() != string(stICT_Calling) {
			return
		}
		t.sendRequest()
		interval *= 2
		if interval > T2 {
			interval = T2
		}
		t.scheduleTimer(interval, retransmit)
	}
	t.scheduleTimer(t.t1, retransmit) // Timer A
	t.scheduleTimer(64*t.t1, func() { // Timer B
		if t.State() == string(stICT_Calling) || t.State() == string(stICT_Proceeding) {
			_ = t.fsm.Event(context.Background(), string(evTimeout))
		}
	})
}

func (t *Transaction) onICTCompleted() {
	t.mu.Lock()
	resp := t.lastResp
	t.mu.Unlock()
	if resp != nil && resp.Headers() != nil {
		ack := sipmsg.NewACKForNon2xx(t.request, resp)
		if err := t.sender.Transport.Send(context.Background(), t.sender.Dest, ack); err != nil {
			t.log.Warn().Err(err).Msg("transaction: failed to send ACK")
		}
	}
	t.scheduleTimer(64*t.t1, func() { // Timer D (wait for response retransmits to drain)
		_ = t.fsm.Event(context.Background(), string(evTimerD))
	})
}

func (t *Transaction) onTerminated() {
	t.cancelTimers()
}

// NICT states, RFC 3261 Figure 6.
const (
	stNICT_Trying     = fsmEvent("trying")
	stNICT_Proceeding = fsmEvent("n_proceeding")
	stNICT_Completed  = fsmEvent("n_completed")
	stNICT_Terminated = fsmEvent("n_terminated")
)

func newNICTFSM(t *Transaction) *fsm.FSM {
	nonFinal := []string{string(stNICT_Trying), string(stNICT_Proceeding)}
	f := fsm.NewFSM(
		string(stNICT_Trying),
		fsm.Events{
			{Name: string(evReceive1xx), Src: nonFinal, Dst: string(stNICT_Proceeding)},
			{Name: string(evReceive2xx), Src: nonFinal, Dst: string(stNICT_Completed)},
			{Name: string(evReceive3xx), Src: nonFinal, Dst: string(stNICT_Completed)},
			{Name: string(evReceive4xx), Src: nonFinal, Dst: string(stNICT_Completed)},
			{Name: string(evReceive5xx), Src: nonFinal, Dst: string(stNICT_Completed)},
			{Name: string(evReceive6xx), Src: nonFinal, Dst: string(stNICT_Completed)},
			{Name: string(evTimeout), Src: nonFinal, Dst: string(stNICT_Terminated)},
			{Name: string(evTransportErr), Src: nonFinal, Dst: string(stNICT_Terminated)},
			{Name: string(evTimerK), Src: []string{string(stNICT_Completed)}, Dst: string(stNICT_Terminated)},
		},
		fsm.Callbacks{
			"enter_" + string(stNICT_Completed):  func(ctx context.Context, e *fsm.Event) { t.onNICTCompleted() },
			"enter_" + string(stNICT_Terminated): func(ctx context.Context, e *fsm.Event) { t.onTerminated() },
		},
	)
	return f
}

func (t *Transaction) onNICTTrying() {
	t.sendRequest()
	interval := t.t1
	var retransmit func()
	retransmit = func() {
		s := t.State()
		if s != string(stNICT_Trying) && s != string(stNICT_Proceeding) {
			return
		}
		t.sendRequest()
		interval *= 2
		if interval > T2 {
			interval = T2
		}
		t.scheduleTimer(interval, retransmit)
	}
	t.scheduleTimer(t.t1, retransmit) // Timer E
	t.scheduleTimer(64*t.t1, func() { // Timer F
		s := t.State()
		if s == string(stNICT_Trying) || s == string(stNICT_Proceeding) {
			_ = t.fsm.Event(context.Background(), string(evTimeout))
		}
	})
}

func (t *Transaction) onNICTCompleted() {
	t.scheduleTimer(T4, func() { // Timer K
		_ = t.fsm.Event(context.Background(), string(evTimerK))
	})
}

// IST states, RFC 3261 Figure 7.
const (
	stIST_Proceeding = fsmEvent("s_proceeding")
	stIST_Completed  = fsmEvent("s_completed")
	stIST_Confirmed  = fsmEvent("s_confirmed")
	stIST_Terminated = fsmEvent("s_terminated")
)

func newISTFSM(t *Transaction) *fsm.FSM {
	f := fsm.NewFSM(
		string(stIST_Proceeding),
		fsm.Events{
			{Name: string(evReceive1xx), Src: []string{string(stIST_Proceeding)}, Dst: string(stIST_Proceeding)},
			{Name: string(evReceive2xx), Src: []string{string(stIST_Proceeding)}, Dst: string(stIST_Terminated)},
			{Name: string(evReceive3xx), Src: []string{string(stIST_Proceeding)}, Dst: string(stIST_Completed)},
			{Name: string(evReceive4xx), Src: []string{string(stIST_Proceeding)}, Dst: string(stIST_Completed)},
			{Name: string(evReceive5xx), Src: []string{string(stIST_Proceeding)}, Dst: string(stIST_Completed)},
			{Name: string(evReceive6xx), Src: []string{string(stIST_Proceeding)}, Dst: string(stIST_Completed)},
			{Name: string(evAck), Src: []string{string(stIST_Completed)}, Dst: string(stIST_Confirmed)},
			{Name: string(evTimerD), Src: []string{string(stIST_Confirmed)}, Dst: string(stIST_Terminated)},
			{Name: string(evTimeout), Src: []string{string(stIST_Completed)}, Dst: string(stIST_Terminated)},
		},
		fsm.Callbacks{
			"enter_" + string(stIST_Completed):  func(ctx context.Context, e *fsm.Event) { t.onISTCompleted() },
			"enter_" + string(stIST_Confirmed):  func(ctx context.Context, e *fsm.Event) { t.onISTConfirmed() },
			"enter_" + string(stIST_Terminated): func(ctx context.Context, e *fsm.Event) { t.onTerminated() },
		},
	)
	return f
}

func (t *Transaction) onISTCompleted() {
	interval := t.t1
	var retransmit func()
	retransmit = func() {
		if t.State() != string(stIST_Completed) {
			return
		}
		t.retransmitLastResponse()
		interval *= 2
		if interval > T2 {
			interval = T2
		}
		t.scheduleTimer(interval, retransmit)
	}
	t.scheduleTimer(t.t1, retransmit) // Timer G
	t.scheduleTimer(64*t.t1, func() { // Timer H
		if t.State() == string(stIST_Completed) {
			_ = t.fsm.Event(context.Background(), string(evTimeout))
		}
	})
}

// ReceiveACK feeds an inbound ACK into an IST, completing the
// Completed->Confirmed transition per RFC 3261 Figure 7.
func (t *Transaction) ReceiveACK() {
	_ = t.fsm.Event(context.Background(), string(evAck))
}

func (t *Transaction) onISTConfirmed() {
	t.scheduleTimer(T4, func() { // Timer I
		_ = t.fsm.Event(context.Background(), string(evTimerD))
	})
}

// NIST states, RFC 3261 Figure 8.
const (
	stNIST_Trying     = fsmEvent("ns_trying")
	stNIST_Proceeding = fsmEvent("ns_proceeding")
	stNIST_Completed  = fsmEvent("ns_completed")
	stNIST_Terminated = fsmEvent("ns_terminated")
)

func newNISTFSM(t *Transaction) *fsm.FSM {
	f := fsm.NewFSM(
		string(stNIST_Trying),
		fsm.Events{
			{Name: string(evReceive1xx), Src: []string{string(stNIST_Trying), string(stNIST_Proceeding)}, Dst: string(stNIST_Proceeding)},
			{Name: string(evReceive2xx), Src: []string{string(stNIST_Trying), string(stNIST_Proceeding)}, Dst: string(stNIST_Completed)},
			{Name: string(evReceive3xx), Src: []string{string(stNIST_Trying), string(stNIST_Proceeding)}, Dst: string(stNIST_Completed)},
			{Name: string(evReceive4xx), Src: []string{string(stNIST_Trying), string(stNIST_Proceeding)}, Dst: string(stNIST_Completed)},
			{Name: string(evReceive5xx), Src: []string{string(stNIST_Trying), string(stNIST_Proceeding)}, Dst: string(stNIST_Completed)},
			{Name: string(evReceive6xx), Src: []string{string(stNIST_Trying), string(stNIST_Proceeding)}, Dst: string(stNIST_Completed)},
			{Name: string(evTimerK), Src: []string{string(stNIST_Completed)}, Dst: string(stNIST_Terminated)},
		},
		fsm.Callbacks{
			"enter_" + string(stNIST_Completed):  func(ctx context.Context, e *fsm.Event) { t.onNISTCompleted() },
			"enter_" + string(stNIST_Terminated): func(ctx context.Context, e *fsm.Event) { t.onTerminated() },
		},
	)
	return f
}

func (t *Transaction) onNISTCompleted() {
	t.scheduleTimer(64*t.t1, func() { // Timer J
		_ = t.fsm.Event(context.Background(), string(evTimerK))
	})
}
