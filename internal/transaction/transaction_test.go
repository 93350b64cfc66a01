package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxframe/sipcore/internal/sipmsg"
)

// fakeScheduler never runs the callbacks handed to Add, so tests don't
// depend on wall-clock timing; Del is a no-op.
type fakeScheduler struct{ cancelled map[int]bool }

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{cancelled: map[int]bool{}} }

func (f *fakeScheduler) Add(d time.Duration, fn func()) TimerHandle {
	return 0 // tests never rely on retransmit/timeout firing; they drive the FSM directly
}
func (f *fakeScheduler) Del(h TimerHandle) {}

type fakeTransport struct{ sent []sipmsg.Message }

func (f *fakeTransport) Send(ctx context.Context, dest string, msg sipmsg.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func newTestManager() (*Manager, *fakeTransport) {
	tr := &fakeTransport{}
	m := NewManager(newFakeScheduler(), zerolog.Nop())
	return m, tr
}

func inviteReq(t *testing.T) *sipmsg.Request {
	uri, err := sipmsg.ParseURI("sip:bob@biloxi.example")
	require.NoError(t, err)
	req := sipmsg.NewRequest("INVITE", uri)
	req.Headers().Set(sipmsg.HeaderVia, sipmsg.Via("UDP", "pc33.atlanta.example:5060", sipmsg.NewBranch(), true))
	req.Headers().Set(sipmsg.HeaderCallID, sipmsg.NewCallID("atlanta.example"))
	req.Headers().Set(sipmsg.HeaderCSeq, "1 INVITE")
	return req
}

func TestICT_ProgressesToTerminatedOn2xx(t *testing.T) {
	m, tr := newTestManager()
	req := inviteReq(t)
	tx, err := m.NewClientTransaction(req, Sender{Transport: tr, Dest: "203.0.113.1:5060"}, nil)
	require.NoError(t, err)
	assert.Equal(t, string(stICT_Calling), tx.State())
	require.Len(t, tr.sent, 1)

	tx.ReceiveResponse(&sipmsg.Response{StatusCode: 180, Reason: "Ringing"})
	assert.Equal(t, string(stICT_Proceeding), tx.State())

	tx.ReceiveResponse(&sipmsg.Response{StatusCode: 200, Reason: "OK"})
	assert.Equal(t, string(stICT_Terminated), tx.State())
}

func TestICT_NonOKFinalGoesToCompleted(t *testing.T) {
	m, tr := newTestManager()
	req := inviteReq(t)
	tx, err := m.NewClientTransaction(req, Sender{Transport: tr, Dest: "203.0.113.1:5060"}, nil)
	require.NoError(t, err)

	tx.ReceiveResponse(&sipmsg.Response{StatusCode: 486, Reason: "Busy Here"})
	assert.Equal(t, string(stICT_Completed), tx.State())
}

func TestNICT_CompletesOn2xx(t *testing.T) {
	m, tr := newTestManager()
	uri, _ := sipmsg.ParseURI("sip:registrar.biloxi.example")
	req := sipmsg.NewRequest("REGISTER", uri)
	req.Headers().Set(sipmsg.HeaderVia, sipmsg.Via("UDP", "bobspc.biloxi.example:5060", sipmsg.NewBranch(), true))
	req.Headers().Set(sipmsg.HeaderCallID, sipmsg.NewCallID("biloxi.example"))
	req.Headers().Set(sipmsg.HeaderCSeq, "1 REGISTER")

	tx, err := m.NewClientTransaction(req, Sender{Transport: tr, Dest: "203.0.113.2:5060"}, nil)
	require.NoError(t, err)
	assert.Equal(t, string(stNICT_Trying), tx.State())

	tx.ReceiveResponse(&sipmsg.Response{StatusCode: 200, Reason: "OK"})
	assert.Equal(t, string(stNICT_Completed), tx.State())
}

func TestIST_ACKConfirmsAfterNonOK(t *testing.T) {
	_, tr := newTestManager()
	req := inviteReq(t)
	var called bool
	tx := &Transaction{key: keyOf("z9hG4bKtest", "INVITE"), kind: KindIST, request: req,
		sender: Sender{Transport: tr, Dest: "x"}, sched: newFakeScheduler(), log: zerolog.Nop()}
	tx.fsm = newISTFSM(tx)
	assert.Equal(t, string(stIST_Proceeding), tx.State())

	tx.SendResponse(&sipmsg.Response{StatusCode: 486, Reason: "Busy Here"})
	assert.Equal(t, string(stIST_Completed), tx.State())
	called = len(tr.sent) == 1
	assert.True(t, called)

	tx.ReceiveACK()
	assert.Equal(t, string(stIST_Confirmed), tx.State())
}

func TestIST_CancelQueuedBeforeProvisional(t *testing.T) {
	_, tr := newTestManager()
	req := inviteReq(t)
	tx := &Transaction{key: keyOf("z9hG4bKtest2", "INVITE"), kind: KindIST, request: req,
		sender: Sender{Transport: tr, Dest: "x"}, sched: newFakeScheduler(), log: zerolog.Nop()}
	tx.fsm = newISTFSM(tx)

	queued := tx.ReceiveCancel()
	assert.True(t, queued)
	assert.False(t, tx.CancelRequested())

	tx.SendResponse(&sipmsg.Response{StatusCode: 180, Reason: "Ringing"})
	assert.True(t, tx.CancelRequested())
}

func TestManager_ServerTransactionRetransmitDoesNotReinvokeHandler(t *testing.T) {
	m, tr := newTestManager()
	req := inviteReq(t)
	calls := 0
	handler := func(r *sipmsg.Request) *sipmsg.Response {
		calls++
		return &sipmsg.Response{StatusCode: 100, Reason: "Trying"}
	}
	_, isNew1 := m.NewServerTransaction(req, Sender{Transport: tr, Dest: "x"}, handler)
	_, isNew2 := m.NewServerTransaction(req, Sender{Transport: tr, Dest: "x"}, handler)
	assert.True(t, isNew1)
	assert.False(t, isNew2)
	assert.Equal(t, 1, calls)
	assert.Len(t, tr.sent, 2) // original response + retransmit
}

func TestManager_FindLocatesClientTransactionByBranchAndMethod(t *testing.T) {
	m, tr := newTestManager()
	req := inviteReq(t)
	tx, err := m.NewClientTransaction(req, Sender{Transport: tr, Dest: "203.0.113.1:5060"}, nil)
	require.NoError(t, err)

	branch := ViaBranch(req)
	require.NotEmpty(t, branch)
	found, ok := m.Find(branch, "INVITE")
	assert.True(t, ok)
	assert.Same(t, tx, found)

	_, ok = m.Find(branch, "BYE")
	assert.False(t, ok)
}

func TestManager_SetT1ForDestAppliesToNewTransactions(t *testing.T) {
	m, tr := newTestManager()
	m.SetT1ForDest("203.0.113.1:5060", 900*time.Millisecond)

	req := inviteReq(t)
	tx, err := m.NewClientTransaction(req, Sender{Transport: tr, Dest: "203.0.113.1:5060"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 900*time.Millisecond, tx.t1)

	other := inviteReq(t)
	tx2, err := m.NewClientTransaction(other, Sender{Transport: tr, Dest: "198.51.100.1:5060"}, nil)
	require.NoError(t, err)
	assert.Equal(t, T1, tx2.t1)
}
