// Package transaction implements the RFC 3261 §17 client and server
// transaction state machines (ICT, NICT, IST, NIST) on top of looplab/fsm,
// driven by the scheduler for Timer A/B/E/F/G/H/I/J/K and T1/T2.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/voxframe/sipcore/internal/sipmsg"
)

// Timer constants per §4.4 / RFC 3261 Appendix A.
const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second
)

// Kind distinguishes the four transaction state machines.
type Kind int

const (
	KindICT  Kind = iota // INVITE client
	KindNICT             // non-INVITE client
	KindIST              // INVITE server
	KindNIST             // non-INVITE server
)

// Key identifies a transaction per §17.1.3/17.2.3: branch + method (+
// sent-by for server transactions matching pre-RFC3261 peers, omitted
// here since every branch we originate or require is a unique 3261 token).
type Key struct {
	Branch string
	Method string
}

func keyOf(branch, method string) Key { return Key{Branch: branch, Method: method} }

// Transport is the minimal send contract a transaction needs; internal/
// transport.Transport satisfies it.
type Transport interface {
	Send(ctx context.Context, dest string, msg sipmsg.Message) error
}

// Sender identifies where retransmissions and requests go.
type Sender struct {
	Transport Transport
	Dest      string
}

// ResponseHandler is invoked for every response a client transaction
// receives, including retransmitted provisionals.
type ResponseHandler func(resp *sipmsg.Response)

// RequestHandler is invoked by a server transaction when the transaction
// layer wants the core (dialog/registrar layer) to act on the request;
// for retransmitted requests the transaction layer answers from its own
// cached final response instead of calling this again.
type RequestHandler func(req *sipmsg.Request) *sipmsg.Response

// Transaction is the common shape shared by all four kinds.
type Transaction struct {
	mu  sync.Mutex
	key Key
	kind Kind

	fsm *fsm.FSM

	request  *sipmsg.Request
	lastResp *sipmsg.Response

	t1     time.Duration
	sender Sender
	sched  Scheduler
	log    zerolog.Logger

	onResponse ResponseHandler
	timers     []TimerHandle

	cancelPending bool
	cancelled     bool
	provisionalSent bool
}

// Scheduler is the subset of scheduler.Scheduler a transaction needs.
type Scheduler interface {
	Add(d time.Duration, fn func()) TimerHandle
	Del(h TimerHandle)
}

// TimerHandle mirrors scheduler.Handle without importing the concrete
// package, keeping transaction free to be tested with a fake clock.
type TimerHandle interface{}

// Manager tracks live transactions by Key and routes inbound messages to
// them, creating new server transactions on demand.
type Manager struct {
	mu       sync.Mutex
	txs      map[Key]*Transaction
	sched    Scheduler
	log      zerolog.Logger
	t1ByDest map[string]time.Duration
}

func NewManager(sched Scheduler, log zerolog.Logger) *Manager {
	return &Manager{txs: make(map[Key]*Transaction), sched: sched, log: log, t1ByDest: make(map[string]time.Duration)}
}

// SetT1ForDest records a measured round-trip to dest (typically from an
// OPTIONS keepalive poke) as that peer's Timer T1 estimate for future
// transactions, per §4.5. Clamped to a sane range so a single slow or
// suspiciously fast sample cannot wreck retransmission timing.
func (m *Manager) SetT1ForDest(dest string, rtt time.Duration) {
	if rtt < 100*time.Millisecond {
		rtt = 100 * time.Millisecond
	}
	if rtt > 2*time.Second {
		rtt = 2 * time.Second
	}
	m.mu.Lock()
	m.t1ByDest[dest] = rtt
	m.mu.Unlock()
}

func (m *Manager) t1ForDest(dest string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t1, ok := m.t1ByDest[dest]; ok {
		return t1
	}
	return T1
}

func (m *Manager) find(k Key) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[k]
	return tx, ok
}

func (m *Manager) store(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.key] = tx
}

func (m *Manager) remove(k Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, k)
}

// NewClientTransaction creates and starts an ICT or NICT for req, sending
// it immediately via sender.
func (m *Manager) NewClientTransaction(req *sipmsg.Request, sender Sender, onResponse ResponseHandler) (*Transaction, error) {
	branch := viaBranch(req)
	if branch == "" {
		return nil, fmt.Errorf("transaction: request has no Via branch")
	}
	kind := KindNICT
	if req.Method == "INVITE" {
		kind = KindICT
	}
	tx := &Transaction{
		key:        keyOf(branch, req.Method),
		kind:       kind,
		request:    req,
		t1:         m.t1ForDest(sender.Dest),
		sender:     sender,
		sched:      m.sched,
		log:        m.log.With().Str("branch", branch).Str("method", req.Method).Logger(),
		onResponse: onResponse,
	}
	if kind == KindICT {
		tx.fsm = newICTFSM(tx)
	} else {
		tx.fsm = newNICTFSM(tx)
	}
	m.store(tx)
	if err := tx.start(); err != nil {
		return nil, err
	}
	return tx, nil
}

// NewServerTransaction creates an IST or NIST for an inbound req. If a
// transaction already exists for this branch+method, the existing
// transaction's cached response (if any) is replayed instead and isNew is
// false, signalling the caller not to re-invoke its RequestHandler.
func (m *Manager) NewServerTransaction(req *sipmsg.Request, sender Sender, handler RequestHandler) (tx *Transaction, isNew bool) {
	branch := viaBranch(req)
	k := keyOf(branch, req.Method)
	if existing, ok := m.find(k); ok {
		existing.retransmitLastResponse()
		return existing, false
	}
	kind := KindNIST
	if req.Method == "INVITE" {
		kind = KindIST
	}
	tx = &Transaction{
		key:     k,
		kind:    kind,
		request: req,
		t1:      m.t1ForDest(sender.Dest),
		sender:  sender,
		sched:   m.sched,
		log:     m.log.With().Str("branch", branch).Str("method", req.Method).Logger(),
	}
	if kind == KindIST {
		tx.fsm = newISTFSM(tx)
	} else {
		tx.fsm = newNISTFSM(tx)
	}
	m.store(tx)
	resp := handler(req)
	if resp != nil {
		tx.sendResponse(resp)
	}
	return tx, true
}

// FindByCancel locates the INVITE server transaction a CANCEL targets:
// same branch, method INVITE.
func (m *Manager) FindByCancel(cancel *sipmsg.Request) (*Transaction, bool) {
	branch := viaBranch(cancel)
	return m.find(keyOf(branch, "INVITE"))
}

// Find locates a transaction by branch and method directly, used to route
// an inbound response to the client transaction that sent the matching
// request.
func (m *Manager) Find(branch, method string) (*Transaction, bool) {
	return m.find(keyOf(branch, method))
}

// ViaBranch extracts the branch parameter from msg's topmost Via header.
// Exported so callers outside the package (response routing at the
// dispatch layer) can correlate a response back to its transaction
// without duplicating Via-parsing.
func ViaBranch(msg sipmsg.Message) string { return viaBranch(msg) }

// start fires the initial request transmission and arms the retransmit/
// timeout timers. It is invoked directly rather than through an FSM event
// because the initial state (Calling/Trying) has no predecessor state to
// transition from.
func (t *Transaction) start() error {
	switch t.kind {
	case KindICT:
		t.onICTCalling()
	case KindNICT:
		t.onNICTTrying()
	}
	return nil
}

// State returns the current FSM state name.
func (t *Transaction) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fsm.Current()
}

func (t *Transaction) Request() *sipmsg.Request { return t.request }

// ReceiveResponse feeds an inbound response into a client transaction.
func (t *Transaction) ReceiveResponse(resp *sipmsg.Response) {
	t.mu.Lock()
	t.lastResp = resp
	if resp.StatusCode < 200 {
		t.provisionalSent = true
	}
	t.mu.Unlock()

	ev := eventForStatus(resp.StatusCode)
	if err := t.fsm.Event(context.Background(), string(ev)); err != nil {
		t.log.Debug().Err(err).Int("status", resp.StatusCode).Msg("transaction: response ignored by fsm")
	}
	if t.onResponse != nil {
		t.onResponse(resp)
	}
}

// ReceiveCancel applies a CANCEL to an IST. Per §9.2: if no provisional
// has been sent yet, the CANCEL is queued and re-applied the instant one
// is sent; if the transaction already completed, CANCEL is answered 481
// by the caller using AlreadyTerminated.
func (t *Transaction) ReceiveCancel() (queued bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fsm.Current() == string(stIST_Completed) || t.fsm.Current() == string(stIST_Terminated) {
		return false
	}
	if !t.provisionalSent {
		t.cancelPending = true
		return true
	}
	t.cancelled = true
	return false
}

// AlreadyTerminated reports whether the transaction is done, used to
// decide whether an inbound CANCEL should get 481.
func (t *Transaction) AlreadyTerminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.fsm.Current()
	return s == string(stIST_Completed) || s == string(stIST_Terminated) || s == string(stNIST_Completed) || s == string(stNIST_Terminated)
}

// SendResponse is called by the core (dialog layer) to send a response on
// a server transaction. For INVITE server transactions a provisional
// response flips any pending CANCEL into effect.
func (t *Transaction) SendResponse(resp *sipmsg.Response) {
	t.mu.Lock()
	pendingCancel := false
	if resp.StatusCode < 200 {
		t.provisionalSent = true
		if t.cancelPending {
			t.cancelPending = false
			pendingCancel = true
		}
	}
	t.mu.Unlock()
	t.sendResponse(resp)

	ev := eventForStatus(resp.StatusCode)
	if err := t.fsm.Event(context.Background(), string(ev)); err != nil {
		t.log.Debug().Err(err).Msg("transaction: send-response fsm transition rejected")
	}
	if pendingCancel {
		t.cancelled = true
	}
}

// CancelRequested reports and clears whether a provisional response just
// unblocked a previously queued CANCEL.
func (t *Transaction) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.cancelled
	t.cancelled = false
	return v
}

func (t *Transaction) sendResponse(resp *sipmsg.Response) {
	t.mu.Lock()
	t.lastResp = resp
	t.mu.Unlock()
	if err := t.sender.Transport.Send(context.Background(), t.sender.Dest, resp); err != nil {
		t.log.Warn().Err(err).Msg("transaction: failed to send response")
	}
}

func (t *Transaction) retransmitLastResponse() {
	t.mu.Lock()
	resp := t.lastResp
	t.mu.Unlock()
	if resp != nil {
		t.sendResponse(resp)
	}
}

func (t *Transaction) sendRequest() {
	if err := t.sender.Transport.Send(context.Background(), t.sender.Dest, t.request); err != nil {
		t.log.Warn().Err(err).Msg("transaction: failed to send request")
	}
}

func (t *Transaction) scheduleTimer(d time.Duration, fn func()) {
	h := t.sched.Add(d, fn)
	t.mu.Lock()
	t.timers = append(t.timers, h)
	t.mu.Unlock()
}

func (t *Transaction) cancelTimers() {
	t.mu.Lock()
	timers := t.timers
	t.timers = nil
	t.mu.Unlock()
	for _, h := range timers {
		t.sched.Del(h)
	}
}

func viaBranch(msg sipmsg.Message) string {
	via := msg.Headers().Get(sipmsg.HeaderVia)
	const marker = "branch="
	idx := indexOf(via, marker)
	if idx < 0 {
		return ""
	}
	rest := via[idx+len(marker):]
	if semi := indexOf(rest, ";"); semi >= 0 {
		rest = rest[:semi]
	}
	return rest
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func eventForStatus(code int) fsmEvent {
	switch {
	case code < 200:
		return evReceive1xx
	case code < 300:
		return evReceive2xx
	case code < 400:
		return evReceive3xx
	case code < 500:
		return evReceive4xx
	case code < 600:
		return evReceive5xx
	default:
		return evReceive6xx
	}
}

// NewBranchID is exposed for callers constructing outbound requests that
// need a fresh transaction identity.
func NewBranchID() string {
	return sipmsg.NewBranch()
}
