// Package dialog implements the RFC 3261 §12 dialog layer: dialog
// identity, state machine, route-set construction, re-INVITE, and
// REFER-based transfer, built on top of internal/transaction.
package dialog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/voxframe/sipcore/internal/sdpneg"
	"github.com/voxframe/sipcore/internal/sipmsg"
	"github.com/voxframe/sipcore/internal/transaction"
)

// Dialog states per RFC 3261 §12 plus the early/confirmed split used by
// the call-control layer above it.
const (
	StateNull        = "null"
	StateEarly       = "early"
	StateEstablished = "established"
	StateTerminated  = "terminated"
)

const (
	evInvite      = "invite"
	ev1xx         = "1xx"
	ev2xx         = "2xx"
	evNonOK       = "non_ok"
	evBye         = "bye"
	evCancelled   = "cancelled"
)

// ID is the triple that identifies a dialog per §12: Call-ID plus the two
// tags. For a UAC, LocalTag is From-tag and RemoteTag is To-tag; for a
// UAS it is reversed relative to the wire headers but always "this side"
// vs "that side" here.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id ID) String() string {
	return fmt.Sprintf("%s;local=%s;remote=%s", id.CallID, id.LocalTag, id.RemoteTag)
}

// Role distinguishes which side of the initial INVITE created the dialog,
// since route-set direction (Record-Route order) depends on it.
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

// Dialog is a single SIP dialog: identity, route set, local/remote
// sequence numbers, and the FSM driving its lifecycle.
type Dialog struct {
	mu sync.Mutex

	id   ID
	role Role
	fsm  *fsm.FSM
	log  zerolog.Logger

	localURI, remoteURI   *sipmsg.URI
	localContact          string
	routeSet              []string // in the order to be used on subsequent requests
	localCSeq, remoteCSeq uint32

	txManager *transaction.Manager
	sender    transaction.Sender

	account      string
	callLimiter  *CallLimiter
	referSub     *ReferSubscription
	replacedBy   *ID

	media *sdpneg.Session
}

// ReferSubscription tracks an attended/blind transfer's implicit
// subscription to NOTIFY/refer-event per RFC 3515.
type ReferSubscription struct {
	CallID string
	Status string // "trying", "accepted", "success", "failure"
}

// NewUAC creates a dialog in the Null state for an outbound INVITE,
// generating a fresh local tag.
func NewUAC(localURI, remoteURI *sipmsg.URI, callID string, txManager *transaction.Manager, sender transaction.Sender, log zerolog.Logger) *Dialog {
	d := &Dialog{
		id:        ID{CallID: callID, LocalTag: sipmsg.NewTag()},
		role:      RoleUAC,
		localURI:  localURI,
		remoteURI: remoteURI,
		txManager: txManager,
		sender:    sender,
		log:       log.With().Str("call_id", callID).Logger(),
	}
	d.fsm = d.newFSM()
	return d
}

// NewUAS creates a dialog in the Null state for an inbound INVITE,
// generating a fresh local (To) tag.
func NewUAS(localURI, remoteURI *sipmsg.URI, callID, remoteTag string, txManager *transaction.Manager, sender transaction.Sender, log zerolog.Logger) *Dialog {
	d := &Dialog{
		id:        ID{CallID: callID, LocalTag: sipmsg.NewTag(), RemoteTag: remoteTag},
		role:      RoleUAS,
		localURI:  localURI,
		remoteURI: remoteURI,
		txManager: txManager,
		sender:    sender,
		log:       log.With().Str("call_id", callID).Logger(),
	}
	d.fsm = d.newFSM()
	return d
}

func (d *Dialog) newFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateNull,
		fsm.Events{
			{Name: evInvite, Src: []string{StateNull}, Dst: StateNull},
			{Name: ev1xx, Src: []string{StateNull, StateEarly}, Dst: StateEarly},
			{Name: ev2xx, Src: []string{StateNull, StateEarly}, Dst: StateEstablished},
			{Name: evNonOK, Src: []string{StateNull, StateEarly}, Dst: StateTerminated},
			{Name: evCancelled, Src: []string{StateNull, StateEarly}, Dst: StateTerminated},
			{Name: evBye, Src: []string{StateEstablished}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_" + StateTerminated: func(ctx context.Context, e *fsm.Event) { d.onTerminated() },
		},
	)
}

func (d *Dialog) onTerminated() {
	if d.callLimiter != nil && d.account != "" {
		d.callLimiter.Release(d.account)
	}
}

// AttachCallLimiter associates this dialog with account for call_limit
// accounting; Release fires automatically when the dialog terminates.
// It returns false if account is already at its configured limit, in
// which case the caller must reject the INVITE with 486 and not proceed.
func (d *Dialog) AttachCallLimiter(limiter *CallLimiter, account string) bool {
	if !limiter.TryAcquire(account) {
		return false
	}
	d.mu.Lock()
	d.callLimiter = limiter
	d.account = account
	d.mu.Unlock()
	return true
}

func (d *Dialog) ID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *Dialog) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Current()
}

// ApplyProvisional advances the dialog to Early on a 1xx-with-tag and
// records the remote tag the first time it's seen.
func (d *Dialog) ApplyProvisional(resp *sipmsg.Response) error {
	d.mu.Lock()
	if d.id.RemoteTag == "" {
		if tag := tagFrom(resp.Headers().Get(sipmsg.HeaderTo)); tag != "" {
			d.id.RemoteTag = tag
		}
	}
	d.mu.Unlock()
	return d.fsm.Event(context.Background(), ev1xx)
}

// ApplyFinal advances the dialog to Established on 2xx (building the
// route set from Record-Route) or Terminated on a non-2xx final.
func (d *Dialog) ApplyFinal(resp *sipmsg.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.mu.Lock()
		if d.id.RemoteTag == "" {
			d.id.RemoteTag = tagFrom(resp.Headers().Get(sipmsg.HeaderTo))
		}
		d.routeSet = buildRouteSet(resp.Headers().GetAll(sipmsg.HeaderRecordRoute), d.role)
		if contact := resp.Headers().Get(sipmsg.HeaderContact); contact != "" {
			d.localContact = contact
		}
		d.mu.Unlock()
		return d.fsm.Event(context.Background(), ev2xx)
	}
	return d.fsm.Event(context.Background(), evNonOK)
}

// ApplyBye transitions an Established dialog to Terminated on a BYE in
// either direction.
func (d *Dialog) ApplyBye() error {
	return d.fsm.Event(context.Background(), evBye)
}

// ApplyCancel terminates a not-yet-established dialog, used when the
// local transaction layer reports the INVITE was cancelled before any
// final response arrived.
func (d *Dialog) ApplyCancel() error {
	return d.fsm.Event(context.Background(), evCancelled)
}

// buildRouteSet implements §12.1.1/12.1.2: for a UAC the route set is
// Record-Route headers in the order received (top to bottom as they
// appear, i.e. nearest-proxy-first as seen by the UAC); for a UAS it is
// reversed, since Record-Route is written in the direction of the
// request and each side walks it back toward the other.
func buildRouteSet(recordRoutes []string, role Role) []string {
	if len(recordRoutes) == 0 {
		return nil
	}
	out := make([]string, len(recordRoutes))
	copy(out, recordRoutes)
	if role == RoleUAS {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// NextRequest builds a new in-dialog request (BYE, re-INVITE, INFO, ...)
// with the correct CSeq, dialog-identifying headers, and Route set,
// incrementing the local CSeq per §12.2.1.1.
func (d *Dialog) NextRequest(method string) *sipmsg.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.localCSeq++
	target := d.remoteURI
	reqURI, routes := d.routeTargetLocked()
	req := sipmsg.NewRequest(method, reqURI)
	req.Headers().Set(sipmsg.HeaderFrom, sipmsg.NameAddr("", d.localURI, map[string]string{"tag": d.id.LocalTag}))
	req.Headers().Set(sipmsg.HeaderTo, sipmsg.NameAddr("", target, map[string]string{"tag": d.id.RemoteTag}))
	req.Headers().Set(sipmsg.HeaderCallID, d.id.CallID)
	req.Headers().Set(sipmsg.HeaderCSeq, fmt.Sprintf("%d %s", d.localCSeq, method))
	req.Headers().Set(sipmsg.HeaderMaxForwards, "70")
	for _, r := range routes {
		req.Headers().Add(sipmsg.HeaderRoute, r)
	}
	if d.localContact != "" {
		req.Headers().Set(sipmsg.HeaderContact, d.localContact)
	}
	return req
}

// routeTargetLocked resolves the request-URI and Route set for an in-dialog
// request per §12.2.1.1. Caller must hold d.mu.
//
// Loose routing (top Route carries ;lr): the request-URI stays the remote
// target and the route set is carried verbatim.
//
// Strict routing (top Route has no ;lr, RFC 2543 peer): the request-URI
// becomes the first Route entry, the remaining entries become Route
// headers, and the remote target is appended as the last Route so the
// strict router can forward there once it strips its own entry.
func (d *Dialog) routeTargetLocked() (*sipmsg.URI, []string) {
	if len(d.routeSet) == 0 {
		return d.remoteURI, nil
	}
	topRoute := d.routeSet[0]
	uri, err := sipmsg.ParseURI(stripNameAddr(topRoute))
	if err != nil || uri.HasLR() {
		return d.remoteURI, d.routeSet
	}
	routes := append(append([]string(nil), d.routeSet[1:]...), sipmsg.NameAddr("", d.remoteURI, nil))
	return uri, routes
}

func stripNameAddr(s string) string {
	if start := strings.IndexByte(s, '<'); start >= 0 {
		if end := strings.IndexByte(s[start:], '>'); end >= 0 {
			return s[start+1 : start+end]
		}
	}
	return s
}

// tagFrom extracts the ;tag= parameter from a From/To header value.
func tagFrom(headerValue string) string {
	const marker = "tag="
	idx := strings.Index(headerValue, marker)
	if idx < 0 {
		return ""
	}
	rest := headerValue[idx+len(marker):]
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		rest = rest[:semi]
	}
	return strings.TrimSpace(rest)
}

