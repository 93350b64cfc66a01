package main

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxframe/sipcore/internal/account"
	"github.com/voxframe/sipcore/internal/auth"
	"github.com/voxframe/sipcore/internal/dialog"
	"github.com/voxframe/sipcore/internal/registrar"
	"github.com/voxframe/sipcore/internal/sdpneg"
	"github.com/voxframe/sipcore/internal/sipmsg"
	"github.com/voxframe/sipcore/internal/transaction"
)

// dispatcher routes inbound datagrams to the transaction layer and, for
// REGISTER, directly to the registrar/auth layers: REGISTER is answered
// from the transaction layer's RequestHandler rather than being handed off
// to a dialog, since it never establishes one.
type dispatcher struct {
	log       zerolog.Logger
	txManager *transaction.Manager
	store     *registrar.Store
	verifier  *auth.Verifier
	accounts  map[string]account.Account
	realm     string
	sender    transaction.Sender

	keepalive   *dialog.Keepalive
	callLimiter *dialog.CallLimiter

	// localMediaIP/codecs/contact/port allocation configure how this UAS
	// answers an INVITE's SDP offer; allocatePort hands out a distinct port
	// per dialog so concurrent calls don't collide in the SDP body (the
	// RTP socket itself is out of scope, per the media-transport Non-goal).
	localMediaIP string
	codecs       []sdpneg.Codec
	contact      string

	portMu   sync.Mutex
	nextPort int

	sessionSeq uint64

	dialogsMu sync.Mutex
	dialogs   map[string]*dialog.Dialog

	challengeMu sync.Mutex
	challenges  map[string]auth.Challenge // call-id -> outstanding challenge
}

func (d *dispatcher) handle(msg sipmsg.Message, from *net.UDPAddr) {
	sender := d.sender
	sender.Dest = from.String()

	switch m := msg.(type) {
	case *sipmsg.Request:
		d.log.Debug().Str("method", m.Method).Str("call_id", m.CallID()).Msg("sipcore: inbound request")
		switch m.Method {
		case "REGISTER":
			d.txManager.NewServerTransaction(m, sender, d.handleRegister)
		case "CANCEL":
			d.handleCancel(m, sender.Dest)
		case "OPTIONS":
			d.txManager.NewServerTransaction(m, sender, d.handleOptions)
		case "INVITE":
			d.handleInvite(m, sender)
		case "BYE":
			d.handleBye(m, sender)
		default:
			// REFER/SUBSCRIBE/MESSAGE/NOTIFY are transfer/messaging
			// extensions layered on an established dialog; the dialog
			// package already implements the transfer state itself
			// (BuildBlindTransfer/ReferNotify), but driving them from the
			// wire needs a call-flow orchestration this entry point does
			// not yet have a dialplan to drive.
			d.txManager.NewServerTransaction(m, sender, func(req *sipmsg.Request) *sipmsg.Response {
				resp := sipmsg.NewResponse(501, "")
				copyDialogHeaders(req, resp)
				return resp
			})
		}
	case *sipmsg.Response:
		d.log.Debug().Int("status", m.StatusCode).Str("call_id", m.CallID()).Msg("sipcore: inbound response")
		if tx, ok := d.clientTransactionFor(m); ok {
			tx.ReceiveResponse(m)
		}
	}
}

// clientTransactionFor locates the client transaction a response belongs
// to by the branch in its top Via and the method from its CSeq, mirroring
// transaction.Manager's own key shape (branch, method).
func (d *dispatcher) clientTransactionFor(resp *sipmsg.Response) (*transaction.Transaction, bool) {
	_, method, err := resp.CSeq()
	if err != nil {
		return nil, false
	}
	branch := transaction.ViaBranch(resp)
	if branch == "" {
		return nil, false
	}
	return d.txManager.Find(branch, method)
}

func (d *dispatcher) handleCancel(cancel *sipmsg.Request, dest string) {
	tx, ok := d.txManager.FindByCancel(cancel)
	if !ok || tx.AlreadyTerminated() {
		resp := sipmsg.NewResponse(481, "")
		copyDialogHeaders(cancel, resp)
		d.sender.Transport.Send(context.Background(), dest, resp)
		return
	}
	tx.ReceiveCancel()
}

func (d *dispatcher) handleOptions(req *sipmsg.Request) *sipmsg.Response {
	resp := sipmsg.NewResponse(200, "")
	copyDialogHeaders(req, resp)
	return resp
}

// handleInvite answers an inbound INVITE: a fresh Call-ID starts a new
// UAS dialog and negotiates the SDP offer; a Call-ID already tracked in
// d.dialogs is a re-INVITE against the existing dialog (module #5/#2,
// seed scenario S1 and the T.38 fax-switch operation of S4).
func (d *dispatcher) handleInvite(req *sipmsg.Request, sender transaction.Sender) {
	if dlg, ok := d.lookupDialog(req.CallID()); ok {
		d.handleReInvite(req, sender, dlg)
		return
	}
	d.handleInitialInvite(req, sender)
}

func (d *dispatcher) handleInitialInvite(req *sipmsg.Request, sender transaction.Sender) {
	tx, isNew := d.txManager.NewServerTransaction(req, sender, func(r *sipmsg.Request) *sipmsg.Response {
		resp := sipmsg.NewResponse(100, "Trying")
		copyDialogHeaders(r, resp)
		return resp
	})
	if !isNew {
		return
	}

	toURI, err := headerURI(req, sipmsg.HeaderTo)
	if err != nil {
		d.reject(tx, req, 400)
		return
	}
	fromURI, err := headerURI(req, sipmsg.HeaderFrom)
	if err != nil {
		d.reject(tx, req, 400)
		return
	}
	acct, known := d.accounts[toURI.User]
	if !known {
		d.reject(tx, req, 404)
		return
	}

	remoteTag := tagFrom(req.Headers().Get(sipmsg.HeaderFrom))
	dlg := dialog.NewUAS(toURI, fromURI, req.CallID(), remoteTag, d.txManager, sender, d.log)

	if acct.CallLimit > 0 && !dlg.AttachCallLimiter(d.callLimiter, acct.Name) {
		d.reject(tx, req, 486)
		return
	}
	dlg.AttachMedia(d.localMediaIP, d.allocatePort(), d.codecs)

	ringing := sipmsg.NewResponse(180, "Ringing")
	copyDialogHeaders(req, ringing)
	ringing.Headers().Set(sipmsg.HeaderTo, sipmsg.NameAddr("", toURI, map[string]string{"tag": dlg.ID().LocalTag}))
	tx.SendResponse(ringing)
	if err := dlg.ApplyProvisional(ringing); err != nil {
		d.log.Warn().Err(err).Msg("sipcore: dialog rejected its own 180")
	}

	answerBody, err := dlg.AnswerOffer(req.Body(), d.nextSessionID())
	if err != nil {
		d.reject(tx, req, 488)
		return
	}

	ok := sipmsg.NewResponse(200, "OK")
	copyDialogHeaders(req, ok)
	ok.Headers().Set(sipmsg.HeaderTo, sipmsg.NameAddr("", toURI, map[string]string{"tag": dlg.ID().LocalTag}))
	ok.Headers().Set(sipmsg.HeaderContact, d.contact)
	ok.Headers().Set(sipmsg.HeaderContentType, "application/sdp")
	ok.SetBody(answerBody)
	tx.SendResponse(ok)
	if err := dlg.ApplyFinal(ok); err != nil {
		d.log.Warn().Err(err).Msg("sipcore: dialog rejected its own 200 OK")
		return
	}
	d.storeDialog(req.CallID(), dlg)
}

// handleReInvite negotiates a re-INVITE's SDP body against dlg's existing
// media session, per §4.5: a switch to T.38 is accepted, and an attempt
// to switch a T.38-negotiated dialog back to audio is rejected 488
// without disturbing the active session (sdpneg.ErrT38SwitchBackUnsupported).
func (d *dispatcher) handleReInvite(req *sipmsg.Request, sender transaction.Sender, dlg *dialog.Dialog) {
	tx, isNew := d.txManager.NewServerTransaction(req, sender, func(r *sipmsg.Request) *sipmsg.Response {
		resp := sipmsg.NewResponse(100, "Trying")
		copyDialogHeaders(r, resp)
		return resp
	})
	if !isNew {
		return
	}

	answerBody, err := dlg.AnswerOffer(req.Body(), d.nextSessionID())
	if err != nil {
		status := 488
		if !errors.Is(err, sdpneg.ErrT38SwitchBackUnsupported) && !errors.Is(err, sdpneg.ErrNoCompatibleCodec) {
			status = 500
		}
		d.reject(tx, req, status)
		return
	}

	ok := sipmsg.NewResponse(200, "OK")
	copyDialogHeaders(req, ok)
	ok.Headers().Set(sipmsg.HeaderContact, d.contact)
	ok.Headers().Set(sipmsg.HeaderContentType, "application/sdp")
	ok.SetBody(answerBody)
	tx.SendResponse(ok)
}

func (d *dispatcher) handleBye(req *sipmsg.Request, sender transaction.Sender) {
	dlg, found := d.lookupDialog(req.CallID())
	status := 200
	if !found {
		status = 481
	}
	d.txManager.NewServerTransaction(req, sender, func(r *sipmsg.Request) *sipmsg.Response {
		resp := sipmsg.NewResponse(status, "")
		copyDialogHeaders(r, resp)
		return resp
	})
	if found {
		_ = dlg.ApplyBye()
		d.removeDialog(req.CallID())
	}
}

func (d *dispatcher) reject(tx *transaction.Transaction, req *sipmsg.Request, status int) {
	resp := sipmsg.NewResponse(status, "")
	copyDialogHeaders(req, resp)
	tx.SendResponse(resp)
}

func (d *dispatcher) storeDialog(callID string, dlg *dialog.Dialog) {
	d.dialogsMu.Lock()
	defer d.dialogsMu.Unlock()
	if d.dialogs == nil {
		d.dialogs = make(map[string]*dialog.Dialog)
	}
	d.dialogs[callID] = dlg
}

func (d *dispatcher) lookupDialog(callID string) (*dialog.Dialog, bool) {
	d.dialogsMu.Lock()
	defer d.dialogsMu.Unlock()
	dlg, ok := d.dialogs[callID]
	return dlg, ok
}

func (d *dispatcher) removeDialog(callID string) {
	d.dialogsMu.Lock()
	defer d.dialogsMu.Unlock()
	delete(d.dialogs, callID)
}

// allocatePort hands out a distinct port number per dialog's SDP body so
// concurrent calls don't collide on paper; no socket is actually bound,
// since RTP packetization itself is out of scope.
func (d *dispatcher) allocatePort() int {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	if d.nextPort == 0 {
		d.nextPort = 30000
	}
	port := d.nextPort
	d.nextPort += 2
	if d.nextPort > 40000 {
		d.nextPort = 30000
	}
	return port
}

func (d *dispatcher) nextSessionID() uint64 {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	d.sessionSeq++
	return d.sessionSeq
}

// handleRegister implements the registrar side of RFC 3261 §10: challenge
// unauthenticated requests, verify credentials against the configured
// account secret, then Upsert/RemoveAll bindings per the resolved
// single-binding-vs-wildcard Open Question.
func (d *dispatcher) handleRegister(req *sipmsg.Request) *sipmsg.Response {
	toURI, err := headerURI(req, sipmsg.HeaderTo)
	if err != nil {
		resp := sipmsg.NewResponse(400, "")
		copyDialogHeaders(req, resp)
		return resp
	}
	aor := toURI.User + "@" + toURI.Host
	acct, known := d.accounts[toURI.User]
	if !known {
		resp := sipmsg.NewResponse(404, "")
		copyDialogHeaders(req, resp)
		return resp
	}

	authz := req.Headers().Get(sipmsg.HeaderAuthorization)
	if authz == "" {
		return d.challenge(req, aor)
	}

	cred, err := auth.ParseCredentials(authz)
	if err != nil {
		resp := sipmsg.NewResponse(400, "")
		copyDialogHeaders(req, resp)
		return resp
	}
	chal, pending := d.pendingChallenge(req.CallID())
	if !pending || cred.Nonce != chal.Nonce {
		return d.challenge(req, aor)
	}
	if verr := d.verifier.Verify(chal, cred, "REGISTER", acct.Secret); verr != nil {
		resp := sipmsg.NewResponse(403, "")
		copyDialogHeaders(req, resp)
		return resp
	}
	d.clearChallenge(req.CallID())

	return d.applyBindings(req, aor)
}

func (d *dispatcher) applyBindings(req *sipmsg.Request, aor string) *sipmsg.Response {
	seq, _, _ := req.CSeq()
	contacts := req.Headers().GetAll(sipmsg.HeaderContact)
	expires := d.requestedExpires(req)

	if len(contacts) == 1 && strings.TrimSpace(contacts[0]) == "*" && expires == 0 {
		d.store.RemoveAll(aor)
	} else {
		for _, c := range contacts {
			// Expires: 0 is passed through so Upsert deletes this binding.
			clamped := expires
			if expires > 0 {
				clamped = d.store.ClampExpiry(expires)
			}
			if err := d.store.Upsert(aor, c, req.CallID(), seq, clamped); err != nil {
				resp := sipmsg.NewResponse(403, "")
				copyDialogHeaders(req, resp)
				return resp
			}
		}
	}

	resp := sipmsg.NewResponse(200, "")
	copyDialogHeaders(req, resp)
	for _, b := range d.store.Bindings(aor) {
		remaining := int(time.Until(b.Expires).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		resp.Headers().Add(sipmsg.HeaderContact, b.Contact+";expires="+strconv.Itoa(remaining))
	}
	return resp
}

func (d *dispatcher) requestedExpires(req *sipmsg.Request) time.Duration {
	if v := req.Headers().Get(sipmsg.HeaderExpires); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return 3600 * time.Second
}

func (d *dispatcher) challenge(req *sipmsg.Request, aor string) *sipmsg.Response {
	chal := auth.NewChallenge(d.realm)
	d.setChallenge(req.CallID(), chal)
	resp := sipmsg.NewResponse(401, "")
	copyDialogHeaders(req, resp)
	resp.Headers().Set(sipmsg.HeaderWWWAuth, chal.String())
	return resp
}

func (d *dispatcher) setChallenge(callID string, chal auth.Challenge) {
	d.challengeMu.Lock()
	defer d.challengeMu.Unlock()
	if d.challenges == nil {
		d.challenges = make(map[string]auth.Challenge)
	}
	d.challenges[callID] = chal
}

func (d *dispatcher) pendingChallenge(callID string) (auth.Challenge, bool) {
	d.challengeMu.Lock()
	defer d.challengeMu.Unlock()
	c, ok := d.challenges[callID]
	return c, ok
}

func (d *dispatcher) clearChallenge(callID string) {
	d.challengeMu.Lock()
	defer d.challengeMu.Unlock()
	delete(d.challenges, callID)
}

func headerURI(req *sipmsg.Request, header string) (*sipmsg.URI, error) {
	return sipmsg.ParseURI(req.Headers().Get(header))
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

// copyDialogHeaders mirrors From/To/Call-ID/CSeq/Via onto a response built
// for req, matching the teacher's response-building shape.
func copyDialogHeaders(req *sipmsg.Request, resp *sipmsg.Response) {
	resp.Headers().Set(sipmsg.HeaderFrom, req.Headers().Get(sipmsg.HeaderFrom))
	resp.Headers().Set(sipmsg.HeaderTo, req.Headers().Get(sipmsg.HeaderTo))
	resp.Headers().Set(sipmsg.HeaderCallID, req.Headers().Get(sipmsg.HeaderCallID))
	resp.Headers().Set(sipmsg.HeaderCSeq, req.Headers().Get(sipmsg.HeaderCSeq))
	for _, v := range req.Headers().GetAll(sipmsg.HeaderVia) {
		resp.Headers().Add(sipmsg.HeaderVia, v)
	}
}
