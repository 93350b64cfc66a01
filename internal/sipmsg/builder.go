package sipmsg

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewBranch mints a transaction branch token in the RFC 3261 magic-cookie
// form `z9hG4bK<8-hex>` (§6). uuid is the entropy source, matching the
// branch/tag generation convention used across the pack's sipgo-based
// dialog layers.
func NewBranch() string {
	return "z9hG4bK" + shortHex()
}

// NewTag mints a local tag in the `as<8-hex>` form used throughout the spec.
func NewTag() string {
	return "as" + shortHex()
}

// NewCallID mints a Call-ID in `<8*4-hex>@<host>` form.
func NewCallID(host string) string {
	u := uuid.New()
	return fmt.Sprintf("%s@%s", strings.ReplaceAll(u.String(), "-", ""), host)
}

func shortHex() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:8]
}

// Via renders a single Via header value.
func Via(transport, sentBy, branch string, rport bool) string {
	v := fmt.Sprintf("SIP/2.0/%s %s;branch=%s", strings.ToUpper(transport), sentBy, branch)
	if rport {
		v += ";rport"
	}
	return v
}

// NewACKForNon2xx builds the ACK for a non-2xx final response to an INVITE, per
// §4.4: same branch, same Call-ID/From/To(with remote tag)/CSeq number.
func NewACKForNon2xx(invite *Request, resp *Response) *Request {
	ack := NewRequest("ACK", invite.RequestURI.Clone())
	ack.hdrs.Set(HeaderVia, invite.hdrs.Get(HeaderVia))
	ack.hdrs.Set(HeaderFrom, invite.hdrs.Get(HeaderFrom))
	ack.hdrs.Set(HeaderTo, resp.hdrs.Get(HeaderTo))
	ack.hdrs.Set(HeaderCallID, invite.hdrs.Get(HeaderCallID))
	seq, _, _ := invite.CSeq()
	ack.hdrs.Set(HeaderCSeq, fmt.Sprintf("%d ACK", seq))
	ack.hdrs.Set(HeaderMaxForwards, "70")
	for _, r := range invite.hdrs.GetAll(HeaderRoute) {
		ack.hdrs.Add(HeaderRoute, r)
	}
	ack.hdrs.Set(HeaderContentLength, "0")
	return ack
}

// NewResponseTo builds a response skeleton copying the dialog-identifying
// headers (Via, From, To, Call-ID, CSeq) from req, per the transaction
// layer's need to answer without touching the dialog.
func NewResponseTo(req *Request, status int, reason string) *Response {
	resp := NewResponse(status, reason)
	for _, v := range req.hdrs.GetAll(HeaderVia) {
		resp.hdrs.Add(HeaderVia, v)
	}
	resp.hdrs.Set(HeaderFrom, req.hdrs.Get(HeaderFrom))
	resp.hdrs.Set(HeaderTo, req.hdrs.Get(HeaderTo))
	resp.hdrs.Set(HeaderCallID, req.hdrs.Get(HeaderCallID))
	resp.hdrs.Set(HeaderCSeq, req.hdrs.Get(HeaderCSeq))
	resp.hdrs.Set(HeaderContentLength, "0")
	return resp
}
