package dialog

import (
	"fmt"

	"github.com/voxframe/sipcore/internal/sdpneg"
	"github.com/voxframe/sipcore/internal/sipmsg"
)

// BuildReInvite constructs an in-dialog INVITE carrying a new SDP body,
// used both for ordinary media renegotiation and for the T.38 fax-switch
// operation (the caller supplies the appropriate SDP either way).
func (d *Dialog) BuildReInvite(sdpBody []byte) *sipmsg.Request {
	req := d.NextRequest("INVITE")
	req.Headers().Set(sipmsg.HeaderContentType, "application/sdp")
	req.SetBody(sdpBody)
	return req
}

// BuildT38ReInvite builds an outbound re-INVITE switching this dialog's
// media session to T.38 fax, per §4.5's fax-switch operation.
func (d *Dialog) BuildT38ReInvite(sessionID uint64, params sdpneg.T38Params) (*sipmsg.Request, error) {
	body, err := d.BuildLocalT38Offer(sessionID, params)
	if err != nil {
		return nil, err
	}
	return d.BuildReInvite(body), nil
}

// BuildCancel constructs the CANCEL for a still-pending initial INVITE,
// per §9.1: same branch/Call-ID/From/To/CSeq-number, method CANCEL.
func (d *Dialog) BuildCancel(invite *sipmsg.Request) *sipmsg.Request {
	cancel := sipmsg.NewRequest("CANCEL", invite.RequestURI.Clone())
	cancel.Headers().Set(sipmsg.HeaderVia, invite.Headers().Get(sipmsg.HeaderVia))
	cancel.Headers().Set(sipmsg.HeaderFrom, invite.Headers().Get(sipmsg.HeaderFrom))
	cancel.Headers().Set(sipmsg.HeaderTo, invite.Headers().Get(sipmsg.HeaderTo))
	cancel.Headers().Set(sipmsg.HeaderCallID, invite.Headers().Get(sipmsg.HeaderCallID))
	seq, _, _ := invite.CSeq()
	cancel.Headers().Set(sipmsg.HeaderCSeq, fmt.Sprintf("%d CANCEL", seq))
	cancel.Headers().Set(sipmsg.HeaderMaxForwards, "70")
	return cancel
}
