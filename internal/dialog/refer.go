package dialog

import (
	"fmt"
	"strings"

	"github.com/voxframe/sipcore/internal/sipmsg"
)

// BuildBlindTransfer constructs the REFER request for a blind transfer:
// Refer-To points at the new target with no Replaces parameter.
func (d *Dialog) BuildBlindTransfer(target *sipmsg.URI) *sipmsg.Request {
	req := d.NextRequest("REFER")
	req.Headers().Set(sipmsg.HeaderReferTo, sipmsg.NameAddr("", target, nil))
	req.Headers().Set(sipmsg.HeaderReferredBy, sipmsg.NameAddr("", d.localURI, nil))
	d.mu.Lock()
	d.referSub = &ReferSubscription{CallID: d.id.CallID, Status: "trying"}
	d.mu.Unlock()
	return req
}

// BuildAttendedTransfer constructs the REFER request for an attended
// transfer: Refer-To carries a Replaces= parameter identifying the
// dialog being merged in, per RFC 3891.
func (d *Dialog) BuildAttendedTransfer(target *sipmsg.URI, replaces ID) *sipmsg.Request {
	req := d.NextRequest("REFER")
	replacesParam := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", replaces.CallID, replaces.RemoteTag, replaces.LocalTag)
	referTo := sipmsg.NameAddr("", target, map[string]string{"Replaces": escapeReplaces(replacesParam)})
	req.Headers().Set(sipmsg.HeaderReferTo, referTo)
	req.Headers().Set(sipmsg.HeaderReferredBy, sipmsg.NameAddr("", d.localURI, nil))
	d.mu.Lock()
	d.referSub = &ReferSubscription{CallID: d.id.CallID, Status: "trying"}
	d.replacedBy = &replaces
	d.mu.Unlock()
	return req
}

// escapeReplaces percent-encodes the characters the Replaces header
// grammar requires escaped when embedded as a Refer-To URI header
// parameter (RFC 3891 §3): ';' and '=' would otherwise be read as URI
// parameter delimiters rather than part of the Replaces value.
func escapeReplaces(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, ";", "%3B")
	s = strings.ReplaceAll(s, "=", "%3D")
	return s
}

// MatchesReplaces reports whether this dialog is the one a Replaces
// header on an incoming INVITE identifies, per RFC 3891 §3.
func (d *Dialog) MatchesReplaces(callID, toTag, fromTag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.id.CallID != callID {
		return false
	}
	// The replacing INVITE's to-tag/from-tag map onto whichever side of
	// this dialog issued the original INVITE; check both orientations.
	return (d.id.LocalTag == toTag && d.id.RemoteTag == fromTag) ||
		(d.id.LocalTag == fromTag && d.id.RemoteTag == toTag)
}

// ReferNotify applies a NOTIFY carrying a sipfrag body reporting the
// refer's outcome, updating the tracked subscription status.
func (d *Dialog) ReferNotify(sipfragStatusLine string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.referSub == nil {
		return
	}
	switch {
	case strings.HasPrefix(sipfragStatusLine, "SIP/2.0 2"):
		d.referSub.Status = "success"
	case strings.HasPrefix(sipfragStatusLine, "SIP/2.0 1"):
		d.referSub.Status = "trying"
	default:
		d.referSub.Status = "failure"
	}
}

// ReferStatus reports the current transfer subscription status, or ""
// if no REFER is outstanding.
func (d *Dialog) ReferStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.referSub == nil {
		return ""
	}
	return d.referSub.Status
}
