package dialog

import (
	"fmt"

	"github.com/voxframe/sipcore/internal/sdpneg"
)

// AttachMedia gives the dialog a media session: the local address and
// codec list it offers or answers with. Must be called before the first
// offer/answer exchange (AnswerOffer, BuildLocalOffer, ...).
func (d *Dialog) AttachMedia(localIP string, localPort int, codecs []sdpneg.Codec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.media = sdpneg.NewSession(localIP, localPort, codecs)
}

// AnswerOffer negotiates an inbound SDP offer, from either the initial
// INVITE or a later re-INVITE, against the attached media session and
// returns the SDP answer body. A re-INVITE switching to T.38 (m=image) is
// accepted and pauses the audio RTP plane at the signaling level; a
// re-INVITE attempting to switch a T.38-negotiated session back to audio
// returns sdpneg.ErrT38SwitchBackUnsupported, which the caller maps to a
// 488 Not Acceptable Here per §4.5.
func (d *Dialog) AnswerOffer(offerBody []byte, sessionID uint64) ([]byte, error) {
	d.mu.Lock()
	media := d.media
	d.mu.Unlock()
	if media == nil {
		return nil, fmt.Errorf("dialog: no media session attached")
	}
	return media.AnswerOffer(offerBody, sessionID)
}

// BuildLocalOffer builds an outbound SDP offer for an INVITE or audio
// re-INVITE this dialog originates.
func (d *Dialog) BuildLocalOffer(sessionID uint64) ([]byte, error) {
	d.mu.Lock()
	media := d.media
	d.mu.Unlock()
	if media == nil {
		return nil, fmt.Errorf("dialog: no media session attached")
	}
	return media.BuildLocalOffer(sessionID)
}

// BuildLocalT38Offer builds an outbound re-INVITE offer switching this
// dialog's media session to T.38 fax.
func (d *Dialog) BuildLocalT38Offer(sessionID uint64, params sdpneg.T38Params) ([]byte, error) {
	d.mu.Lock()
	media := d.media
	d.mu.Unlock()
	if media == nil {
		return nil, fmt.Errorf("dialog: no media session attached")
	}
	return media.BuildLocalT38Offer(sessionID, params)
}

// ReceiveAnswer negotiates an inbound SDP answer against the offer this
// dialog sent.
func (d *Dialog) ReceiveAnswer(answerBody []byte) (sdpneg.MediaPlan, error) {
	d.mu.Lock()
	media := d.media
	d.mu.Unlock()
	if media == nil {
		return sdpneg.MediaPlan{}, fmt.Errorf("dialog: no media session attached")
	}
	return media.ReceiveAnswer(answerBody)
}

// MediaPlan returns the dialog's current negotiated media plan, and false
// if no media session is attached.
func (d *Dialog) MediaPlan() (sdpneg.MediaPlan, bool) {
	d.mu.Lock()
	media := d.media
	d.mu.Unlock()
	if media == nil {
		return sdpneg.MediaPlan{}, false
	}
	return media.Plan(), true
}
