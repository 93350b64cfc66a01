package sdpneg

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
)

// Media plan states per §3: a session starts Absent, moves to
// OfferedLocal or OfferedRemote depending on who sent the first offer (the
// initial INVITE or a later re-INVITE), and settles at Negotiated once an
// answer lands or Rejected if no compatible codec survives.
const (
	StateAbsent        = "absent"
	StateOfferedLocal  = "offered_local"
	StateOfferedRemote = "offered_remote"
	StateNegotiated    = "negotiated"
	StateRejected      = "rejected"
)

const (
	evOfferLocal  = "offer_local"
	evOfferRemote = "offer_remote"
	evAnswer      = "answer"
	evReject      = "reject"
)

// ErrT38SwitchBackUnsupported is returned when a re-INVITE tries to move a
// session that already negotiated T.38 back to plain audio; the caller
// maps this to a 488 Not Acceptable Here and leaves the existing T.38
// session running.
var ErrT38SwitchBackUnsupported = fmt.Errorf("sdpneg: switching back from T.38 to audio is not supported")

// Session drives one dialog's media plan through the offer/answer state
// machine, wrapping the stateless Negotiate/BuildOffer/BuildT38Offer/
// ParseAnswer helpers with the sequencing RFC 3264 §6 requires.
type Session struct {
	mu          sync.Mutex
	fsm         *fsm.FSM
	localIP     string
	localPort   int
	localCodecs []Codec
	plan        MediaPlan
}

// NewSession creates a media session in the Absent state for a dialog,
// configured with the local media address and codec list in preference
// order.
func NewSession(localIP string, localPort int, localCodecs []Codec) *Session {
	s := &Session{localIP: localIP, localPort: localPort, localCodecs: localCodecs}
	s.fsm = fsm.NewFSM(
		StateAbsent,
		fsm.Events{
			{Name: evOfferLocal, Src: []string{StateAbsent, StateNegotiated}, Dst: StateOfferedLocal},
			{Name: evOfferRemote, Src: []string{StateAbsent, StateNegotiated}, Dst: StateOfferedRemote},
			{Name: evAnswer, Src: []string{StateOfferedLocal, StateOfferedRemote}, Dst: StateNegotiated},
			{Name: evReject, Src: []string{StateOfferedLocal, StateOfferedRemote}, Dst: StateRejected},
		},
		fsm.Callbacks{},
	)
	return s
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

func (s *Session) Plan() MediaPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// BuildLocalOffer transitions Absent/Negotiated -> OfferedLocal and returns
// the SDP offer body for an outbound INVITE or audio re-INVITE.
func (s *Session) BuildLocalOffer(sessionID uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, err := BuildOffer(sessionID, s.localIP, s.localPort, s.localCodecs)
	if err != nil {
		return nil, err
	}
	if err := s.fsm.Event(context.Background(), evOfferLocal); err != nil {
		return nil, fmt.Errorf("sdpneg: offer local: %w", err)
	}
	return desc.Marshal()
}

// BuildLocalT38Offer transitions Absent/Negotiated -> OfferedLocal and
// returns the SDP offer body for an outbound re-INVITE switching the
// session to T.38 fax.
func (s *Session) BuildLocalT38Offer(sessionID uint64, params T38Params) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, err := BuildT38Offer(sessionID, s.localIP, s.localPort, params)
	if err != nil {
		return nil, err
	}
	if err := s.fsm.Event(context.Background(), evOfferLocal); err != nil {
		return nil, fmt.Errorf("sdpneg: offer local: %w", err)
	}
	return desc.Marshal()
}

// ReceiveAnswer negotiates an inbound SDP answer against the offer this
// side sent, transitioning OfferedLocal -> Negotiated (or Rejected if the
// answer carries no usable media).
func (s *Session) ReceiveAnswer(answerBody []byte) (MediaPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(answerBody); err != nil {
		return MediaPlan{}, fmt.Errorf("sdpneg: unmarshal answer: %w", err)
	}
	plan, err := ParseAnswer(desc)
	if err == nil && len(plan.Codecs) == 0 && plan.T38 == nil {
		err = ErrNoCompatibleCodec
	}
	if err != nil {
		_ = s.fsm.Event(context.Background(), evReject)
		return MediaPlan{}, err
	}
	if err := s.fsm.Event(context.Background(), evAnswer); err != nil {
		return MediaPlan{}, fmt.Errorf("sdpneg: answer: %w", err)
	}
	s.plan = *plan
	return s.plan, nil
}

// AnswerOffer negotiates an inbound SDP offer (the initial INVITE's body,
// or a later re-INVITE's) against the local codec list and returns the SDP
// answer body, transitioning Absent/Negotiated -> OfferedRemote ->
// Negotiated. An offer carrying m=image switches the session to T.38; an
// attempt to switch a T.38-negotiated session back to audio is refused
// with ErrT38SwitchBackUnsupported and the existing plan is left in place,
// per §4.5.
func (s *Session) AnswerOffer(offerBody []byte, sessionID uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(offerBody); err != nil {
		return nil, fmt.Errorf("sdpneg: unmarshal offer: %w", err)
	}
	remotePlan, err := ParseAnswer(desc)
	if err != nil {
		return nil, err
	}
	if s.plan.T38 != nil && remotePlan.T38 == nil {
		return nil, ErrT38SwitchBackUnsupported
	}
	if err := s.fsm.Event(context.Background(), evOfferRemote); err != nil {
		return nil, fmt.Errorf("sdpneg: offer remote: %w", err)
	}

	if remotePlan.T38 != nil {
		answerDesc, err := BuildT38Offer(sessionID, s.localIP, s.localPort, *remotePlan.T38)
		if err != nil {
			_ = s.fsm.Event(context.Background(), evReject)
			return nil, err
		}
		if err := s.fsm.Event(context.Background(), evAnswer); err != nil {
			return nil, fmt.Errorf("sdpneg: answer: %w", err)
		}
		s.plan = MediaPlan{LocalIP: s.localIP, LocalPort: s.localPort, T38: remotePlan.T38}
		return answerDesc.Marshal()
	}

	negotiated, err := Negotiate(s.localCodecs, remotePlan.Codecs)
	if err != nil {
		_ = s.fsm.Event(context.Background(), evReject)
		return nil, err
	}
	answerDesc, err := BuildOffer(sessionID, s.localIP, s.localPort, negotiated)
	if err != nil {
		return nil, err
	}
	if err := s.fsm.Event(context.Background(), evAnswer); err != nil {
		return nil, fmt.Errorf("sdpneg: answer: %w", err)
	}
	s.plan = MediaPlan{LocalIP: s.localIP, LocalPort: s.localPort, Codecs: negotiated, Hold: remotePlan.Hold}
	return answerDesc.Marshal()
}
