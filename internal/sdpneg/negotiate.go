package sdpneg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// MediaPlan is the local side's resolved view of a negotiated media
// session: the codec list in wire order, the T.38 parameters if the
// session switched to fax, and whether the session is currently held.
type MediaPlan struct {
	LocalIP   string
	LocalPort int
	Codecs    []Codec
	T38       *T38Params
	Hold      HoldState
}

// HoldState enumerates the three ways a session can express a hold per
// RFC 3264 §8.4: sendonly/inactive attributes or a zero connection address.
type HoldState int

const (
	HoldNone HoldState = iota
	HoldSendOnly
	HoldInactive
	HoldZeroAddress
)

// T38Params carries the UDPTL fax parameters negotiated for a re-INVITE
// that switches a call from audio to T.38, per ITU-T T.38 Annex D.
type T38Params struct {
	MaxBitRate     int
	FaxUDPEC       string // "t38UDPFEC", "t38UDPRedundancy", or ""
	MaxDatagram    int
}

// BuildOffer constructs an SDP offer for the given local codec list and
// media address, following the teacher's JSEP-builder shape.
func BuildOffer(sessionID uint64, localIP string, localPort int, codecs []Codec) (*sdp.SessionDescription, error) {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, fmt.Errorf("sdpneg: new session description: %w", err)
	}
	desc.Origin = sdp.Origin{
		Username:       "-",
		SessionID:      sessionID,
		SessionVersion: sessionID,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: localIP,
	}
	desc.SessionName = "sipcore"
	desc.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN", AddressType: "IP4",
		Address: &sdp.Address{Address: localIP},
	}
	desc.TimeDescriptions = []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}}

	media := sdp.NewJSEPMediaDescription("audio", nil)
	formats := make([]string, 0, len(codecs))
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(c.PayloadType))
	}
	media.MediaName = sdp.MediaName{
		Media:   "audio",
		Port:    sdp.RangedPort{Value: localPort},
		Protos:  []string{"RTP", "AVP"},
		Formats: formats,
	}
	media.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN", AddressType: "IP4",
		Address: &sdp.Address{Address: localIP},
	}
	for _, c := range codecs {
		rtpmap := fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
		media = media.WithValueAttribute("rtpmap", rtpmap)
		if c.Params != "" {
			media = media.WithValueAttribute("fmtp", fmt.Sprintf("%d %s", c.PayloadType, c.Params))
		}
	}
	media = media.WithPropertyAttribute("sendrecv")
	desc = desc.WithMedia(media)
	return desc, nil
}

// BuildT38Offer constructs a re-INVITE offer switching the media plane to
// T.38 UDPTL, per the spec's fax-switch operation.
func BuildT38Offer(sessionID uint64, localIP string, localPort int, p T38Params) (*sdp.SessionDescription, error) {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, fmt.Errorf("sdpneg: new session description: %w", err)
	}
	desc.Origin = sdp.Origin{
		Username: "-", SessionID: sessionID, SessionVersion: sessionID + 1,
		NetworkType: "IN", AddressType: "IP4", UnicastAddress: localIP,
	}
	desc.SessionName = "sipcore"
	desc.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN", AddressType: "IP4", Address: &sdp.Address{Address: localIP},
	}
	desc.TimeDescriptions = []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}}

	media := sdp.NewJSEPMediaDescription("image", nil)
	media.MediaName = sdp.MediaName{
		Media: "image", Port: sdp.RangedPort{Value: localPort},
		Protos: []string{"udptl"}, Formats: []string{"t38"},
	}
	media.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN", AddressType: "IP4", Address: &sdp.Address{Address: localIP},
	}
	media = media.WithValueAttribute("T38FaxMaxBitRate", strconv.Itoa(p.MaxBitRate))
	media = media.WithValueAttribute("T38FaxMaxDatagram", strconv.Itoa(p.MaxDatagram))
	media = media.WithValueAttribute("T38FaxVersion", "0")
	media = media.WithValueAttribute("T38FaxRateManagement", "transferredTCF")
	if p.FaxUDPEC != "" {
		media = media.WithValueAttribute("T38FaxUdpEC", p.FaxUDPEC)
	}
	desc = desc.WithMedia(media)
	return desc, nil
}

// ParseAnswer extracts the negotiated codec list, hold state, and any T.38
// parameters from a received SDP answer (or offer, when acting as UAS).
func ParseAnswer(desc *sdp.SessionDescription) (*MediaPlan, error) {
	if desc == nil {
		return nil, fmt.Errorf("sdpneg: nil session description")
	}
	plan := &MediaPlan{}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		plan.LocalIP = desc.ConnectionInformation.Address.Address
	}
	if plan.LocalIP == "0.0.0.0" {
		plan.Hold = HoldZeroAddress
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "image" {
			plan.T38 = parseT38(m)
			continue
		}
		if m.MediaName.Media != "audio" {
			continue
		}
		plan.LocalPort = m.MediaName.Port.Value
		if conn := m.ConnectionInformation; conn != nil && conn.Address != nil && conn.Address.Address == "0.0.0.0" {
			plan.Hold = HoldZeroAddress
		}
		rtpmaps := map[int]Codec{}
		for _, a := range m.Attributes {
			switch a.Key {
			case "rtpmap":
				if c, pt, ok := parseRtpmap(a.Value); ok {
					rtpmaps[pt] = c
				}
			case "fmtp":
				applyFmtp(rtpmaps, a.Value)
			case "sendonly":
				plan.Hold = HoldSendOnly
			case "inactive":
				plan.Hold = HoldInactive
			}
		}
		for _, f := range m.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			if c, ok := rtpmaps[pt]; ok {
				plan.Codecs = append(plan.Codecs, c)
			} else if std, ok := StandardPayloadTypes[pt]; ok {
				plan.Codecs = append(plan.Codecs, std)
			}
		}
	}
	return plan, nil
}

func parseT38(m *sdp.MediaDescription) *T38Params {
	p := &T38Params{}
	for _, a := range m.Attributes {
		switch a.Key {
		case "T38FaxMaxBitRate":
			p.MaxBitRate, _ = strconv.Atoi(a.Value)
		case "T38FaxMaxDatagram":
			p.MaxDatagram, _ = strconv.Atoi(a.Value)
		case "T38FaxUdpEC":
			p.FaxUDPEC = a.Value
		}
	}
	return p
}

func parseRtpmap(value string) (Codec, int, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return Codec{}, 0, false
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return Codec{}, 0, false
	}
	parts := strings.SplitN(fields[1], "/", 2)
	if len(parts) != 2 {
		return Codec{}, 0, false
	}
	clock, err := strconv.Atoi(parts[1])
	if err != nil {
		return Codec{}, 0, false
	}
	return Codec{PayloadType: pt, Name: parts[0], ClockRate: clock}, pt, true
}

func applyFmtp(codecs map[int]Codec, value string) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	if c, ok := codecs[pt]; ok {
		c.Params = fields[1]
		codecs[pt] = c
	}
}
