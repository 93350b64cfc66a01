// Package sdpneg implements SDP offer/answer negotiation: codec
// intersection ordered by local preference, T.38/UDPTL fax parameter
// mapping, and media-hold detection.
package sdpneg

import "fmt"

// Codec is a single RTP payload-type mapping as carried in an m= line's
// rtpmap/fmtp attributes.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Params      string // fmtp value, verbatim, empty if none
}

// key identifies a codec independent of its payload-type number, since the
// two sides of a negotiation may assign the same codec different numbers.
func (c Codec) key() string { return fmt.Sprintf("%s/%d", c.Name, c.ClockRate) }

// ErrNoCompatibleCodec is returned when local and remote codec lists share
// no member; the caller maps this to a 488 Not Acceptable Here.
var ErrNoCompatibleCodec = fmt.Errorf("sdpneg: no compatible codec")

// Negotiate intersects local (in local preference order) against remote,
// keeping only codecs both sides offer, in local preference order. The
// remote payload-type numbers are preserved in the result since those are
// what must appear on the wire back to the remote party when answering.
func Negotiate(local, remote []Codec) ([]Codec, error) {
	remoteByKey := make(map[string]Codec, len(remote))
	for _, c := range remote {
		remoteByKey[c.key()] = c
	}
	var out []Codec
	for _, l := range local {
		if r, ok := remoteByKey[l.key()]; ok {
			out = append(out, Codec{PayloadType: r.PayloadType, Name: l.Name, ClockRate: l.ClockRate, Params: l.Params})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCompatibleCodec
	}
	return out, nil
}

// StandardPayloadTypes maps well-known payload type numbers to codecs, used
// when a remote rtpmap is absent: the static RFC 3551 assignments below 96,
// plus the conventional dynamic 101 for telephone-event.
var StandardPayloadTypes = map[int]Codec{
	0: {PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	8: {PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	9: {PayloadType: 9, Name: "G722", ClockRate: 8000},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000},
	101: {PayloadType: 101, Name: "telephone-event", ClockRate: 8000},
}
