// Package account defines the read-only account/peer/binding views the
// dialog, registrar, and transport layers consult; it holds no behavior
// of its own.
package account

import "time"

// NATMode selects how outbound Contact/Via and SDP addresses are rewritten
// for a peer, per §4.8.
type NATMode int

const (
	NATNever NATMode = iota
	NATRoute
	NATRfc3581
	NATAlways
)

// Account is a configured local endpoint: something this softswitch can
// register on behalf of, or authenticate inbound requests against.
type Account struct {
	Name       string
	Realm      string
	Secret     string
	CallLimit  int
	NAT        NATMode
	RegisterTo string // remote registrar host, empty if this account is registrar-only
}

// Peer is a remote party this softswitch exchanges SIP with directly
// (no registration), identified by host/IP rather than AoR.
type Peer struct {
	Name string
	Host string
	Port int
	NAT  NATMode
}

// Binding is the read-only view of a registrar binding exposed outside
// internal/registrar, used by the dialog layer to pick a Contact to route
// an inbound call to.
type Binding struct {
	AOR     string
	Contact string
	Expires time.Time
}
