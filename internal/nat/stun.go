// Package nat coordinates STUN Binding Request/Response discovery and
// rewrites outbound Contact/Via/SDP addresses to the discovered mapped
// address, per §4.8. Call-ID is never rewritten.
package nat

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/rs/zerolog"

	"github.com/voxframe/sipcore/internal/metrics"
)

const (
	retryInterval = 500 * time.Millisecond
	giveUpAfter   = 4 * time.Second
)

// Conn is the minimal UDP contract the discoverer needs.
type Conn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// MappedAddress is the publicly visible address STUN discovered for the
// local socket.
type MappedAddress struct {
	IP   string
	Port int
}

// Discoverer runs a STUN Binding Request/Response exchange against a
// configured server and caches the result until told to refresh.
type Discoverer struct {
	mu       sync.Mutex
	server   string
	conn     Conn
	log      zerolog.Logger
	mapped   *MappedAddress
	fallback MappedAddress // configured external IP, used if STUN never answers
}

func NewDiscoverer(server string, conn Conn, fallback MappedAddress, log zerolog.Logger) *Discoverer {
	return &Discoverer{server: server, conn: conn, fallback: fallback, log: log}
}

// SetConn installs the socket the discoverer writes Binding Requests on,
// used when the transport's own UDP socket (bound after the discoverer is
// constructed) is the one that must send them.
func (d *Discoverer) SetConn(conn Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

// ServerAddr resolves the configured STUN server address.
func (d *Discoverer) ServerAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", d.server)
}

// Resolve blocks buffering nothing itself (the caller is responsible for
// queuing outbound sends until a mapped address is known); it re-sends the
// Binding Request every 500ms and returns as soon as ApplyBindingResponse
// has cached a mapping, and after 4s without one falls back to the
// configured external IP per §4.8.
func (d *Discoverer) Resolve(ctx context.Context, serverAddr *net.UDPAddr) (MappedAddress, error) {
	d.mu.Lock()
	if d.mapped != nil {
		m := *d.mapped
		d.mu.Unlock()
		return m, nil
	}
	d.mu.Unlock()

	start := time.Now()
	deadline := start.Add(giveUpAfter)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return MappedAddress{}, ctx.Err()
		default:
		}
		if m, ok := d.Mapped(); ok {
			metrics.STUNRoundTrips.Observe(time.Since(start).Seconds())
			return m, nil
		}
		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		if _, err := d.conn.WriteTo(msg.Raw, serverAddr); err != nil {
			d.log.Debug().Err(err).Msg("nat: STUN write failed, retrying")
		}
		time.Sleep(retryInterval)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mapped == nil {
		d.log.Warn().Str("server", d.server).Msg("nat: STUN server unreachable, falling back to configured external IP")
		d.mapped = &d.fallback
	}
	return *d.mapped, nil
}

// ApplyBindingResponse parses a received STUN Binding Response and caches
// its XOR-MAPPED-ADDRESS (or MAPPED-ADDRESS) as the discovered mapping.
func (d *Discoverer) ApplyBindingResponse(raw []byte) (MappedAddress, error) {
	msg := &stun.Message{Raw: raw}
	if err := msg.Decode(); err != nil {
		return MappedAddress{}, fmt.Errorf("nat: decode STUN message: %w", err)
	}
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		m := MappedAddress{IP: xorAddr.IP.String(), Port: xorAddr.Port}
		d.mu.Lock()
		d.mapped = &m
		d.mu.Unlock()
		return m, nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(msg); err == nil {
		m := MappedAddress{IP: mappedAddr.IP.String(), Port: mappedAddr.Port}
		d.mu.Lock()
		d.mapped = &m
		d.mu.Unlock()
		return m, nil
	}
	return MappedAddress{}, fmt.Errorf("nat: no mapped address attribute in STUN response")
}

// Mapped returns the cached mapped address, if any.
func (d *Discoverer) Mapped() (MappedAddress, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mapped == nil {
		return MappedAddress{}, false
	}
	return *d.mapped, true
}

// RewriteContact replaces the host:port in a Contact/Via sent-by URI
// string with the mapped address, leaving everything else (including any
// Call-ID elsewhere in the message) untouched.
func RewriteContact(contact string, mapped MappedAddress) string {
	at := strings.LastIndexByte(contact, '@')
	prefix := contact
	suffix := ""
	if at >= 0 {
		prefix = contact[:at+1]
		suffix = contact[at+1:]
	} else {
		prefix = ""
		suffix = contact
	}
	end := strings.IndexAny(suffix, ";>")
	tail := ""
	if end >= 0 {
		tail = suffix[end:]
	}
	return fmt.Sprintf("%s%s:%d%s", prefix, mapped.IP, mapped.Port, tail)
}

// stunMagicCookie is the fixed value at bytes 4:8 of every STUN message
// per RFC 5389 §6, distinguishing STUN datagrams from SIP ones sharing the
// same UDP socket.
const stunMagicCookie = 0x2112A442

// LooksLikeSTUN reports whether buf's first 20 bytes carry the STUN
// header shape: the fixed magic cookie at bytes 4:8.
func LooksLikeSTUN(buf []byte) bool {
	if len(buf) < 20 {
		return false
	}
	cookie := uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	return cookie == stunMagicCookie
}

// RewriteViaSentBy replaces the host:port after the transport token in a
// Via header value with the mapped address, leaving the branch and any
// other parameters untouched.
func RewriteViaSentBy(via string, mapped MappedAddress) string {
	parts := strings.SplitN(via, " ", 2)
	if len(parts) != 2 {
		return via
	}
	rest := parts[1]
	tail := ""
	if end := strings.IndexByte(rest, ';'); end >= 0 {
		tail = rest[end:]
	}
	return fmt.Sprintf("%s %s:%d%s", parts[0], mapped.IP, mapped.Port, tail)
}

// RewriteSDPConnection replaces an SDP c= line's connection-address with
// the mapped address, used alongside RewriteSDPMediaPort for the media
// plane's half of NAT traversal.
func RewriteSDPConnection(line string, mapped MappedAddress) string {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "c=IN" {
		return line
	}
	return fmt.Sprintf("c=IN %s %s", fields[1], mapped.IP)
}

// RewriteSDPMediaPort replaces an m= line's port with the mapped port,
// leaving the media type, protocol, and format list untouched.
func RewriteSDPMediaPort(line string, mapped MappedAddress) string {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "m=") {
		return line
	}
	fields[1] = strconv.Itoa(mapped.Port)
	return strings.Join(fields, " ")
}
