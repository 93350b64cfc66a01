// Package transport owns the single UDP socket the softswitch core reads
// and writes on, dispatching inbound datagrams to the codec and outbound
// messages through the configured NAT rewrite mode.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxframe/sipcore/internal/account"
	"github.com/voxframe/sipcore/internal/nat"
	"github.com/voxframe/sipcore/internal/sipmsg"
)

// Handler receives a successfully parsed inbound message and the address
// it arrived from. Datagrams that fail to parse are logged and dropped by
// the transport itself, never reaching Handler.
type Handler func(msg sipmsg.Message, from *net.UDPAddr)

// Transport owns one UDP socket and applies NAT rewriting to outbound
// Contact/Via lines according to mode, per §4.8.
type Transport struct {
	conn   *net.UDPConn
	parser *sipmsg.Parser
	log    zerolog.Logger
	nat    *nat.Discoverer
	mode   account.NATMode
	handler Handler
}

// New binds a UDP socket at laddr and returns a Transport ready to Serve.
func New(laddr string, strict bool, mode account.NATMode, discoverer *nat.Discoverer, log zerolog.Logger) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", laddr, err)
	}
	if discoverer != nil {
		discoverer.SetConn(conn)
	}
	return &Transport{conn: conn, parser: sipmsg.NewParser(strict), log: log, nat: discoverer, mode: mode}, nil
}

// SetHandler installs the inbound message callback; must be called before
// Serve.
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// Serve reads datagrams until ctx is cancelled. It is meant to run on its
// own goroutine, interleaved with the scheduler's Wait loop via the
// caller's top-level select (see cmd/sipcore).
func (t *Transport) Serve(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return fmt.Errorf("transport: set read deadline: %w", err)
		}
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		if t.nat != nil && nat.LooksLikeSTUN(buf[:n]) {
			if _, err := t.nat.ApplyBindingResponse(buf[:n]); err != nil {
				t.log.Debug().Err(err).Str("from", from.String()).Msg("transport: dropping malformed STUN datagram")
			}
			continue
		}
		msg, perr := t.parser.Parse(buf[:n])
		if perr != nil {
			t.log.Debug().Err(perr).Str("from", from.String()).Msg("transport: dropping malformed datagram")
			continue
		}
		if t.handler != nil {
			t.handler(msg, from)
		}
	}
}

// Send writes msg to dest, rewriting Contact/Via/SDP per the configured
// NAT mode before serialization. If traversal is enabled but no mapping
// has been discovered yet, Send defers: it blocks on the discoverer's
// Resolve (which itself retries for up to 4s before falling back to the
// configured external IP) so the first outbound message after startup
// still goes out rewritten instead of with the raw local address.
func (t *Transport) Send(ctx context.Context, dest string, msg sipmsg.Message) error {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return fmt.Errorf("transport: resolve destination %q: %w", dest, err)
	}
	if t.mode != account.NATNever && t.nat != nil {
		if _, ok := t.nat.Mapped(); !ok {
			if serverAddr, serr := t.nat.ServerAddr(); serr == nil {
				if _, rerr := t.nat.Resolve(ctx, serverAddr); rerr != nil {
					t.log.Warn().Err(rerr).Msg("transport: STUN resolve deferred send failed")
				}
			}
		}
		t.rewriteForNAT(msg)
	}
	_, err = t.conn.WriteToUDP([]byte(msg.String()), addr)
	if err != nil {
		return fmt.Errorf("transport: write to %q: %w", dest, err)
	}
	return nil
}

// rewriteForNAT rewrites the outbound message's Contact, the local side's
// top Via sent-by, and, for an SDP body, the c= and m= lines, per §4.8/
// §4.9: a UA behind NAT must advertise its mapped address on every plane
// a peer might send back to, not just the Contact header.
func (t *Transport) rewriteForNAT(msg sipmsg.Message) {
	mapped, ok := t.nat.Mapped()
	if !ok {
		return
	}
	hdrs := msg.Headers()
	if contact := hdrs.Get(sipmsg.HeaderContact); contact != "" {
		hdrs.Set(sipmsg.HeaderContact, nat.RewriteContact(contact, mapped))
	}
	if vias := hdrs.GetAll(sipmsg.HeaderVia); len(vias) > 0 {
		rewritten := nat.RewriteViaSentBy(vias[0], mapped)
		hdrs.Remove(sipmsg.HeaderVia)
		hdrs.Add(sipmsg.HeaderVia, rewritten)
		for _, v := range vias[1:] {
			hdrs.Add(sipmsg.HeaderVia, v)
		}
	}
	if hdrs.Get(sipmsg.HeaderContentType) == "application/sdp" {
		if body := msg.Body(); len(body) > 0 {
			msg.SetBody(rewriteSDPBody(body, mapped))
		}
	}
}

func rewriteSDPBody(body []byte, mapped nat.MappedAddress) []byte {
	lines := strings.Split(string(body), "\r\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "c=IN"):
			lines[i] = nat.RewriteSDPConnection(line, mapped)
		case strings.HasPrefix(line, "m="):
			lines[i] = nat.RewriteSDPMediaPort(line, mapped)
		}
	}
	return []byte(strings.Join(lines, "\r\n"))
}

// LocalAddr exposes the bound socket address, needed to build the initial
// Via/Contact before any NAT mapping is known.
func (t *Transport) LocalAddr() *net.UDPAddr { return t.conn.LocalAddr().(*net.UDPAddr) }

func (t *Transport) Close() error { return t.conn.Close() }
