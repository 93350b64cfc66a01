// Command sipcore runs the SIP channel-driver core: a single UDP socket,
// the transaction/dialog layers, a registrar, and the scheduler loop that
// drives all of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voxframe/sipcore/internal/account"
	"github.com/voxframe/sipcore/internal/auth"
	"github.com/voxframe/sipcore/internal/config"
	"github.com/voxframe/sipcore/internal/dialog"
	"github.com/voxframe/sipcore/internal/nat"
	"github.com/voxframe/sipcore/internal/registrar"
	"github.com/voxframe/sipcore/internal/scheduler"
	"github.com/voxframe/sipcore/internal/sdpneg"
	"github.com/voxframe/sipcore/internal/sipmsg"
	"github.com/voxframe/sipcore/internal/transaction"
	"github.com/voxframe/sipcore/internal/transport"

	"net"
	"net/http"
)

// defaultCodecs is the UAS's codec preference list for answering an
// INVITE's SDP offer; G.711 u-law/a-law, the pair every peer in the
// target deployment is expected to support.
var defaultCodecs = []sdpneg.Codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
}

func main() {
	var (
		configPath = flag.String("config", "/etc/sipcore/sipcore.conf", "path to the .conf configuration file")
		listenAddr = flag.String("listen", "", "override [general] bindaddr:port from the config file")
		metricsAddr = flag.String("metrics", "", "address to serve Prometheus metrics on, empty disables it")
		strict     = flag.Bool("strict", false, "reject messages with space before header colon instead of tolerating them")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	f, err := os.Open(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("sipcore: cannot open config file")
	}
	cfg, err := config.Parse(f)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("sipcore: cannot parse config file")
	}

	general := cfg.Section("general")
	if general == nil {
		general = &config.Section{Name: "general", Values: map[string][]string{}}
	}
	bind := *listenAddr
	if bind == "" && general != nil {
		bind = general.Get("bindaddr")
	}
	if bind == "" {
		bind = "0.0.0.0:5060"
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Error().Err(err).Msg("sipcore: metrics server stopped")
			}
		}()
	}

	sched := scheduler.New()
	natMode := resolveNATMode(general)

	var discoverer *nat.Discoverer
	if natMode != account.NATNever && general != nil && general.Get("stun_server") != "" {
		discoverer = nat.NewDiscoverer(general.Get("stun_server"), nil, nat.MappedAddress{}, log)
	}

	tr, err := transport.New(bind, *strict, natMode, discoverer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("sipcore: cannot bind transport")
	}
	defer tr.Close()

	txManager := transaction.NewManager(transaction.SchedulerAdapter{S: sched}, log)
	callLimiter := dialog.NewCallLimiter()
	keepalive := dialog.NewKeepalive(3)
	verifier := auth.NewVerifier(time.Minute)
	realm := general.Get("realm")
	if realm == "" {
		realm = "sipcore"
	}

	store := registrar.NewStore(
		general.GetInt("max_contacts", 5),
		time.Duration(general.GetInt("min_expiry", 60))*time.Second,
		time.Duration(general.GetInt("max_expiry", 3600))*time.Second,
	)

	localAddr := tr.LocalAddr()
	contact := fmt.Sprintf("<sip:sipcore@%s>", localAddr.String())

	accounts := make(map[string]account.Account)
	type peerTarget struct {
		name string
		dest string
	}
	var keepalivePeers []peerTarget
	var registerLines []struct {
		section string
		line    config.RegisterLine
	}
	for _, peerSection := range cfg.Sections {
		if peerSection.Name == "general" || peerSection.Name == "authentication" {
			continue
		}
		if limit := peerSection.GetInt("call_limit", 0); limit > 0 {
			callLimiter.SetLimit(peerSection.Name, limit)
		}
		accounts[peerSection.Name] = account.Account{
			Name:      peerSection.Name,
			Realm:     realm,
			Secret:    peerSection.Get("secret"),
			CallLimit: peerSection.GetInt("call_limit", 0),
		}

		if host := peerSection.Get("host"); host != "" {
			port := peerSection.GetInt("port", 5060)
			keepalivePeers = append(keepalivePeers, peerTarget{
				name: peerSection.Name,
				dest: fmt.Sprintf("%s:%d", host, port),
			})
		}

		for _, raw := range peerSection.GetAll("register") {
			rl, err := config.ParseRegisterLine(raw)
			if err != nil {
				log.Warn().Err(err).Str("section", peerSection.Name).Msg("sipcore: bad register line, skipping")
				continue
			}
			registerLines = append(registerLines, struct {
				section string
				line    config.RegisterLine
			}{peerSection.Name, rl})
		}
	}

	d := &dispatcher{
		log:          log,
		txManager:    txManager,
		store:        store,
		verifier:     verifier,
		accounts:     accounts,
		realm:        realm,
		sender:       transaction.Sender{Transport: tr, Dest: ""},
		keepalive:    keepalive,
		callLimiter:  callLimiter,
		localMediaIP: localAddr.IP.String(),
		codecs:       defaultCodecs,
		contact:      contact,
	}

	tr.SetHandler(func(msg sipmsg.Message, from *net.UDPAddr) {
		d.handle(msg, from)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := tr.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("sipcore: transport serve loop exited")
		}
	}()

	for _, peer := range keepalivePeers {
		d.scheduleKeepalive(sched, peer.name, peer.dest)
	}
	for _, rl := range registerLines {
		entry := d.newRegistrationEntry(sched, rl.line, contact)
		entry.Start(ctx)
	}

	log.Info().Str("listen", bind).Msg("sipcore: listening")

	for {
		select {
		case <-sig:
			log.Info().Msg("sipcore: shutting down")
			return
		default:
			sched.Wait(200 * time.Millisecond)
			store.Expire()
		}
	}
}

func resolveNATMode(general *config.Section) account.NATMode {
	if general == nil {
		return account.NATNever
	}
	switch general.Get("nat") {
	case "route":
		return account.NATRoute
	case "rfc3581":
		return account.NATRfc3581
	case "always":
		return account.NATAlways
	default:
		return account.NATNever
	}
}

// scheduleKeepalive drives periodic OPTIONS pokes to peer per §4.8: every
// 60s while reachable, falling back to a 10s retry cadence once the
// down-threshold trips. A measured round trip is fed back into the
// transaction manager so future transactions to this peer start from a
// realistic T1 instead of the default 500ms.
func (d *dispatcher) scheduleKeepalive(sched *scheduler.Scheduler, peer, dest string) {
	const upInterval = 60 * time.Second
	const downInterval = 10 * time.Second
	const missCheck = 32 * time.Second

	var poke func()
	poke = func() {
		d.keepalive.RecordPoke(peer)
		sent := time.Now()
		var responded int32

		req := sipmsg.NewRequest("OPTIONS", sipmsg.NewURI("", hostOf(dest)))
		branch := sipmsg.NewBranch()
		req.Headers().Set(sipmsg.HeaderVia, sipmsg.Via("UDP", sentByOf(d.contact), branch, true))
		selfURI := sipmsg.NewURI("sipcore", hostOf(d.contact))
		req.Headers().Set(sipmsg.HeaderFrom, sipmsg.NameAddr("", selfURI, map[string]string{"tag": sipmsg.NewTag()}))
		req.Headers().Set(sipmsg.HeaderTo, sipmsg.NameAddr("", sipmsg.NewURI("", hostOf(dest)), nil))
		req.Headers().Set(sipmsg.HeaderCallID, sipmsg.NewCallID(hostOf(d.contact)))
		req.Headers().Set(sipmsg.HeaderCSeq, "1 OPTIONS")
		req.Headers().Set(sipmsg.HeaderMaxForwards, "70")

		_, err := d.txManager.NewClientTransaction(req, transaction.Sender{Transport: d.sender.Transport, Dest: dest}, func(resp *sipmsg.Response) {
			if resp.StatusCode < 200 {
				return
			}
			atomic.StoreInt32(&responded, 1)
			rtt := time.Since(sent)
			d.keepalive.RecordResponse(peer, true)
			d.txManager.SetT1ForDest(dest, rtt)
		})
		if err != nil {
			d.log.Warn().Err(err).Str("peer", peer).Msg("sipcore: keepalive OPTIONS send failed")
		}

		sched.Add(missCheck, func() {
			if atomic.LoadInt32(&responded) == 0 {
				d.keepalive.RecordResponse(peer, false)
			}
		})

		next := upInterval
		if d.keepalive.State(peer) == dialog.ReachabilityDown {
			next = downInterval
		}
		sched.Add(next, poke)
	}
	sched.Add(time.Second, poke)
}

// sentByOf strips the sip: scheme and angle-brackets/user-part from a
// dest/contact string, leaving "host:port" (or just host), for Via
// sent-by and throwaway URI hosts.
func sentByOf(s string) string {
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimPrefix(s, "sip:")
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[at+1:]
	}
	return s
}

// hostOf is sentByOf with any port stripped.
func hostOf(s string) string {
	s = sentByOf(s)
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		s = s[:colon]
	}
	return s
}

// newRegistrationEntry builds the UAC registration lifecycle for one
// `register = user[:secret]@host[:port]/contact` directive: the Sender
// closure builds and sends a fresh REGISTER, attaching Authorization on
// retry, and routes the response back into the Entry's FSM (item h).
func (d *dispatcher) newRegistrationEntry(sched *scheduler.Scheduler, rl config.RegisterLine, defaultContact string) *registrar.Entry {
	dest := rl.Host
	if !strings.Contains(dest, ":") {
		dest += ":5060"
	}
	host := hostOf(rl.Host)
	callID := sipmsg.NewCallID(host)
	aorURI := sipmsg.NewURI(rl.User, host)
	contactValue := defaultContact
	if rl.Contact != "" {
		contactValue = rl.Contact
	}

	var entry *registrar.Entry
	var cseq uint32
	var lastChallenge string

	send := func(ctx context.Context, withAuth bool) error {
		cseq++
		req := sipmsg.NewRequest("REGISTER", sipmsg.NewURI("", host))
		branch := sipmsg.NewBranch()
		req.Headers().Set(sipmsg.HeaderVia, sipmsg.Via("UDP", sentByOf(contactValue), branch, true))
		req.Headers().Set(sipmsg.HeaderFrom, sipmsg.NameAddr("", aorURI, map[string]string{"tag": sipmsg.NewTag()}))
		req.Headers().Set(sipmsg.HeaderTo, sipmsg.NameAddr("", aorURI, nil))
		req.Headers().Set(sipmsg.HeaderCallID, callID)
		req.Headers().Set(sipmsg.HeaderCSeq, fmt.Sprintf("%d REGISTER", cseq))
		req.Headers().Set(sipmsg.HeaderMaxForwards, "70")
		req.Headers().Set(sipmsg.HeaderContact, contactValue)
		req.Headers().Set(sipmsg.HeaderExpires, "3600")
		if withAuth && lastChallenge != "" {
			cred, err := auth.UACCredential(lastChallenge, "REGISTER", host, rl.User, rl.Secret)
			if err != nil {
				return fmt.Errorf("sipcore: build REGISTER credential: %w", err)
			}
			req.Headers().Set(sipmsg.HeaderAuthorization, cred)
		}

		_, err := d.txManager.NewClientTransaction(req, transaction.Sender{Transport: d.sender.Transport, Dest: dest}, func(resp *sipmsg.Response) {
			ctx := context.Background()
			switch {
			case resp.StatusCode == 401 || resp.StatusCode == 407:
				lastChallenge = resp.Headers().Get(sipmsg.HeaderWWWAuth)
				if lastChallenge == "" {
					lastChallenge = resp.Headers().Get(sipmsg.HeaderProxyAuth)
				}
				if err := entry.OnChallenge(ctx); err != nil {
					d.log.Warn().Err(err).Str("account", rl.User).Msg("sipcore: registration challenge handling failed")
				}
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				expires := registrationExpires(resp)
				if err := entry.OnAccepted(ctx, expires, func() { _ = entry.Start(context.Background()) }); err != nil {
					d.log.Warn().Err(err).Str("account", rl.User).Msg("sipcore: registration accept handling failed")
				}
			default:
				if err := entry.OnRejected(ctx); err != nil {
					d.log.Warn().Err(err).Str("account", rl.User).Msg("sipcore: registration reject handling failed")
				}
			}
		})
		return err
	}

	entry = registrar.NewEntry(registrar.SchedulerAdapter{S: sched}, d.log, send)
	return entry
}

// registrationExpires reads the effective expiry off a REGISTER 2xx: the
// Expires header if present, else the first Contact carrying an expires
// param, else a 3600s default.
func registrationExpires(resp *sipmsg.Response) time.Duration {
	if v := resp.Headers().Get(sipmsg.HeaderExpires); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	for _, c := range resp.Headers().GetAll(sipmsg.HeaderContact) {
		if idx := strings.Index(c, "expires="); idx >= 0 {
			var secs int
			if _, err := fmt.Sscanf(c[idx+len("expires="):], "%d", &secs); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 3600 * time.Second
}
