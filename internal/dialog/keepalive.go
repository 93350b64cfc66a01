package dialog

import (
	"sync"
	"time"
)

// Reachability enumerates a peer's OPTIONS-poke state.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityUp
	ReachabilityDown
)

// Keepalive tracks OPTIONS-based reachability per peer, per §4.8: a peer
// that fails to answer a configurable number of consecutive OPTIONS
// pokes is marked Down until one succeeds again.
type Keepalive struct {
	mu            sync.Mutex
	state         map[string]Reachability
	misses        map[string]int
	downThreshold int
	lastPoke      map[string]time.Time
}

func NewKeepalive(downThreshold int) *Keepalive {
	if downThreshold <= 0 {
		downThreshold = 3
	}
	return &Keepalive{
		state:         make(map[string]Reachability),
		misses:        make(map[string]int),
		lastPoke:      make(map[string]time.Time),
		downThreshold: downThreshold,
	}
}

// RecordPoke notes that an OPTIONS was just sent to peer.
func (k *Keepalive) RecordPoke(peer string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastPoke[peer] = time.Now()
}

// RecordResponse applies the outcome of an OPTIONS transaction: a 2xx (or
// any final response at all) marks the peer Up and resets the miss count;
// a transaction timeout increments it and flips to Down at the threshold.
func (k *Keepalive) RecordResponse(peer string, gotResponse bool) Reachability {
	k.mu.Lock()
	defer k.mu.Unlock()
	if gotResponse {
		k.misses[peer] = 0
		k.state[peer] = ReachabilityUp
		return ReachabilityUp
	}
	k.misses[peer]++
	if k.misses[peer] >= k.downThreshold {
		k.state[peer] = ReachabilityDown
	}
	return k.state[peer]
}

func (k *Keepalive) State(peer string) Reachability {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.state[peer]; ok {
		return s
	}
	return ReachabilityUnknown
}
