// Package registrar implements both sides of RFC 3261 §10: the UAC
// registration client with refresh scheduling, and the registrar-side
// binding store.
package registrar

import (
	"fmt"
	"sync"
	"time"
)

// Binding is one Contact registered against an AoR.
type Binding struct {
	AOR      string
	Contact  string
	Expires  time.Time
	CallID   string
	CSeq     uint32
}

// Store is the registrar-side binding table: AoR -> set of Contacts. It
// enforces max_contacts and the wildcard/single-binding removal rules of
// §4.6's resolved Open Question.
type Store struct {
	mu         sync.Mutex
	bindings   map[string][]*Binding
	maxContacts int
	minExpiry  time.Duration
	maxExpiry  time.Duration
}

func NewStore(maxContacts int, minExpiry, maxExpiry time.Duration) *Store {
	return &Store{
		bindings:    make(map[string][]*Binding),
		maxContacts: maxContacts,
		minExpiry:   minExpiry,
		maxExpiry:   maxExpiry,
	}
}

// ErrTooManyBindings is returned when max_contacts would be exceeded by a
// new, non-refreshing Contact.
var ErrTooManyBindings = fmt.Errorf("registrar: max_contacts exceeded")

// ErrStaleCSeq is returned when a REGISTER claiming a different Call-ID
// than the stored binding carries a CSeq that is not greater than the one
// already on file: per §3's binding invariant this looks like a reordered
// or replayed request from a second UA instance and must not overwrite the
// live binding.
var ErrStaleCSeq = fmt.Errorf("registrar: stale CSeq for mismatched Call-ID")

// ClampExpiry enforces the [minExpiry, maxExpiry] window from §4.6.
func (s *Store) ClampExpiry(requested time.Duration) time.Duration {
	if requested < s.minExpiry {
		return s.minExpiry
	}
	if requested > s.maxExpiry {
		return s.maxExpiry
	}
	return requested
}

// Upsert registers or refreshes contact for aor. expires==0 removes just
// that Contact (per the resolved Open Question: a non-wildcard Expires:0
// deletes a single binding, not the whole AoR).
func (s *Store) Upsert(aor, contact, callID string, cseq uint32, expires time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.bindings[aor]
	if expires <= 0 {
		kept := existing[:0:0]
		for _, b := range existing {
			if b.Contact != contact {
				kept = append(kept, b)
			}
		}
		s.bindings[aor] = kept
		return nil
	}

	for _, b := range existing {
		if b.Contact == contact {
			if b.CallID != callID && cseq <= b.CSeq {
				return ErrStaleCSeq
			}
			b.Expires = time.Now().Add(expires)
			b.CallID = callID
			b.CSeq = cseq
			return nil
		}
	}
	if len(existing) >= s.maxContacts {
		return ErrTooManyBindings
	}
	s.bindings[aor] = append(existing, &Binding{
		AOR: aor, Contact: contact, Expires: time.Now().Add(expires), CallID: callID, CSeq: cseq,
	})
	return nil
}

// RemoveAll implements `Contact: *` with `Expires: 0`: removes every
// binding for aor.
func (s *Store) RemoveAll(aor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, aor)
}

// Bindings returns the live (non-expired) bindings for aor.
func (s *Store) Bindings(aor string) []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var live []*Binding
	for _, b := range s.bindings[aor] {
		if b.Expires.After(now) {
			live = append(live, b)
		}
	}
	return live
}

// Expire removes any binding across the whole store whose Expires time
// has passed; called periodically by the scheduler.
func (s *Store) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for aor, bindings := range s.bindings {
		kept := bindings[:0:0]
		for _, b := range bindings {
			if b.Expires.After(now) {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(s.bindings, aor)
		} else {
			s.bindings[aor] = kept
		}
	}
}
