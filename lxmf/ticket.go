package lxmf

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Ticket is a peer-issued exemption from the stamp cost requirement
// (spec §4.3 "Tickets"): while valid, messages to the issuer may carry
// this ticket instead of computing a proof-of-work stamp.
type Ticket struct {
	Value     []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (t Ticket) expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// inGrace reports whether t is past expiry but still within the grace
// window where it continues to be accepted as valid (spec §4.3 "Grace
// period") while a renewal is pending.
func (t Ticket) inGrace(now time.Time) bool {
	return t.expired(now) && now.Before(t.ExpiresAt.Add(TicketGrace))
}

// TicketStore tracks tickets this node has issued to peers (inbound,
// keyed by the peer's destination hash) and tickets peers have issued to
// this node for outbound use (keyed the same way), per spec §4.3.
type TicketStore struct {
	mu sync.Mutex

	issued     map[string]Ticket    // hex(destHash) -> ticket we generated for a peer
	received   map[string]Ticket    // hex(destHash) -> ticket a peer generated for us
	lastIssued map[string]time.Time // hex(destHash) -> last issuance time
}

func NewTicketStore() *TicketStore {
	return &TicketStore{
		issued:     make(map[string]Ticket),
		received:   make(map[string]Ticket),
		lastIssued: make(map[string]time.Time),
	}
}

// IssueIfDue enforces TICKET_INTERVAL between issuances per destination
// (spec §4.3 "Issuance"): reuses an existing ticket with remaining
// lifetime beyond TICKET_RENEW, otherwise mints a fresh one, but never
// more than once per TICKET_INTERVAL.
func (s *TicketStore) IssueIfDue(peerHash []byte, now time.Time) (Ticket, bool, error) {
	key := keyOf(peerHash)

	s.mu.Lock()
	if last, ok := s.lastIssued[key]; ok && now.Sub(last) < TicketInterval {
		t, exists := s.issued[key]
		s.mu.Unlock()
		return t, exists, nil
	}
	if existing, ok := s.issued[key]; ok && existing.ExpiresAt.Sub(now) > TicketRenew {
		s.lastIssued[key] = now
		s.mu.Unlock()
		return existing, true, nil
	}
	s.mu.Unlock()

	t, err := s.Issue(peerHash, now)
	if err != nil {
		return Ticket{}, false, err
	}
	s.mu.Lock()
	s.lastIssued[key] = now
	s.mu.Unlock()
	return t, true, nil
}

func keyOf(destHash []byte) string { return hex.EncodeToString(destHash) }

// Issue mints a new random ticket for peerHash, valid from now for
// TicketExpiry (spec §4.3 "Issuance").
func (s *TicketStore) Issue(peerHash []byte, now time.Time) (Ticket, error) {
	buf := make([]byte, TicketLength)
	if _, err := rand.Read(buf); err != nil {
		return Ticket{}, fmt.Errorf("lxmf: generate ticket: %w", err)
	}
	t := Ticket{Value: buf, IssuedAt: now, ExpiresAt: now.Add(TicketExpiry)}
	s.mu.Lock()
	s.issued[keyOf(peerHash)] = t
	s.mu.Unlock()
	return t, nil
}

// ShouldRenew reports whether the ticket issued to peerHash should be
// reissued: either none exists yet, or its remaining lifetime has fallen
// below TicketRenew (spec §4.3 "Renewal").
func (s *TicketStore) ShouldRenew(peerHash []byte, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.issued[keyOf(peerHash)]
	if !ok {
		return true
	}
	return now.Add(TicketRenew).After(t.ExpiresAt)
}

// AcceptIssued validates an inbound ticket issued by peerHash that this
// node may later use as outbound proof against that peer (spec §4.3
// "Storage"). Only stores the ticket if it is not already expired past
// grace.
func (s *TicketStore) AcceptIssued(peerHash []byte, t Ticket, now time.Time) bool {
	if t.expired(now) && !t.inGrace(now) {
		return false
	}
	s.mu.Lock()
	s.received[keyOf(peerHash)] = t
	s.mu.Unlock()
	return true
}

// OutboundTicket returns a still-usable ticket for sending to peerHash,
// if one is cached and not past its grace window.
func (s *TicketStore) OutboundTicket(peerHash []byte, now time.Time) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.received[keyOf(peerHash)]
	if !ok {
		return Ticket{}, false
	}
	if t.expired(now) && !t.inGrace(now) {
		delete(s.received, keyOf(peerHash))
		return Ticket{}, false
	}
	return t, true
}

// VerifyInbound checks a ticket presented by a peer against the ticket
// this node issued to them (spec §4.3 "Verification" — the inbound gate
// accepts the message regardless of stamp cost if this succeeds).
func (s *TicketStore) VerifyInbound(peerHash []byte, presented []byte, now time.Time) bool {
	s.mu.Lock()
	t, ok := s.issued[keyOf(peerHash)]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if t.expired(now) && !t.inGrace(now) {
		return false
	}
	return constantTimeEqual(t.Value, presented)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// Sweep discards issued and received tickets that have expired past their
// grace window, returning how many were removed in total. Meant to be called from the
// router's periodic cleanup tick (spec §4.1 "every 60 processing ticks").
func (s *TicketStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, t := range s.issued {
		if t.expired(now) && !t.inGrace(now) {
			delete(s.issued, k)
			delete(s.lastIssued, k)
			removed++
		}
	}
	for k, t := range s.received {
		if t.expired(now) && !t.inGrace(now) {
			delete(s.received, k)
			removed++
		}
	}
	return removed
}
