package lxmf

import (
	"time"

	"github.com/sirupsen/logrus"

	"lxmesh/rns"
	"lxmesh/stamp"
)

// ProcessInbound is the single validation gate every inbound message
// passes through regardless of transport (spec §4.1 "Inbound gate").
// knownDestHash must be supplied by the caller for OPPORTUNISTIC
// delivery, whose wire payload has the destination hash stripped (spec
// §9) in favor of the RNS packet header; DIRECT and PROPAGATED payloads
// carry it inline and knownDestHash may be nil.
func (r *Router) ProcessInbound(raw []byte, method Method, link rns.Link, knownDestHash []byte) {
	msg, err := Unpack(raw, knownDestHash, r.resolveIdentity)
	if err != nil {
		r.log.WithError(err).Debug("lxmf: dropping unparsable inbound message")
		return
	}
	msg.Method = method

	key := keyOf(msg.TransientID)
	r.mu.Lock()
	if _, dup := r.dedup[key]; dup {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if msg.UnverifiedReason == ReasonSignatureInvalid {
		r.log.Debug("lxmf: dropping message with invalid signature")
		return
	}
	// ReasonSourceUnknown is policy-dependent acceptance (spec §4.1 step 3):
	// this router accepts it and continues, deferring to stamp/ignore-list
	// enforcement below.

	sourceKey := keyOf(msg.SourceHash)
	r.mu.Lock()
	ignored := r.ignoreList[sourceKey]
	r.mu.Unlock()
	if ignored {
		return
	}

	dd := r.localDeliveryFor(msg.DestinationHash)
	if dd != nil {
		if !dd.allows(sourceKey) {
			r.log.Debug("lxmf: dropping message from non-allowlisted source")
			return
		}
		if dd.StampCost > 0 {
			ticket, hasTicket := extractTicket(msg.Fields)
			if hasTicket {
				r.tickets.AcceptIssued(msg.SourceHash, ticket, time.Now())
			}
			if !r.validateStamp(msg, dd.StampCost, ticket, hasTicket) {
				if method == MethodPaper {
					r.log.Warn("lxmf: accepting paper message with invalid stamp")
				} else {
					return
				}
			}
		}
	}

	if link != nil && link.RemoteIdentity() != nil {
		// Only cache as a backchannel when the link's own destination hash
		// matches the message's claimed source hash (spec §4.1 step 6);
		// never used to originate sends (spec §9).
		if keyOf(link.DestinationHash()) == sourceKey {
			r.mu.Lock()
			r.backchannels[sourceKey] = link
			r.mu.Unlock()
		}
	}

	if msg.Validated {
		// Issuance happens regardless of a local stamp-cost requirement: a
		// ticket is this node's own grant to the sender for future replies
		// (spec §4.3 "Issuance" is keyed on "called at inbound time", not
		// on whether this destination enforces stamps).
		if _, _, err := r.tickets.IssueIfDue(msg.SourceHash, time.Now()); err != nil {
			r.log.WithError(err).Debug("lxmf: ticket issuance failed")
		}
	}

	r.mu.Lock()
	r.dedup[key] = time.Now()
	r.mu.Unlock()

	r.deliver(msg)
}

// PrepareOutboundTicket attaches a cached outbound ticket to msg and
// clears DeferStamp, if one is available for the destination (spec §4.3
// "Consumption" — outbound side).
func (r *Router) PrepareOutboundTicket(msg *Message) {
	t, ok := r.tickets.OutboundTicket(msg.DestinationHash, time.Now())
	if !ok {
		return
	}
	msg.mu.Lock()
	msg.OutboundTicket = t.Value
	msg.IncludeTicket = true
	msg.DeferStamp = false
	if len(msg.Packed) > 0 {
		_ = msg.repackLocked()
	}
	msg.mu.Unlock()
}

func (r *Router) resolveIdentity(sourceHash []byte) *rns.Identity {
	return r.transport.IdentityRecall(sourceHash)
}

func (r *Router) localDeliveryFor(destHash []byte) *DeliveryDestination {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localDestinations[keyOf(destHash)]
}

// Backchannel returns the cached inbound link usable for replying to
// sourceHash, if one was observed per spec §4.1 step 6.
func (r *Router) Backchannel(sourceHash []byte) (rns.Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.backchannels[keyOf(sourceHash)]
	return l, ok
}

// extractTicket pulls FIELD_TICKET = [expires_epoch_s, ticket_bytes_16]
// out of a message's fields map (spec §4.3 "Embedding").
func extractTicket(fields map[int]any) (Ticket, bool) {
	raw, ok := fields[int(FieldTicket)]
	if !ok {
		return Ticket{}, false
	}
	arr, ok := raw.([]any)
	if !ok || len(arr) != 2 {
		return Ticket{}, false
	}
	expiresSec, ok := asErrorCode(arr[0])
	if !ok {
		return Ticket{}, false
	}
	value, ok := arr[1].([]byte)
	if !ok || len(value) != TicketLength {
		return Ticket{}, false
	}
	return Ticket{Value: value, ExpiresAt: time.Unix(int64(expiresSec), 0)}, true
}

// validateStamp enforces spec §4.1 step 5: a validly attached, unexpired
// ticket fully substitutes for a valid stamp (spec §4.3 "Validation").
func (r *Router) validateStamp(msg *Message, requiredCost int, ticket Ticket, hasTicket bool) bool {
	if hasTicket && r.tickets.VerifyInbound(msg.SourceHash, ticket.Value, time.Now()) {
		return true
	}
	if len(msg.Stamp) == 0 {
		return false
	}
	material := msg.MessageID
	if material == nil {
		material = msg.TransientID
	}
	wb, err := stamp.Workblock(material, stamp.MessageRounds)
	if err != nil {
		return false
	}
	return stamp.IsValid(msg.Stamp, requiredCost, wb)
}

// cleanup runs spec §4.1's periodic cleanup pass.
func (r *Router) cleanup(now time.Time) {
	r.mu.Lock()
	for k, ts := range r.dedup {
		if now.Sub(ts) > TransientIDExpiry {
			delete(r.dedup, k)
		}
	}
	for k, entry := range r.stampCosts {
		if now.Sub(time.Unix(entry.Timestamp, 0)) > StampCostExpiry {
			delete(r.stampCosts, k)
		}
	}
	r.mu.Unlock()

	removed := r.tickets.Sweep(now)
	if removed > 0 {
		r.log.WithFields(logrus.Fields{"removed": removed}).Debug("lxmf: swept expired tickets")
	}
}
