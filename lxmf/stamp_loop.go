package lxmf

import (
	"context"
	"time"

	"lxmesh/stamp"
)

// ensureStamp kicks off proof-of-work generation for msg if the
// destination has an announced stamp cost, no valid outbound ticket
// covers it, and no stamp is attached yet. At most one PoW search runs
// at a time across the whole router (spec §4.2 "stamp_gen_mutex"); if
// the single slot is busy this call is a no-op and the next tick will
// retry.
func (r *Router) ensureStamp(msg *Message) {
	msg.mu.Lock()
	if len(msg.Stamp) > 0 || msg.DeferStamp {
		msg.mu.Unlock()
		return
	}
	destHash := msg.DestinationHash
	material := msg.MessageID
	msg.mu.Unlock()

	cost, ok := r.StampCostFor(destHash)
	if !ok || cost <= 0 {
		return
	}
	if _, hasTicket := r.tickets.OutboundTicket(destHash, time.Now()); hasTicket {
		return
	}

	if !r.stampGenMu.TryLock() {
		return
	}

	msg.mu.Lock()
	msg.DeferStamp = true
	msg.mu.Unlock()

	go func() {
		defer r.stampGenMu.Unlock()
		if material == nil {
			material = msg.TransientID
		}
		wb, err := stamp.Workblock(material, stamp.MessageRounds)
		if err != nil {
			msg.mu.Lock()
			msg.DeferStamp = false
			msg.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s, err := stamp.Generate(ctx, wb, cost)
		msg.mu.Lock()
		msg.DeferStamp = false
		if err == nil {
			msg.Stamp = s
			// Embed the stamp into the wire form and re-sign before the
			// next outbound tick can dispatch msg.Packed; otherwise a
			// stamped send would carry no stamp at all.
			if len(msg.Packed) > 0 {
				_ = msg.repackLocked()
			}
		}
		msg.mu.Unlock()
	}()
}
