package lxmf

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"lxmesh/rns"
)

// PNMetaName is the only recognized metadata key in a propagation-node
// announce today (spec §6).
const PNMetaName = 0x01

// AspectFilter implements rns.AnnounceHandler; the router listens on
// every LXMF aspect and dispatches by payload shape.
func (r *Router) AspectFilter() string { return "" }

// ReceivedAnnounce implements rns.AnnounceHandler (spec §4.1 "Announce
// handling"). Delivery and propagation-node announces are both msgpack
// arrays; they're told apart by length alone: a 7-element array is a
// propagation-node announce, anything else a delivery announce.
func (r *Router) ReceivedAnnounce(destinationHash []byte, announcedIdentity *rns.Identity, appData []byte) {
	if len(appData) == 0 {
		return
	}
	var raw []any
	if err := msgpack.Unmarshal(appData, &raw); err != nil {
		return
	}
	if len(raw) == 7 {
		r.handlePropagationAnnounce(destinationHash, raw)
		return
	}
	r.handleDeliveryAnnounce(destinationHash, raw)
}

// handleDeliveryAnnounce updates the stamp-cost cache and nudges any
// pending outbound messages for this destination (spec §4.1).
func (r *Router) handleDeliveryAnnounce(destHash []byte, raw []any) {
	var cost *int
	if len(raw) >= 2 {
		if c, ok := asErrorCode(raw[1]); ok {
			cost = &c
		}
	}
	if cost == nil {
		return
	}

	key := keyOf(destHash)
	r.mu.Lock()
	r.stampCosts[key] = stampCostEntry{Timestamp: time.Now().Unix(), Cost: *cost}
	snapshot := make([]*Message, len(r.outbound))
	copy(snapshot, r.outbound)
	r.mu.Unlock()

	now := time.Now()
	for _, m := range snapshot {
		if keyOf(m.DestinationHash) != key {
			continue
		}
		m.mu.Lock()
		if m.State == StateOutbound {
			m.NextDeliveryAttempt = now
		}
		m.mu.Unlock()
	}
}

// StampCostFor returns the last-announced stamp cost for destHash, if
// any is cached.
func (r *Router) StampCostFor(destHash []byte) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.stampCosts[keyOf(destHash)]
	return e.Cost, ok
}

// PropagationAnnounce is the decoded form of a propagation-node announce
// (spec §6 "Wire — Propagation-node announce appdata").
type PropagationAnnounce struct {
	DestinationHash []byte
	Legacy          bool
	Timebase        int64
	IsActive        bool
	PerTransferKB   int
	PerSyncKB       int
	Cost            int
	Flex            int
	PeeringCost     int
	Name            string
}

func (r *Router) handlePropagationAnnounce(destHash []byte, raw []any) {
	pa := PropagationAnnounce{DestinationHash: append([]byte(nil), destHash...)}
	if v, ok := raw[0].(bool); ok {
		pa.Legacy = v
	}
	if v, ok := asErrorCode(raw[1]); ok {
		pa.Timebase = int64(v)
	}
	if v, ok := raw[2].(bool); ok {
		pa.IsActive = v
	}
	if v, ok := asErrorCode(raw[3]); ok {
		pa.PerTransferKB = v
	}
	if v, ok := asErrorCode(raw[4]); ok {
		pa.PerSyncKB = v
	}
	if triple, ok := raw[5].([]any); ok && len(triple) == 3 {
		if v, ok := asErrorCode(triple[0]); ok {
			pa.Cost = v
		}
		if v, ok := asErrorCode(triple[1]); ok {
			pa.Flex = v
		}
		if v, ok := asErrorCode(triple[2]); ok {
			pa.PeeringCost = v
		}
	}
	if meta, ok := raw[6].(map[any]any); ok {
		if name, ok := meta[PNMetaName]; ok {
			if nameBytes, ok := name.([]byte); ok {
				pa.Name = string(nameBytes)
			}
		}
	}

	if !pa.IsActive {
		return
	}
	if r.propagation.nodeDestHash == nil {
		r.SetPropagationNode(destHash)
	}
	if r.onPropagationAnnounce != nil {
		r.onPropagationAnnounce(pa)
	}
}
