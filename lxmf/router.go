package lxmf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lxmesh/rns"
)

// DeliveryDestination is a local LXMF identity this router accepts
// inbound messages for. StampCost of 0 disables stamp enforcement;
// AuthRequired restricts inbound acceptance to AllowedList (spec §9,
// resolved open question: wired into inbound gate step 4).
type DeliveryDestination struct {
	Destination  *rns.Destination
	StampCost    int
	AuthRequired bool
	AllowedList  map[string]bool // hex(source_hash) -> allowed
}

func (d *DeliveryDestination) allows(sourceHashHex string) bool {
	if !d.AuthRequired {
		return true
	}
	return d.AllowedList[sourceHashHex]
}

type stampCostEntry struct {
	Timestamp int64
	Cost      int
}

type pendingLink struct {
	link  rns.Link
	state rns.LinkStatus
}

// Router owns every outbound message's lifecycle and funnels inbound
// traffic through a single validation gate (spec §4.1).
type Router struct {
	mu sync.Mutex

	transport rns.Transport
	log       *logrus.Entry

	localDestinations map[string]*DeliveryDestination // hex(dest hash) -> dest

	outbound []*Message

	dedup map[string]time.Time // hex(transient_id) -> received_epoch

	stampCosts map[string]stampCostEntry // hex(dest hash) -> {ts, cost}

	tickets *TicketStore

	pendingLinkEstablishments map[string]bool // hex(dest hash) in flight
	links                     map[string]*pendingLink

	ignoreList map[string]bool // hex(source hash) -> ignored

	backchannels map[string]rns.Link // hex(source hash) -> inbound link usable for replies

	propagation *propagationClient

	onDelivered           func(*Message)
	onFailed              func(*Message)
	onPropagationAnnounce func(PropagationAnnounce)

	cancel context.CancelFunc
	done   chan struct{}

	ticks         uint64
	stampGenMu    sync.Mutex
	lastLocalSeen []byte // first registered local delivery identity hash, used to identify on links
}

// NewRouter constructs a router bound to transport. onDelivered fires for
// successful inbound and DELIVERED outbound; onFailed fires once for
// FAILED/REJECTED/CANCELLED outbound (spec §7 "User-visible surface").
func NewRouter(transport rns.Transport, onDelivered, onFailed func(*Message)) *Router {
	r := &Router{
		transport:                 transport,
		log:                       logrus.WithField("component", "lxmf.router"),
		localDestinations:         make(map[string]*DeliveryDestination),
		dedup:                     make(map[string]time.Time),
		stampCosts:                make(map[string]stampCostEntry),
		tickets:                   NewTicketStore(),
		pendingLinkEstablishments: make(map[string]bool),
		links:                     make(map[string]*pendingLink),
		ignoreList:                make(map[string]bool),
		backchannels:              make(map[string]rns.Link),
		onDelivered:               onDelivered,
		onFailed:                  onFailed,
	}
	r.propagation = newPropagationClient(r)
	transport.RegisterAnnounceHandler(r)
	return r
}

// RegisterDeliveryDestination enrolls a local destination to accept
// inbound LXMF traffic on.
func (r *Router) RegisterDeliveryDestination(dest *rns.Destination, stampCost int, authRequired bool) (*DeliveryDestination, error) {
	if stampCost < 0 || stampCost > 254 {
		return nil, fmt.Errorf("lxmf: stamp cost %d out of range [0,254]", stampCost)
	}
	dd := &DeliveryDestination{Destination: dest, StampCost: stampCost, AuthRequired: authRequired, AllowedList: make(map[string]bool)}
	r.mu.Lock()
	r.localDestinations[keyOf(dest.Hash())] = dd
	if r.lastLocalSeen == nil {
		r.lastLocalSeen = dest.Hash()
	}
	r.mu.Unlock()
	return dd, nil
}

// OnPropagationAnnounce registers a callback invoked whenever an active
// propagation-node announce is received (spec §4.1 "Announce handling").
func (r *Router) OnPropagationAnnounce(fn func(PropagationAnnounce)) {
	r.mu.Lock()
	r.onPropagationAnnounce = fn
	r.mu.Unlock()
}

// IgnoreSource adds sourceHash to the drop list (spec §4.1 step 4).
func (r *Router) IgnoreSource(sourceHash []byte) {
	r.mu.Lock()
	r.ignoreList[keyOf(sourceHash)] = true
	r.mu.Unlock()
}

// Enqueue validates an outbound message and admits it to the outbound
// queue. Fatal argument errors (spec §7) never reach the queue.
func (r *Router) Enqueue(msg *Message) error {
	if len(msg.DestinationHash) != DestinationLength {
		return fmt.Errorf("lxmf: invalid destination hash length %d", len(msg.DestinationHash))
	}
	if msg.State == StateGenerating {
		r.PrepareOutboundTicket(msg)
		if err := msg.Pack(true); err != nil {
			msg.State = StateFailed
			return fmt.Errorf("lxmf: pack outbound message: %w", err)
		}
	}
	r.mu.Lock()
	r.outbound = append(r.outbound, msg)
	r.mu.Unlock()
	return nil
}

// Start launches the background worker that drives the outbound loop,
// deferred-stamp loop, and periodic cleanup (spec §5 "one background
// worker").
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx)
}

func (r *Router) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Router) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// tick runs one outbound pass plus, every CleanupEveryTicks, the
// periodic cleanup sweep (spec §4.1).
func (r *Router) tick(now time.Time) {
	r.outboundTick(now)
	r.ticks++
	if r.ticks%CleanupEveryTicks == 0 {
		r.cleanup(now)
	}
}

// outboundTick inspects every queued message once (spec §4.1 "Outbound
// loop"). Messages are processed against a snapshot so per-method
// handlers can safely re-acquire r.mu.
func (r *Router) outboundTick(now time.Time) {
	r.mu.Lock()
	snapshot := make([]*Message, len(r.outbound))
	copy(snapshot, r.outbound)
	r.mu.Unlock()

	var keep []*Message
	for _, msg := range snapshot {
		msg.mu.Lock()
		state := msg.State
		msg.mu.Unlock()

		switch state {
		case StateDelivered:
			continue
		case StateSent:
			if msg.Method != MethodPropagated {
				continue
			}
			continue
		case StateCancelled, StateRejected:
			r.fail(msg)
			continue
		case StateFailed:
			r.fail(msg)
			continue
		case StateOutbound:
			if msg.Method != MethodPaper {
				r.ensureStamp(msg)
			}
			msg.mu.Lock()
			due := !now.Before(msg.NextDeliveryAttempt)
			waitingOnStamp := msg.DeferStamp
			msg.mu.Unlock()
			if due && !waitingOnStamp {
				r.dispatch(msg, now)
			}
			keep = append(keep, msg)
		default:
			keep = append(keep, msg)
		}
	}

	r.mu.Lock()
	r.outbound = keep
	r.mu.Unlock()
}

func (r *Router) fail(msg *Message) {
	if r.onFailed != nil {
		r.onFailed(msg)
	}
}

func (r *Router) deliver(msg *Message) {
	if r.onDelivered != nil {
		r.onDelivered(msg)
	}
}

func (r *Router) dispatch(msg *Message, now time.Time) {
	switch msg.Method {
	case MethodOpportunistic:
		r.handleOpportunistic(msg, now)
	case MethodDirect:
		r.handleDirect(msg, now)
	case MethodPropagated:
		r.handlePropagated(msg, now)
	case MethodPaper:
		// No network send path (spec §4.1 "PAPER"); paper messages are
		// produced via EncodePaperURI and never enter the outbound loop
		// through normal Enqueue, but guard against misuse defensively.
		msg.mu.Lock()
		msg.State = StateSent
		msg.mu.Unlock()
	}
}

// handleOpportunistic implements spec §4.1's OPPORTUNISTIC method
// handler precisely, including the path-request/expire-and-retry dance.
func (r *Router) handleOpportunistic(msg *Message, now time.Time) {
	msg.mu.Lock()
	attempts := msg.DeliveryAttempts
	msg.mu.Unlock()

	if attempts > MaxDeliveryAttempts {
		msg.mu.Lock()
		msg.State = StateFailed
		msg.mu.Unlock()
		return
	}

	hasPath := r.transport.HasPath(msg.DestinationHash)

	if attempts >= MaxPathlessTries && !hasPath {
		r.transport.RequestPath(msg.DestinationHash)
		msg.mu.Lock()
		msg.DeliveryAttempts++
		msg.NextDeliveryAttempt = now.Add(PathRequestWait)
		msg.mu.Unlock()
		return
	}

	if attempts == MaxPathlessTries+1 && hasPath {
		r.transport.ExpirePath(msg.DestinationHash)
		msg.mu.Lock()
		msg.NextDeliveryAttempt = now.Add(500 * time.Millisecond)
		msg.mu.Unlock()
		return
	}

	dest, err := r.resolveDestination(msg.DestinationHash)
	if err != nil || dest == nil {
		msg.mu.Lock()
		msg.DeliveryAttempts++
		msg.NextDeliveryAttempt = now.Add(DeliveryRetryWait)
		msg.mu.Unlock()
		return
	}

	payload := r.opportunisticPayload(msg)
	packet, err := r.transport.Send(dest, payload)
	msg.mu.Lock()
	msg.DeliveryAttempts++
	msg.NextDeliveryAttempt = now.Add(DeliveryRetryWait)
	if err != nil || packet == nil {
		msg.mu.Unlock()
		return
	}
	msg.State = StateSending
	msg.mu.Unlock()

	receipt, sendErr := packet.Send()
	if sendErr != nil || receipt == nil {
		msg.mu.Lock()
		if msg.State == StateSending {
			msg.State = StateOutbound
		}
		msg.mu.Unlock()
		return
	}
	receipt.SetDeliveredCallback(func() {
		msg.mu.Lock()
		msg.State = StateDelivered
		msg.mu.Unlock()
		r.deliver(msg)
	})
	receipt.SetTimeoutCallback(func() {
		msg.mu.Lock()
		msg.State = StateFailed
		msg.mu.Unlock()
	})
}

// resolveDestination builds an OUT-facing rns.Destination for destHash
// by recalling the remote identity the transport has cached for it
// (eg from a prior announce). Destination.Hash() is derived from the
// identity's public key plus the "delivery" aspect, so this reproduces
// the same hash the remote registered its IN destination under.
func (r *Router) resolveDestination(destHash []byte) (*rns.Destination, error) {
	return r.resolveDestinationAspect(destHash, "delivery")
}

func (r *Router) resolveDestinationAspect(destHash []byte, aspect string) (*rns.Destination, error) {
	id := r.transport.IdentityRecall(destHash)
	if id == nil {
		return nil, fmt.Errorf("lxmf: no cached identity for destination")
	}
	return r.transport.NewDestination(id, rns.DestinationOUT, rns.DestinationSINGLE, AppName, aspect)
}

// opportunisticPayload strips the leading destination hash from the
// packed bytes: the RNS packet header already carries the destination,
// so only source_hash+signature+payload travels on the wire (spec §9
// resolved open question: the "prepend source_hash" legacy variant is
// dead code and is not reproduced here).
func (r *Router) opportunisticPayload(msg *Message) []byte {
	if len(msg.Packed) <= DestinationLength {
		return msg.Packed
	}
	return msg.Packed[DestinationLength:]
}

// handleDirect implements the DIRECT method over an established RNS
// link, never reusing an inbound backchannel link for originating sends
// (spec §4.1, §9).
func (r *Router) handleDirect(msg *Message, now time.Time) {
	key := keyOf(msg.DestinationHash)

	r.mu.Lock()
	pl, exists := r.links[key]
	inflight := r.pendingLinkEstablishments[key]
	r.mu.Unlock()

	if !exists {
		if inflight {
			return
		}
		r.establishLink(msg, key)
		return
	}

	switch pl.link.Status() {
	case rns.LinkClosed:
		r.mu.Lock()
		delete(r.links, key)
		r.mu.Unlock()
		r.establishLink(msg, key)
		return
	case rns.LinkPending:
		return
	case rns.LinkActive:
		r.sendOverLink(msg, pl.link, now)
	}
}

func (r *Router) establishLink(msg *Message, key string) {
	r.mu.Lock()
	r.pendingLinkEstablishments[key] = true
	r.mu.Unlock()

	dest, err := r.resolveDestination(msg.DestinationHash)
	if err != nil {
		r.mu.Lock()
		delete(r.pendingLinkEstablishments, key)
		r.mu.Unlock()
		return
	}
	link, err := r.transport.EstablishLink(dest, false)
	r.mu.Lock()
	delete(r.pendingLinkEstablishments, key)
	if err != nil || link == nil {
		r.mu.Unlock()
		return
	}
	r.links[key] = &pendingLink{link: link, state: link.Status()}
	r.mu.Unlock()

	link.SetEstablishedCallback(func() {
		link.RegisterRequestHandler("/get", nil)
		link.SetPacketCallback(func(raw []byte) {
			r.ProcessInbound(raw, MethodDirect, link, nil)
		})
		if r.lastLocalSeen != nil {
			link.Send(r.lastLocalSeen)
		}
		r.mu.Lock()
		if pl, ok := r.links[key]; ok {
			pl.state = rns.LinkActive
		}
		r.mu.Unlock()
	})
	link.SetClosedCallback(func() {
		r.mu.Lock()
		delete(r.links, key)
		r.mu.Unlock()
		r.resetSendingToOutbound(key)
	})
}

func (r *Router) resetSendingToOutbound(key string) {
	r.mu.Lock()
	snapshot := make([]*Message, len(r.outbound))
	copy(snapshot, r.outbound)
	r.mu.Unlock()
	for _, m := range snapshot {
		if keyOf(m.DestinationHash) != key {
			continue
		}
		m.mu.Lock()
		if m.State == StateSending {
			m.State = StateOutbound
			m.NextDeliveryAttempt = time.Now().Add(DeliveryRetryWait)
		}
		m.mu.Unlock()
	}
}

func (r *Router) sendOverLink(msg *Message, link rns.Link, now time.Time) {
	msg.mu.Lock()
	msg.State = StateSending
	representation := msg.Representation
	payload := msg.Packed
	msg.mu.Unlock()

	if representation == RepresentationResource {
		res, err := link.SendResource(payload, nil)
		if err != nil {
			msg.mu.Lock()
			msg.State = StateOutbound
			msg.NextDeliveryAttempt = now.Add(DeliveryRetryWait)
			msg.mu.Unlock()
			return
		}
		res.SetConcludedCallback(func(ok bool) {
			msg.mu.Lock()
			if ok {
				msg.State = StateSent
			} else {
				msg.State = StateOutbound
				msg.NextDeliveryAttempt = time.Now().Add(DeliveryRetryWait)
			}
			msg.mu.Unlock()
		})
		return
	}

	receipt, err := link.Send(payload)
	if err != nil {
		msg.mu.Lock()
		msg.State = StateOutbound
		msg.NextDeliveryAttempt = now.Add(DeliveryRetryWait)
		msg.mu.Unlock()
		return
	}
	msg.mu.Lock()
	msg.State = StateSent
	msg.mu.Unlock()
	if receipt != nil {
		receipt.SetDeliveredCallback(func() {
			msg.mu.Lock()
			msg.State = StateDelivered
			msg.mu.Unlock()
			r.deliver(msg)
		})
	}
}
