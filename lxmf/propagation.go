package lxmf

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"lxmesh/rns"
)

// PropagationState is the propagation-retrieval FSM (spec §4.1).
type PropagationState int

const (
	PropagationIdle PropagationState = iota
	PropagationLinkEstablishing
	PropagationLinkEstablished
	PropagationListingMessages
	PropagationRequestingMessages
	PropagationReceivingMessages
	PropagationComplete
	PropagationFailed
	PropagationNoPath
	PropagationNoLink
)

// propagationClient holds this router's relationship to its configured
// propagation node: the send-side link (used by handlePropagated) and
// the retrieval-side FSM (used by RequestMessagesFromPropagationNode).
type propagationClient struct {
	router *Router

	nodeDestHash []byte
	sendLink     rns.Link
	sendPending  bool
	nextAttempt  time.Time

	retrievalLink rns.Link
	state         PropagationState

	lastWanted  int
	lastResult  int
}

func newPropagationClient(r *Router) *propagationClient {
	return &propagationClient{router: r, state: PropagationIdle}
}

// SetPropagationNode designates the active propagation node by
// destination hash (set from an accepted PN announce, see announce.go).
func (r *Router) SetPropagationNode(destHash []byte) {
	r.mu.Lock()
	r.propagation.nodeDestHash = append([]byte(nil), destHash...)
	r.mu.Unlock()
}

// handlePropagated implements the PROPAGATED method handler (spec §4.1).
func (r *Router) handlePropagated(msg *Message, now time.Time) {
	pc := r.propagation
	if pc.nodeDestHash == nil {
		return
	}

	if pc.sendLink != nil {
		switch pc.sendLink.Status() {
		case rns.LinkActive:
			msg.mu.Lock()
			sending := msg.State == StateSending
			msg.mu.Unlock()
			if sending {
				return
			}
			r.sendPropagated(msg, pc.sendLink, now)
			return
		case rns.LinkClosed:
			pc.sendLink = nil
		case rns.LinkPending:
			return
		}
	}

	if pc.sendLink == nil {
		if now.Before(pc.nextAttempt) {
			return
		}
		msg.mu.Lock()
		msg.DeliveryAttempts++
		msg.mu.Unlock()
		pc.nextAttempt = now.Add(DeliveryRetryWait)

		dest, err := r.resolveDestinationAspect(pc.nodeDestHash, "propagation")
		if err != nil {
			return
		}
		link, err := r.transport.EstablishLink(dest, false)
		if err != nil || link == nil {
			return
		}
		pc.sendLink = link
		link.SetClosedCallback(func() {
			if r.propagation.sendLink == link {
				r.propagation.sendLink = nil
			}
		})
	}
}

func (r *Router) sendPropagated(msg *Message, link rns.Link, now time.Time) {
	timebase := float64(now.Unix())
	payload, err := msgpack.Marshal([]any{timebase, [][]byte{msg.Packed}})
	if err != nil {
		return
	}
	msg.mu.Lock()
	msg.State = StateSending
	msg.mu.Unlock()

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
}

// RequestMessagesFromPropagationNode drives the LIST/GET retrieval FSM
// (spec §4.1 "Propagation retrieval FSM"). It blocks until the exchange
// completes or fails; callers typically run it from a timer or on
// PN-announce receipt.
func (r *Router) RequestMessagesFromPropagationNode() (received int, err error) {
	pc := r.propagation
	if pc.nodeDestHash == nil {
		pc.state = PropagationNoPath
		return 0, nil
	}

	link := pc.retrievalLink
	if link == nil || link.Status() == rns.LinkClosed {
		pc.state = PropagationLinkEstablishing
		dest, derr := r.resolveDestinationAspect(pc.nodeDestHash, "propagation")
		if derr != nil {
			pc.state = PropagationNoPath
			return 0, derr
		}
		l, lerr := r.transport.EstablishLink(dest, true)
		if lerr != nil || l == nil {
			pc.state = PropagationNoLink
			return 0, lerr
		}
		pc.retrievalLink = l
		link = l
	}
	pc.state = PropagationLinkEstablished

	pc.state = PropagationListingMessages
	listResp, err := link.Request("/get", []any{nil, nil}, 10*time.Second)
	if err != nil {
		pc.state = PropagationFailed
		return 0, err
	}
	if code, isErr := asErrorCode(listResp); isErr {
		pc.state = PropagationFailed
		return 0, propagationError(code)
	}

	rawIDs, _ := listResp.([]any)
	var wanted [][]byte
	r.mu.Lock()
	for _, v := range rawIDs {
		idBytes, ok := v.([]byte)
		if !ok {
			continue
		}
		if _, known := r.dedup[keyOf(idBytes)]; known {
			continue
		}
		wanted = append(wanted, idBytes)
	}
	r.mu.Unlock()

	pc.lastWanted = len(wanted)
	if len(wanted) == 0 {
		pc.state = PropagationComplete
		pc.lastResult = 0
		return 0, nil
	}

	pc.state = PropagationRequestingMessages
	getResp, err := link.Request("/get", []any{wanted, [][]byte{}, DeliveryLimitKB}, 20*time.Second)
	if err != nil {
		pc.state = PropagationFailed
		return 0, err
	}
	if code, isErr := asErrorCode(getResp); isErr {
		pc.state = PropagationFailed
		return 0, propagationError(code)
	}

	pc.state = PropagationReceivingMessages
	items, _ := getResp.([]any)
	count := 0
	for _, v := range items {
		raw, ok := v.([]byte)
		if !ok {
			continue
		}
		r.ProcessInbound(raw, MethodPropagated, nil, nil)
		count++
	}
	pc.state = PropagationComplete
	pc.lastResult = count
	return count, nil
}

func (pc *propagationClient) State() PropagationState { return pc.state }
func (pc *propagationClient) LastResult() int         { return pc.lastResult }

func asErrorCode(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

func propagationError(code int) error {
	switch code {
	case ErrorNoIdentity:
		return errPropagation("no identity", code)
	case ErrorNoAccess:
		return errPropagation("no access", code)
	case ErrorInvalidStamp:
		return errPropagation("invalid stamp", code)
	default:
		return errPropagation("unknown error", code)
	}
}

type propagationErr struct {
	msg  string
	code int
}

func (e *propagationErr) Error() string { return e.msg }

func errPropagation(msg string, code int) error {
	return &propagationErr{msg: msg, code: code}
}
