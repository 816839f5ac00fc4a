// Package rnstest is an in-memory fake of the rns.Transport contract,
// used only by this module's own tests. Multiple Node instances attach
// to one shared Network so packets/links/resources actually flow between
// simulated nodes without any real networking.
package rnstest

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"lxmesh/rns"
)

var (
	errNoRoute = errors.New("rnstest: no route to destination")
	errTimeout = errors.New("rnstest: request timed out")
)

// Network is a shared in-memory "ether": every Node attached to the same
// Network can reach every other attached Node by destination hash.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Node // destHashHex(IN dest) -> node owning it

	announceMu sync.Mutex
	handlers   []rns.AnnounceHandler

	identities sync.Map // destHashHex -> *rns.Identity
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Node)}
}

// Node is one simulated participant bound to a Network.
type Node struct {
	network *Network

	mu            sync.Mutex
	paths         map[string]bool
	inbox         map[string]*rns.Destination // destHashHex -> registered IN destination
	packetCb      []func(destHash, raw []byte)
	inboundLinkCb func(*fakeLink)
}

func (n *Network) NewNode() *Node {
	return &Node{network: n, paths: map[string]bool{}, inbox: map[string]*rns.Destination{}}
}

var _ rns.Transport = (*Node)(nil)

func (n *Node) NewDestination(id *rns.Identity, dir rns.DestinationDirection, typ rns.DestinationType, appName string, aspects ...string) (*rns.Destination, error) {
	d, err := rns.NewDestination(id, dir, typ, appName, aspects...)
	if err != nil {
		return nil, err
	}
	if dir == rns.DestinationIN {
		n.network.mu.Lock()
		n.network.nodes[hex.EncodeToString(d.Hash())] = n
		n.network.mu.Unlock()
		n.mu.Lock()
		n.inbox[hex.EncodeToString(d.Hash())] = d
		n.mu.Unlock()
		n.network.identities.Store(hex.EncodeToString(d.Hash()), id)
	}
	return d, nil
}

func (n *Node) Announce(dest *rns.Destination, appData []byte) error {
	if dest != nil && dest.Identity != nil {
		n.network.identities.Store(hex.EncodeToString(dest.Hash()), dest.Identity)
	}
	n.network.announceMu.Lock()
	handlers := append([]rns.AnnounceHandler(nil), n.network.handlers...)
	n.network.announceMu.Unlock()
	for _, h := range handlers {
		h.ReceivedAnnounce(dest.Hash(), dest.Identity, appData)
	}
	return nil
}

func (n *Node) RegisterAnnounceHandler(h rns.AnnounceHandler) {
	n.network.announceMu.Lock()
	defer n.network.announceMu.Unlock()
	n.network.handlers = append(n.network.handlers, h)
}

func (n *Node) DeregisterAnnounceHandler(h rns.AnnounceHandler) {
	n.network.announceMu.Lock()
	defer n.network.announceMu.Unlock()
	out := n.network.handlers[:0]
	for _, existing := range n.network.handlers {
		if existing != h {
			out = append(out, existing)
		}
	}
	n.network.handlers = out
}

func (n *Node) IdentityRecall(destHash []byte) *rns.Identity {
	v, ok := n.network.identities.Load(hex.EncodeToString(destHash))
	if !ok {
		return nil
	}
	return v.(*rns.Identity)
}

func (n *Node) HasPath(destHash []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.paths[hex.EncodeToString(destHash)]
}

func (n *Node) RequestPath(destHash []byte) {
	n.network.mu.Lock()
	_, known := n.network.nodes[hex.EncodeToString(destHash)]
	n.network.mu.Unlock()
	if !known {
		return
	}
	n.mu.Lock()
	n.paths[hex.EncodeToString(destHash)] = true
	n.mu.Unlock()
}

func (n *Node) ExpirePath(destHash []byte) {
	n.mu.Lock()
	delete(n.paths, hex.EncodeToString(destHash))
	n.mu.Unlock()
}

type deliveredPacket struct {
	data []byte
}

func (p *deliveredPacket) Send() (rns.Receipt, error) {
	return nil, nil
}

type fakeReceipt struct {
	mu        sync.Mutex
	delivered func()
	timeout   func()
}

func (r *fakeReceipt) SetDeliveredCallback(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = f
}
func (r *fakeReceipt) SetTimeoutCallback(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = f
}
func (r *fakeReceipt) fireDelivered() {
	r.mu.Lock()
	cb := r.delivered
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (n *Node) Send(dest *rns.Destination, data []byte) (rns.Packet, error) {
	n.network.mu.Lock()
	target, ok := n.network.nodes[hex.EncodeToString(dest.Hash())]
	n.network.mu.Unlock()
	r := &fakeReceipt{}
	if !ok {
		return &deliveredPacket{data: data}, nil
	}
	destHash := dest.Hash()
	go func() {
		target.deliverPacket(destHash, data)
		r.fireDelivered()
	}()
	return &deliveredPacket{data: data}, nil
}

func (n *Node) onPacket(cb func(destHash, raw []byte)) {
	n.mu.Lock()
	n.packetCb = append(n.packetCb, cb)
	n.mu.Unlock()
}

func (n *Node) deliverPacket(destHash, data []byte) {
	n.mu.Lock()
	cbs := append([]func(destHash, raw []byte){}, n.packetCb...)
	n.mu.Unlock()
	for _, cb := range cbs {
		cb(destHash, data)
	}
}

// SetInboundPacketHandler adds a callback invoked for every opportunistic
// packet addressed to this node; earlier registrations stay in place and
// are invoked as well. destHash carries what a
// real Reticulum binding reads off the packet header, since an
// OPPORTUNISTIC payload has its destination hash stripped on the wire
// (spec §9) and isn't otherwise recoverable from raw alone.
func (n *Node) SetInboundPacketHandler(cb func(destHash, raw []byte)) {
	n.onPacket(cb)
}

// --- links ---

type fakeLink struct {
	mu       sync.Mutex
	status   rns.LinkStatus
	peer     *fakeLink
	remoteID *rns.Identity
	destHash []byte

	packetCb     func([]byte)
	closedCb     func()
	establishedCb func()
	handlers     map[string]rns.RequestHandler
}

func newFakeLink(destHash []byte) *fakeLink {
	return &fakeLink{status: rns.LinkPending, destHash: destHash, handlers: map[string]rns.RequestHandler{}}
}

func (l *fakeLink) Status() rns.LinkStatus        { l.mu.Lock(); defer l.mu.Unlock(); return l.status }
func (l *fakeLink) RemoteIdentity() *rns.Identity { l.mu.Lock(); defer l.mu.Unlock(); return l.remoteID }
func (l *fakeLink) DestinationHash() []byte       { return l.destHash }

func (l *fakeLink) Send(data []byte) (rns.Receipt, error) {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	r := &fakeReceipt{}
	if peer == nil {
		return r, nil
	}
	go func() {
		peer.mu.Lock()
		cb := peer.packetCb
		peer.mu.Unlock()
		if cb != nil {
			cb(data)
		}
		r.fireDelivered()
	}()
	return r, nil
}

type fakeResource struct {
	data        []byte
	progressCb  func(rns.ResourceProgress)
	concludedCb func(bool)
}

func (r *fakeResource) SetProgressCallback(f func(rns.ResourceProgress))  { r.progressCb = f }
func (r *fakeResource) SetConcludedCallback(f func(bool))                 { r.concludedCb = f }
func (r *fakeResource) Data() []byte                                     { return r.data }

func (l *fakeLink) SendResource(data []byte, metadata map[string]any) (rns.Resource, error) {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	res := &fakeResource{data: data}
	if peer == nil {
		return res, nil
	}
	go func() {
		if res.progressCb != nil {
			res.progressCb(1.0)
		}
		if res.concludedCb != nil {
			res.concludedCb(true)
		}
		peer.mu.Lock()
		cb := peer.packetCb
		peer.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}()
	return res, nil
}

func (l *fakeLink) Request(path string, data any, timeout time.Duration) (any, error) {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return nil, errTimeout
	}
	peer.mu.Lock()
	h, ok := peer.handlers[path]
	peer.mu.Unlock()
	if !ok {
		return nil, errTimeout
	}
	return h(path, data, nil, peer, l.remoteID, time.Now()), nil
}

func (l *fakeLink) RegisterRequestHandler(path string, handler rns.RequestHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[path] = handler
	return nil
}

func (l *fakeLink) SetPacketCallback(f func([]byte)) { l.mu.Lock(); l.packetCb = f; l.mu.Unlock() }
func (l *fakeLink) SetClosedCallback(f func())       { l.mu.Lock(); l.closedCb = f; l.mu.Unlock() }
func (l *fakeLink) SetEstablishedCallback(f func())  { l.mu.Lock(); l.establishedCb = f; l.mu.Unlock() }

func (l *fakeLink) Teardown() {
	l.mu.Lock()
	if l.status == rns.LinkClosed {
		l.mu.Unlock()
		return
	}
	l.status = rns.LinkClosed
	peer := l.peer
	cb := l.closedCb
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
	if peer != nil {
		peer.Teardown()
	}
}

var _ rns.Link = (*fakeLink)(nil)

func (n *Node) EstablishLink(dest *rns.Destination, forRetrieval bool) (rns.Link, error) {
	n.network.mu.Lock()
	target, ok := n.network.nodes[hex.EncodeToString(dest.Hash())]
	n.network.mu.Unlock()
	if !ok {
		return nil, errNoRoute
	}

	local := newFakeLink(dest.Hash())
	remote := newFakeLink(dest.Hash())
	local.peer, remote.peer = remote, local
	local.remoteID = dest.Identity
	remote.remoteID = nil // never filled in: the fake does not learn the initiator's identity

	local.status = rns.LinkActive
	remote.status = rns.LinkActive

	go func() {
		if local.establishedCb != nil {
			local.establishedCb()
		}
		target.deliverInboundLink(remote)
	}()

	return local, nil
}

// deliverInboundLink lets a Node observe links established *to* it (the
// "incoming" side), mirroring Reticulum's server-side link callback.
func (n *Node) deliverInboundLink(l *fakeLink) {
	n.mu.Lock()
	cb := n.inboundLinkCb
	n.mu.Unlock()
	if cb != nil {
		cb(l)
	} else if l.establishedCb != nil {
		l.establishedCb()
	}
}

func (n *Node) SetInboundLinkHandler(cb func(rns.Link)) {
	n.mu.Lock()
	n.inboundLinkCb = func(l *fakeLink) { cb(l) }
	n.mu.Unlock()
}
