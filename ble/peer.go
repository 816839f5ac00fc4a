package ble

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lxmesh/fragment"
)

// PeerInterface is the spawned child interface for one BLE peer (spec
// §4.6 "Per-peer interface"): it owns a fragmenter/reassembler bound to
// the negotiated MTU, a receive loop, a 15 s keepalive loop, and (central
// only) a 10 s RSSI poll. Keyed externally by peer identity, not address
// (spec §3 "BLE peer state").
type PeerInterface struct {
	mu sync.Mutex

	identity    []byte
	identityHex string
	address     string
	conn        Connection
	isOutgoing  bool

	discoveryRSSI int
	attempts      int
	successes     int

	lastTraffic   time.Time
	lastKeepalive time.Time
	mtu           int

	fragmenter  *fragment.Fragmenter
	reassembler *fragment.Reassembler

	onPacket func(identityHex string, packet []byte)
	onDetach func(identityHex string)

	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	log     *logrus.Entry
}

// NewPeerInterface constructs a child interface. onPacket delivers
// reassembled packets up to the external Transport (spec §4.6 "spawn a
// child peer interface registered with the external Transport"); onDetach
// fires exactly once when the interface tears itself down.
func NewPeerInterface(identity []byte, address string, conn Connection, isOutgoing bool, rssi int, onPacket func(string, []byte), onDetach func(string)) *PeerInterface {
	identityHex := hex.EncodeToString(identity)
	p := &PeerInterface{
		identity:      append([]byte(nil), identity...),
		identityHex:   identityHex,
		address:       address,
		conn:          conn,
		isOutgoing:    isOutgoing,
		discoveryRSSI: rssi,
		mtu:           conn.MTU(),
		fragmenter:    fragment.NewFragmenter(conn.MTU()),
		reassembler:   fragment.NewReassembler(fragment.DefaultTimeout),
		onPacket:      onPacket,
		onDetach:      onDetach,
		log:           logrus.WithField("component", "ble.peer").WithField("identity", identityHex),
	}
	return p
}

// Start wires the receive loop and begins the keepalive (and, for
// outgoing connections, RSSI poll) background loops.
func (p *PeerInterface) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	now := time.Now()
	p.lastTraffic = now
	p.lastKeepalive = now
	conn := p.conn
	runCtx := p.ctx
	outgoing := p.isOutgoing
	p.mu.Unlock()

	conn.SetFrameHandler(p.handleFrame)
	conn.SetDisconnectedHandler(func() { p.Detach("connection closed") })

	go p.keepaliveLoop(runCtx)
	if outgoing {
		go p.rssiLoop(runCtx)
	}
}

func (p *PeerInterface) handleFrame(raw []byte) {
	p.mu.Lock()
	p.lastTraffic = time.Now()
	p.mu.Unlock()

	if len(raw) == 1 && raw[0] == 0x00 {
		p.mu.Lock()
		p.lastKeepalive = time.Now()
		p.mu.Unlock()
		return
	}
	if len(raw) == 1 && raw[0] == disconnectRequestByte {
		p.Detach("remote requested disconnect")
		return
	}

	p.mu.Lock()
	reasm := p.reassembler
	identityHex := p.identityHex
	p.mu.Unlock()

	packet, ok, err := reasm.Feed(identityHex, raw)
	if err != nil {
		p.log.WithError(err).Warn("ble: fragment reassembly error")
		return
	}
	if !ok {
		return
	}
	if p.onPacket != nil {
		p.onPacket(identityHex, packet)
	}
}

// disconnectRequestByte is the single-byte frame a zombie-pending peer is
// sent before the grace period starts (spec §4.6 "Zombie detection":
// "gets a graceful disconnect request followed by a grace period"),
// distinct from the 0x00 keepalive byte.
const disconnectRequestByte = 0x01

// RequestDisconnect sends a graceful disconnect request (best effort —
// the peer may already be unresponsive, which is exactly why it's being
// asked to leave). Failure is not fatal: the zombie grace period still
// runs and force-teardown still follows if the peer stays silent.
func (p *PeerInterface) RequestDisconnect() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	return conn.Send([]byte{disconnectRequestByte})
}

// Send fragments and writes packet through the underlying connection.
func (p *PeerInterface) Send(packet []byte) error {
	p.mu.Lock()
	fr := p.fragmenter
	conn := p.conn
	p.mu.Unlock()

	frames, err := fr.Fragment(packet)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := conn.Send(f); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.lastTraffic = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *PeerInterface) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	failedOnce := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			conn := p.conn
			p.mu.Unlock()
			if err := conn.Send([]byte{0x00}); err != nil {
				if failedOnce {
					p.log.Warn("ble: keepalive failed twice, detaching")
					p.Detach("keepalive failure")
					return
				}
				failedOnce = true
				continue
			}
			failedOnce = false
			p.mu.Lock()
			p.lastKeepalive = time.Now()
			p.mu.Unlock()
		}
	}
}

func (p *PeerInterface) rssiLoop(ctx context.Context) {
	ticker := time.NewTicker(RSSIPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			conn := p.conn
			p.mu.Unlock()
			rssi := conn.RSSI()
			p.mu.Lock()
			p.discoveryRSSI = rssi
			p.mu.Unlock()
		}
	}
}

// UpdateConnection rebinds this peer to a new physical connection at a
// (possibly different) address — spec §4.6 "MAC rotation at the same
// logical peer" — re-creating the fragmenter/reassembler for the new
// connection's negotiated MTU (spec §4.6 "MTU rotation").
func (p *PeerInterface) UpdateConnection(address string, conn Connection, isOutgoing bool) {
	p.mu.Lock()
	old := p.conn
	p.address = address
	p.conn = conn
	p.isOutgoing = isOutgoing
	p.mtu = conn.MTU()
	p.fragmenter = fragment.NewFragmenter(conn.MTU())
	p.reassembler = fragment.NewReassembler(fragment.DefaultTimeout)
	p.lastTraffic = time.Now()
	ctx := p.ctx
	p.mu.Unlock()

	conn.SetFrameHandler(p.handleFrame)
	conn.SetDisconnectedHandler(func() { p.Detach("connection closed") })
	if isOutgoing {
		go p.rssiLoop(ctx)
	}
	if old != nil && old != conn {
		old.SetDisconnectedHandler(nil)
		_ = old.Close()
	}
}

// Detach tears the peer interface down exactly once.
func (p *PeerInterface) Detach(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancel
	conn := p.conn
	identityHex := p.identityHex
	onDetach := p.onDetach
	p.mu.Unlock()

	p.log.WithField("reason", reason).Info("ble: peer detached")
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if onDetach != nil {
		onDetach(identityHex)
	}
}

func (p *PeerInterface) IdentityHex() string { return p.identityHex }
func (p *PeerInterface) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}
func (p *PeerInterface) IsOutgoing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOutgoing
}
func (p *PeerInterface) LastTraffic() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTraffic
}

func (p *PeerInterface) Score(now time.Time) float64 {
	p.mu.Lock()
	rssi, attempts, successes, last := p.discoveryRSSI, p.attempts, p.successes, p.lastTraffic
	p.mu.Unlock()
	return Score(rssi, attempts, successes, now.Sub(last).Seconds())
}

func (p *PeerInterface) RecordAttempt(success bool) {
	p.mu.Lock()
	p.attempts++
	if success {
		p.successes++
	}
	p.mu.Unlock()
}

func (p *PeerInterface) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
