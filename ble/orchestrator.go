package ble

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type blacklistEntry struct {
	until     time.Time
	failCount int
}

// Orchestrator runs the dual-role BLE engine (spec §4.6): discovery,
// connection gate, identity handshake, dedup-by-identity, eviction,
// blacklist/backoff, and zombie detection. It spawns a PeerInterface per
// distinct logical peer and hands reassembled packets to onPacket, which
// a mesh façade wires into the RNS Transport's inbound path.
type Orchestrator struct {
	mu sync.Mutex

	driver        Driver
	localIdentity []byte

	maxConnections int
	evictionMargin float64

	discovered        map[string]DiscoveredPeer // address -> last sighting
	addressToIdentity map[string]string         // address -> identityHex
	peers             map[string]*PeerInterface // identityHex -> peer

	pendingConnections map[string]bool
	blacklist          map[string]blacklistEntry
	reconnectBackoff   map[string]time.Time
	pendingZombie      map[string]time.Time // identityHex -> grace deadline

	onPacket func(identityHex string, packet []byte)

	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

func NewOrchestrator(driver Driver, localIdentity []byte, onPacket func(identityHex string, packet []byte)) *Orchestrator {
	return &Orchestrator{
		driver:             driver,
		localIdentity:      append([]byte(nil), localIdentity...),
		maxConnections:     DefaultMaxConnections,
		evictionMargin:     DefaultEvictionMargin,
		discovered:         make(map[string]DiscoveredPeer),
		addressToIdentity:  make(map[string]string),
		peers:              make(map[string]*PeerInterface),
		pendingConnections: make(map[string]bool),
		blacklist:          make(map[string]blacklistEntry),
		reconnectBackoff:   make(map[string]time.Time),
		pendingZombie:      make(map[string]time.Time),
		onPacket:           onPacket,
		log:                logrus.WithField("component", "ble.orchestrator"),
	}
}

func (o *Orchestrator) SetMaxConnections(n int)      { o.mu.Lock(); o.maxConnections = n; o.mu.Unlock() }
func (o *Orchestrator) SetEvictionMargin(m float64)  { o.mu.Lock(); o.evictionMargin = m; o.mu.Unlock() }

// Start begins scanning, advertising, and the periodic cleanup/zombie
// watcher tasks (spec §5 "scan collector, incoming-connection collector,
// disconnect collector, periodic cleanup, zombie watcher").
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.ctx, o.cancel = context.WithCancel(ctx)
	runCtx := o.ctx
	o.mu.Unlock()

	if err := o.driver.Scan(runCtx, o.handleDiscovery); err != nil {
		return err
	}
	if err := o.driver.Advertise(runCtx, o.localIdentity); err != nil {
		return err
	}
	o.driver.SetInboundConnectionHandler(o.handleInboundConnection)

	go o.cleanupLoop(runCtx)
	go o.zombieLoop(runCtx)
	return nil
}

// Close stops all background tasks, the scan/advertise, and detaches
// every peer (spec §5 "Shutdown: ... cancel BLE tasks → close open
// links").
func (o *Orchestrator) Close() {
	o.mu.Lock()
	cancel := o.cancel
	peers := make([]*PeerInterface, 0, len(o.peers))
	for _, p := range o.peers {
		peers = append(peers, p)
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = o.driver.StopScan()
	_ = o.driver.StopAdvertise()
	for _, p := range peers {
		p.Detach("orchestrator shutdown")
	}
}

func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}

func (o *Orchestrator) Peer(identityHex string) (*PeerInterface, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.peers[identityHex]
	return p, ok
}

// --- discovery / connection gate (spec §4.6 "Connection gate") ---

func (o *Orchestrator) handleDiscovery(dp DiscoveredPeer) {
	now := time.Now()

	o.mu.Lock()
	o.discovered[dp.Address] = dp

	if _, connected := o.addressToIdentity[dp.Address]; connected {
		o.mu.Unlock()
		return
	}
	if o.pendingConnections[dp.Address] {
		o.mu.Unlock()
		return
	}
	if entry, ok := o.blacklist[dp.Address]; ok && now.Before(entry.until) {
		o.mu.Unlock()
		return
	}
	if until, ok := o.reconnectBackoff[dp.Address]; ok && now.Before(until) {
		o.mu.Unlock()
		return
	}

	if len(o.peers) >= o.maxConnections {
		candidateScore := Score(dp.RSSI, dp.Attempts, dp.Successes, 0)
		worstHex, worstScore, found := o.worstPeerLocked(now)
		if !found || candidateScore <= worstScore+o.evictionMargin {
			o.mu.Unlock()
			return
		}
		worst := o.peers[worstHex]
		o.mu.Unlock()
		worst.Detach("evicted for higher-scoring candidate")
	} else {
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.pendingConnections[dp.Address] = true
	o.mu.Unlock()

	go o.connectOutgoing(dp)
}

// worstPeerLocked must be called with o.mu held.
func (o *Orchestrator) worstPeerLocked(now time.Time) (identityHex string, score float64, found bool) {
	score = 2 // above the [0,1] range, so the first peer always "wins" the comparison
	for hex, p := range o.peers {
		s := p.Score(now)
		if !found || s < score {
			identityHex, score, found = hex, s, true
		}
	}
	return
}

func (o *Orchestrator) connectOutgoing(dp DiscoveredPeer) {
	defer func() {
		o.mu.Lock()
		delete(o.pendingConnections, dp.Address)
		o.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(o.rootCtx(), IdentityHandshakeTimeout)
	defer cancel()

	conn, err := o.driver.Connect(ctx, dp.Address)
	if err != nil {
		o.log.WithError(err).WithField("address", dp.Address).Debug("ble: connect failed")
		o.blacklistAddress(dp.Address)
		return
	}

	identity, err := conn.ReadIdentity(ctx)
	if err != nil || len(identity) != IdentityLength {
		o.log.WithField("address", dp.Address).Debug("ble: identity read failed")
		_ = conn.Close()
		o.blacklistAddress(dp.Address)
		return
	}
	if err := conn.WriteIdentity(ctx, o.localIdentity); err != nil {
		o.log.WithField("address", dp.Address).Debug("ble: identity write failed")
		_ = conn.Close()
		o.blacklistAddress(dp.Address)
		return
	}

	o.dedupAndInstall(identity, dp.Address, conn, true, dp.RSSI)
}

// handleInboundConnection runs the peripheral-role handshake: wait for a
// 16-byte write on our RX as the first meaningful frame, filtering out
// keepalives and other sizes (spec §4.6 "Identity handshake").
func (o *Orchestrator) handleInboundConnection(conn Connection) {
	identityCh := make(chan []byte, 1)
	conn.SetFrameHandler(func(raw []byte) {
		if len(raw) == IdentityLength {
			select {
			case identityCh <- raw:
			default:
			}
		}
	})

	select {
	case identity := <-identityCh:
		o.dedupAndInstall(identity, conn.Address(), conn, false, 0)
	case <-time.After(IdentityHandshakeTimeout):
		o.log.WithField("address", conn.Address()).Debug("ble: inbound handshake timeout")
		_ = conn.Close()
		o.blacklistAddress(conn.Address())
	}
}

// dedupAndInstall applies spec §4.6 "Dedup on identity".
func (o *Orchestrator) dedupAndInstall(identity []byte, address string, conn Connection, isOutgoing bool, rssi int) {
	identityHex := hex.EncodeToString(identity)

	o.mu.Lock()
	if prior, ok := o.peers[identityHex]; ok {
		priorAddress := prior.Address()
		if priorAddress != address && !prior.IsClosed() {
			o.mu.Unlock()
			o.log.WithField("identity", identityHex).Debug("ble: duplicate identity at new address, keeping healthy prior")
			o.setBackoff(address, DuplicateIdentityBackoff)
			_ = conn.Close()
			return
		}
		delete(o.addressToIdentity, priorAddress)
		o.addressToIdentity[address] = identityHex
		o.mu.Unlock()
		prior.UpdateConnection(address, conn, isOutgoing)
		return
	}

	peer := NewPeerInterface(identity, address, conn, isOutgoing, rssi, o.onPacket, o.handleDetach)
	o.peers[identityHex] = peer
	o.addressToIdentity[address] = identityHex
	ctx := o.rootCtxLocked()
	o.mu.Unlock()

	peer.Start(ctx)
}

func (o *Orchestrator) handleDetach(identityHex string) {
	o.mu.Lock()
	peer, ok := o.peers[identityHex]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.peers, identityHex)
	address := peer.Address()
	delete(o.addressToIdentity, address)
	delete(o.pendingZombie, identityHex)
	o.reconnectBackoff[address] = time.Now().Add(ReconnectBackoff)
	o.mu.Unlock()
}

// --- blacklist / backoff (spec §4.6 "Blacklist") ---

func (o *Orchestrator) blacklistAddress(address string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry := o.blacklist[address]
	entry.failCount++
	mult := entry.failCount
	if mult > BlacklistMaxMultiplier {
		mult = BlacklistMaxMultiplier
	}
	entry.until = time.Now().Add(BlacklistBase * time.Duration(mult))
	o.blacklist[address] = entry
}

func (o *Orchestrator) setBackoff(address string, d time.Duration) {
	o.mu.Lock()
	o.reconnectBackoff[address] = time.Now().Add(d)
	o.mu.Unlock()
}

func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(BlacklistSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepExpired(time.Now())
		}
	}
}

func (o *Orchestrator) sweepExpired(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for addr, e := range o.blacklist {
		if now.After(e.until) {
			delete(o.blacklist, addr)
		}
	}
	for addr, until := range o.reconnectBackoff {
		if now.After(until) {
			delete(o.reconnectBackoff, addr)
		}
	}
}

// --- zombie detection (spec §4.6 "Zombie detection") ---

func (o *Orchestrator) zombieLoop(ctx context.Context) {
	ticker := time.NewTicker(ZombieCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkZombies(time.Now())
		}
	}
}

func (o *Orchestrator) checkZombies(now time.Time) {
	o.mu.Lock()
	peers := make([]*PeerInterface, 0, len(o.peers))
	for _, p := range o.peers {
		peers = append(peers, p)
	}
	o.mu.Unlock()

	for _, p := range peers {
		identityHex := p.IdentityHex()
		idle := now.Sub(p.LastTraffic())

		o.mu.Lock()
		deadline, pending := o.pendingZombie[identityHex]
		o.mu.Unlock()

		switch {
		case pending && idle <= ZombieTimeout:
			o.mu.Lock()
			delete(o.pendingZombie, identityHex)
			o.mu.Unlock()
		case pending && now.After(deadline):
			address := p.Address()
			p.Detach("zombie timeout")
			o.blacklistAddress(address)
		case !pending && idle > ZombieTimeout:
			if err := p.RequestDisconnect(); err != nil {
				p.log.WithError(err).Debug("ble: graceful disconnect request failed")
			}
			o.mu.Lock()
			o.pendingZombie[identityHex] = now.Add(ZombieDisconnectGrace)
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) rootCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rootCtxLocked()
}

func (o *Orchestrator) rootCtxLocked() context.Context {
	if o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}
