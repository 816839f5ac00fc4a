package ble

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeNetwork wires multiple fakeDrivers together for in-memory,
// no-real-radio orchestrator tests, mirroring the shape of
// lxmesh/rns/rnstest's in-memory Transport fake.
type fakeNetwork struct {
	mu      sync.Mutex
	drivers map[string]*fakeDriver
}

func newFakeNetwork() *fakeNetwork { return &fakeNetwork{drivers: make(map[string]*fakeDriver)} }

type fakeDriver struct {
	network        *fakeNetwork
	address        string
	identity       []byte
	onDiscover     func(DiscoveredPeer)
	inboundHandler func(Connection)
}

func newFakeDriver(net *fakeNetwork, address string) *fakeDriver {
	return &fakeDriver{network: net, address: address}
}

func (d *fakeDriver) Scan(ctx context.Context, onDiscover func(DiscoveredPeer)) error {
	d.onDiscover = onDiscover
	return nil
}
func (d *fakeDriver) StopScan() error { return nil }

func (d *fakeDriver) Advertise(ctx context.Context, localIdentity []byte) error {
	d.identity = localIdentity
	d.network.mu.Lock()
	d.network.drivers[d.address] = d
	d.network.mu.Unlock()
	return nil
}
func (d *fakeDriver) StopAdvertise() error { return nil }

func (d *fakeDriver) SetInboundConnectionHandler(cb func(Connection)) { d.inboundHandler = cb }

func (d *fakeDriver) Connect(ctx context.Context, address string) (Connection, error) {
	d.network.mu.Lock()
	target, ok := d.network.drivers[address]
	d.network.mu.Unlock()
	if !ok {
		return nil, errors.New("fakedriver: no such peripheral")
	}

	local := &fakeConn{address: address, outgoing: true, mtu: 185, identity: append([]byte(nil), target.identity...)}
	remote := &fakeConn{address: d.address, outgoing: false, mtu: 185}
	local.peer, remote.peer = remote, local

	if target.inboundHandler != nil {
		go target.inboundHandler(remote)
	}
	return local, nil
}

// trigger simulates a scan sighting for this driver's scanner.
func (d *fakeDriver) trigger(dp DiscoveredPeer) {
	if d.onDiscover != nil {
		d.onDiscover(dp)
	}
}

type fakeConn struct {
	mu       sync.Mutex
	address  string
	outgoing bool
	mtu      int
	rssi     int
	identity []byte // what ReadIdentity returns (the peer's advertised identity)
	peer     *fakeConn

	frameCb        func([]byte)
	disconnectedCb func()
	closed         bool
}

func (c *fakeConn) Address() string  { return c.address }
func (c *fakeConn) IsOutgoing() bool { return c.outgoing }
func (c *fakeConn) MTU() int         { return c.mtu }
func (c *fakeConn) RSSI() int        { return c.rssi }

func (c *fakeConn) ReadIdentity(ctx context.Context) ([]byte, error) {
	if !c.outgoing {
		return nil, ErrNotSupported
	}
	return c.identity, nil
}

func (c *fakeConn) WriteIdentity(ctx context.Context, id []byte) error {
	if !c.outgoing {
		return ErrNotSupported
	}
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		go func() {
			cb := peer.waitForFrameHandler()
			if cb != nil {
				cb(append([]byte(nil), id...))
			}
		}()
	}
	return nil
}

// waitForFrameHandler polls briefly for SetFrameHandler to be called on the
// peer side, since an inbound connection's handler is wired asynchronously
// (the peripheral-side orchestrator spawns its accept goroutine concurrently
// with the central side completing its handshake write).
func (c *fakeConn) waitForFrameHandler() func([]byte) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		cb := c.frameCb
		c.mu.Unlock()
		if cb != nil {
			return cb
		}
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameCb
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	peer := c.peer
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("fakedriver: connection closed")
	}
	if peer != nil {
		go func() {
			cb := peer.waitForFrameHandler()
			if cb != nil {
				cb(append([]byte(nil), data...))
			}
		}()
	}
	return nil
}

func (c *fakeConn) SetFrameHandler(f func([]byte)) { c.mu.Lock(); c.frameCb = f; c.mu.Unlock() }
func (c *fakeConn) SetDisconnectedHandler(f func()) {
	c.mu.Lock()
	c.disconnectedCb = f
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	cb := c.disconnectedCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return nil
}

var _ Driver = (*fakeDriver)(nil)
var _ Connection = (*fakeConn)(nil)
