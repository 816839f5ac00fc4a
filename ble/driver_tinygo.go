package ble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// serviceUUID and the three characteristic UUIDs are derived once from
// ServiceUUID and three fixed suffixes, so every platform binding agrees
// on the same GATT layout without hand-maintaining four separate UUID
// literals (spec §6 "GATT service": one service, IDENTITY/RX/TX chars).
var (
	serviceUUID    = bluetooth.NewUUID(uuid.MustParse(ServiceUUID))
	identityCharID = bluetooth.NewUUID(deriveCharUUID(ServiceUUID, "identity"))
	rxCharID       = bluetooth.NewUUID(deriveCharUUID(ServiceUUID, "rx"))
	txCharID       = bluetooth.NewUUID(deriveCharUUID(ServiceUUID, "tx"))
)

func deriveCharUUID(base, suffix string) uuid.UUID {
	return uuid.NewSHA1(uuid.MustParse(base), []byte(suffix))
}

// TinygoDriver adapts tinygo.org/x/bluetooth's default adapter to the
// Driver contract: central-role scan/connect plus peripheral-role GATT
// hosting, run simultaneously (spec §4.6 "Roles").
type TinygoDriver struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	onInbound   func(Connection)
	identityCh  *bluetooth.Characteristic
	rxCh        *bluetooth.Characteristic
	txCh        *bluetooth.Characteristic
	localID     []byte
	connByAddr  map[string]*tinygoConn
}

// NewTinygoDriver wraps bluetooth.DefaultAdapter, the process-wide handle
// tinygo.org/x/bluetooth exposes for the host's BLE radio.
func NewTinygoDriver() *TinygoDriver {
	return &TinygoDriver{adapter: bluetooth.DefaultAdapter, connByAddr: make(map[string]*tinygoConn)}
}

var _ Driver = (*TinygoDriver)(nil)

func (d *TinygoDriver) Scan(ctx context.Context, onDiscover func(DiscoveredPeer)) error {
	if err := d.adapter.Enable(); err != nil {
		return err
	}
	go func() {
		err := d.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !hasServiceUUID(result, serviceUUID) {
				return
			}
			onDiscover(DiscoveredPeer{
				Address:  result.Address.String(),
				RSSI:     int(result.RSSI),
				LastSeen: time.Now(),
			})
		})
		if err != nil {
			return
		}
	}()
	go func() {
		<-ctx.Done()
		_ = d.adapter.StopScan()
	}()
	return nil
}

func hasServiceUUID(result bluetooth.ScanResult, want bluetooth.UUID) bool {
	for _, u := range result.AdvertisementPayload.ServiceUUIDs() {
		if u == want {
			return true
		}
	}
	return false
}

func (d *TinygoDriver) StopScan() error { return d.adapter.StopScan() }

func (d *TinygoDriver) Advertise(ctx context.Context, localIdentity []byte) error {
	if err := d.adapter.Enable(); err != nil {
		return err
	}
	d.mu.Lock()
	d.localID = append([]byte(nil), localIdentity...)
	d.mu.Unlock()

	if err := d.startGATTServer(); err != nil {
		return err
	}

	adv := d.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	}); err != nil {
		return err
	}
	if err := adv.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = adv.Stop()
	}()
	return nil
}

func (d *TinygoDriver) startGATTServer() error {
	var rxCh, txCh, identityCh bluetooth.Characteristic
	err := d.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &identityCh,
				UUID:   identityCharID,
				Value:  d.localID,
				Flags:  bluetooth.CharacteristicReadPermission,
			},
			{
				Handle: &rxCh,
				UUID:   rxCharID,
				Flags:  bluetooth.CharacteristicWritePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					d.handleInboundWrite(client, value)
				},
			},
			{
				Handle: &txCh,
				UUID:   txCharID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
		},
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.identityCh, d.rxCh, d.txCh = &identityCh, &rxCh, &txCh
	d.mu.Unlock()
	return nil
}

// handleInboundWrite is the peripheral-role inbound path: the first
// write on RX from a given client is the remote's identity handshake;
// every write after that is a frame (spec §4.6 "Identity handshake").
func (d *TinygoDriver) handleInboundWrite(client bluetooth.Connection, value []byte) {
	addr := client.String()

	d.mu.Lock()
	conn, known := d.connByAddr[addr]
	handler := d.onInbound
	d.mu.Unlock()

	if !known {
		conn = newTinygoConn(addr, false, d.txCh)
		d.mu.Lock()
		d.connByAddr[addr] = conn
		d.mu.Unlock()
		conn.remoteIdentity = append([]byte(nil), value...)
		if handler != nil {
			handler(conn)
		}
		return
	}
	conn.deliverFrame(value)
}

func (d *TinygoDriver) StopAdvertise() error { return nil }

func (d *TinygoDriver) SetInboundConnectionHandler(cb func(Connection)) {
	d.mu.Lock()
	d.onInbound = cb
	d.mu.Unlock()
}

func (d *TinygoDriver) Connect(ctx context.Context, address string) (Connection, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, err
	}
	dev, err := d.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	services, err := dev.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, errors.New("ble: peer does not expose the mesh service")
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{identityCharID, rxCharID, txCharID})
	if err != nil {
		return nil, err
	}
	conn := newTinygoConn(address, true, nil)
	for _, c := range chars {
		switch c.UUID() {
		case identityCharID:
			conn.identityChar = c
		case rxCharID:
			conn.rxChar = c
		case txCharID:
			conn.txChar = c
			_ = c.EnableNotifications(conn.deliverFrame)
		}
	}
	conn.device = dev
	return conn, nil
}

// tinygoConn wraps one bluetooth.Device (central role) or one remote
// client address (peripheral role) as a Connection.
type tinygoConn struct {
	address    string
	outgoing   bool
	rssi       int
	mtu        int
	closed     bool

	device       bluetooth.Device
	identityChar bluetooth.DeviceCharacteristic
	rxChar       bluetooth.DeviceCharacteristic
	txChar       bluetooth.DeviceCharacteristic

	peripheralTX *bluetooth.Characteristic // our own TX char, for peripheral-role notify

	remoteIdentity []byte

	mu             sync.Mutex
	frameCb        func([]byte)
	disconnectedCb func()
}

func newTinygoConn(address string, outgoing bool, peripheralTX *bluetooth.Characteristic) *tinygoConn {
	return &tinygoConn{address: address, outgoing: outgoing, mtu: 185, peripheralTX: peripheralTX}
}

var _ Connection = (*tinygoConn)(nil)

func (c *tinygoConn) Address() string  { return c.address }
func (c *tinygoConn) IsOutgoing() bool { return c.outgoing }
func (c *tinygoConn) MTU() int         { return c.mtu }

func (c *tinygoConn) RSSI() int {
	if !c.outgoing {
		return 0
	}
	rssi, err := c.device.RSSI()
	if err != nil {
		return 0
	}
	return int(rssi)
}

func (c *tinygoConn) ReadIdentity(ctx context.Context) ([]byte, error) {
	if !c.outgoing {
		return nil, ErrNotSupported
	}
	buf := make([]byte, IdentityLength)
	n, err := c.identityChar.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoConn) WriteIdentity(ctx context.Context, id []byte) error {
	if !c.outgoing {
		return ErrNotSupported
	}
	_, err := c.rxChar.WriteWithoutResponse(id)
	return err
}

func (c *tinygoConn) Send(data []byte) error {
	if c.outgoing {
		_, err := c.rxChar.WriteWithoutResponse(data)
		return err
	}
	if c.peripheralTX == nil {
		return errors.New("ble: peripheral connection missing TX characteristic")
	}
	return c.peripheralTX.Write(data)
}

func (c *tinygoConn) SetFrameHandler(cb func([]byte)) {
	c.mu.Lock()
	c.frameCb = cb
	c.mu.Unlock()
}

func (c *tinygoConn) deliverFrame(buf []byte) {
	c.mu.Lock()
	cb := c.frameCb
	c.mu.Unlock()
	if cb != nil {
		cb(append([]byte(nil), buf...))
	}
}

func (c *tinygoConn) SetDisconnectedHandler(cb func()) {
	c.mu.Lock()
	c.disconnectedCb = cb
	c.mu.Unlock()
	if c.outgoing {
		c.device.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
			if !connected {
				c.mu.Lock()
				h := c.disconnectedCb
				c.mu.Unlock()
				if h != nil {
					h()
				}
			}
		})
	}
}

func (c *tinygoConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.outgoing {
		return c.device.Disconnect()
	}
	return nil
}
