package ble

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by Connection operations that only make
// sense for one role (eg ReadIdentity on a peripheral-side connection,
// spec §4.6 "Identity handshake").
var ErrNotSupported = errors.New("ble: operation not supported for this connection's role")

// ErrOpTimeout is the typed error for a driver operation that exceeded its
// deadline. TinygoDriver does not queue operations and never returns it,
// and the Orchestrator does not check for it.
var ErrOpTimeout = errors.New("ble: driver operation timed out")

// DiscoveredPeer is one scan result, re-emitted with updated RSSI on
// subsequent sightings of the same address (spec §4.6 "Discovery").
type DiscoveredPeer struct {
	Address   string
	RSSI      int
	LastSeen  time.Time
	Identity  []byte // nil until a prior handshake has resolved it
	Attempts  int
	Successes int
}

// Driver is the platform abstraction over a concrete BLE stack (spec
// §4.6 "Roles"): simultaneous central (scan + connect) and peripheral
// (advertise + GATT server) operation. A real binding wraps
// tinygo.org/x/bluetooth (see driver_tinygo.go); tests use a fake.
type Driver interface {
	// Scan starts the single long-running scan filtered by ServiceUUID.
	// onDiscover fires for every sighting, including re-sightings with
	// updated RSSI.
	Scan(ctx context.Context, onDiscover func(DiscoveredPeer)) error
	StopScan() error

	// Advertise starts hosting the GATT server (IDENTITY/RX/TX
	// characteristics) and advertising ServiceUUID.
	Advertise(ctx context.Context, localIdentity []byte) error
	StopAdvertise() error

	// Connect opens an outgoing (central-role) connection to address.
	Connect(ctx context.Context, address string) (Connection, error)

	// SetInboundConnectionHandler registers the callback invoked once per
	// peripheral-role connection accepted by the GATT server.
	SetInboundConnectionHandler(func(Connection))
}

// Connection is one BLE link to a remote device, from either role.
// IsOutgoing distinguishes central (we connected out) from peripheral (a
// remote connected to us); the handshake and frame semantics differ by
// role (spec §4.6 "Identity handshake").
type Connection interface {
	Address() string
	IsOutgoing() bool
	MTU() int
	// RSSI is polled by central-role PeerInterfaces (spec §4.6 "RSSI poll
	// every 10s"); peripheral-role connections return 0.
	RSSI() int

	// ReadIdentity performs the central-role GATT read of the peer's
	// IDENTITY characteristic. Peripheral-role connections return
	// ErrNotSupported — a peripheral instead receives the remote's
	// identity as the first write on its own RX characteristic.
	ReadIdentity(ctx context.Context) ([]byte, error)
	// WriteIdentity performs the central-role GATT write of our own
	// identity to the peer's RX characteristic. Peripheral-role
	// connections return ErrNotSupported — our identity is already
	// exposed via our own IDENTITY characteristic for the remote to read.
	WriteIdentity(ctx context.Context, id []byte) error

	// Send transmits one frame: a central writes to the peer's RX
	// characteristic; a peripheral notifies its TX characteristic.
	Send(data []byte) error
	// SetFrameHandler registers the callback invoked for every inbound
	// frame: TX notifications for a central connection, RX writes for a
	// peripheral connection.
	SetFrameHandler(func([]byte))

	SetDisconnectedHandler(func())
	Close() error
}
