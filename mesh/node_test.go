package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"lxmesh/ble"
	"lxmesh/rns"
	"lxmesh/rns/rnstest"
)

// stubDriver is a do-nothing ble.Driver: no real scanning/advertising,
// just enough to let Orchestrator.Start/Close complete so mesh-level
// tests can focus on Router/identity/announce wiring. Full BLE discovery
// and handshake behavior is covered by ble's own orchestrator tests.
type stubDriver struct{}

func (stubDriver) Scan(ctx context.Context, onDiscover func(ble.DiscoveredPeer)) error { return nil }
func (stubDriver) StopScan() error                                                     { return nil }
func (stubDriver) Advertise(ctx context.Context, localIdentity []byte) error           { return nil }
func (stubDriver) StopAdvertise() error                                                { return nil }
func (stubDriver) Connect(ctx context.Context, address string) (ble.Connection, error) {
	return nil, nil
}
func (stubDriver) SetInboundConnectionHandler(cb func(ble.Connection)) {}

var _ ble.Driver = stubDriver{}

func newTestNode(t *testing.T, transport *rnstest.Node, displayName string) *Node {
	t.Helper()
	n, err := Start(Options{
		Dir:         t.TempDir(),
		DisplayName: displayName,
		Transport:   transport,
		Driver:      stubDriver{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestStartRegistersDeliveryDestinationAndStartsBLE(t *testing.T) {
	net := rnstest.NewNetwork()
	n := newTestNode(t, net.NewNode(), "Alice")

	require.NotNil(t, n.Router())
	require.NotNil(t, n.Orchestrator())
	assert.Len(t, n.DeliveryDestinationHash(), 16)
	assert.True(t, n.bleEnabled)
}

func TestStartRejectsMissingTransportOrDriver(t *testing.T) {
	net := rnstest.NewNetwork()

	_, err := Start(Options{Dir: t.TempDir(), Driver: stubDriver{}})
	assert.Error(t, err)

	_, err = Start(Options{Dir: t.TempDir(), Transport: net.NewNode()})
	assert.Error(t, err)
}

func TestStartPersistsAndReloadsIdentity(t *testing.T) {
	net := rnstest.NewNetwork()
	dir := t.TempDir()

	n1, err := Start(Options{Dir: dir, DisplayName: "Bob", Transport: net.NewNode(), Driver: stubDriver{}})
	require.NoError(t, err)
	firstPublic := append([]byte(nil), n1.Identity().Public...)
	require.NoError(t, n1.Close())

	n2, err := Start(Options{Dir: dir, DisplayName: "Bob", Transport: net.NewNode(), Driver: stubDriver{}})
	require.NoError(t, err)
	defer n2.Close()

	assert.Equal(t, firstPublic, []byte(n2.Identity().Public))
}

func TestSetInterfaceEnabledTogglesBLEOrchestrator(t *testing.T) {
	net := rnstest.NewNetwork()
	n := newTestNode(t, net.NewNode(), "Carol")

	require.NoError(t, n.SetInterfaceEnabled(false))
	assert.False(t, n.bleEnabled)

	require.NoError(t, n.SetInterfaceEnabled(true))
	assert.True(t, n.bleEnabled)
}

func TestRestartRebuildsRouterKeepingIdentity(t *testing.T) {
	net := rnstest.NewNetwork()
	n := newTestNode(t, net.NewNode(), "Dave")

	before := n.Identity()
	oldRouter := n.Router()
	require.NoError(t, n.Restart())

	assert.Same(t, before, n.Identity())
	assert.NotSame(t, oldRouter, n.Router())
	assert.Len(t, n.DeliveryDestinationHash(), 16)
}

func TestSendEnqueuesMessageThroughRouter(t *testing.T) {
	net := rnstest.NewNetwork()
	sender := newTestNode(t, net.NewNode(), "Erin")
	receiver := newTestNode(t, net.NewNode(), "Frank")

	msg, err := sender.Send(receiver.DeliveryDestinationHash(), "hi", "hello there", nil, 0)
	require.NoError(t, err)
	assert.NotNil(t, msg)
}

func TestAnnouncesSurfacesReceivedAnnounceDisplayName(t *testing.T) {
	net := rnstest.NewNetwork()
	a := newTestNode(t, net.NewNode(), "Gina")
	b := newTestNode(t, net.NewNode(), "Hank")

	dest, err := b.transport.NewDestination(b.Identity(), rns.DestinationIN, rns.DestinationSINGLE, "test", "announce")
	require.NoError(t, err)
	appData, err := msgpack.Marshal([]any{"Hank"})
	require.NoError(t, err)
	require.NoError(t, b.transport.Announce(dest, appData))

	entries := a.Announces()
	require.Len(t, entries, 1)
	assert.Equal(t, "Hank", entries[0].DisplayName)
}
