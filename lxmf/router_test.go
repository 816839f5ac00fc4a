package lxmf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"lxmesh/rns"
	"lxmesh/rns/rnstest"
)

type harness struct {
	net *rnstest.Network

	nodeA *rnstest.Node
	idA   *rns.Identity
	destA *rns.Destination

	nodeB *rnstest.Node
	idB   *rns.Identity
	destB *rns.Destination

	routerA *Router
	routerB *Router

	delivered []*Message
	failed    []*Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{net: rnstest.NewNetwork()}

	var err error
	h.idA, err = rns.NewIdentity()
	require.NoError(t, err)
	h.idB, err = rns.NewIdentity()
	require.NoError(t, err)

	h.nodeA = h.net.NewNode()
	h.nodeB = h.net.NewNode()

	h.destA, err = h.nodeA.NewDestination(h.idA, rns.DestinationIN, rns.DestinationSINGLE, AppName, "delivery")
	require.NoError(t, err)
	h.destB, err = h.nodeB.NewDestination(h.idB, rns.DestinationIN, rns.DestinationSINGLE, AppName, "delivery")
	require.NoError(t, err)

	h.routerA = NewRouter(h.nodeA, func(m *Message) { h.delivered = append(h.delivered, m) }, func(m *Message) { h.failed = append(h.failed, m) })
	h.routerB = NewRouter(h.nodeB, func(m *Message) { h.delivered = append(h.delivered, m) }, func(m *Message) { h.failed = append(h.failed, m) })

	_, err = h.routerA.RegisterDeliveryDestination(h.destA, 0, false)
	require.NoError(t, err)
	_, err = h.routerB.RegisterDeliveryDestination(h.destB, 0, false)
	require.NoError(t, err)

	h.nodeB.SetInboundPacketHandler(func(destHash, raw []byte) {
		h.routerB.ProcessInbound(raw, MethodOpportunistic, nil, destHash)
	})
	h.nodeA.SetInboundPacketHandler(func(destHash, raw []byte) {
		h.routerA.ProcessInbound(raw, MethodOpportunistic, nil, destHash)
	})

	return h
}

func TestOpportunisticDeliveryEndToEnd(t *testing.T) {
	h := newHarness(t)

	msg, err := New(h.destB.Hash(), h.destA.Hash(), h.idA, "hi", "there", nil, MethodOpportunistic)
	require.NoError(t, err)
	require.NoError(t, h.routerA.Enqueue(msg))

	h.routerA.outboundTick(time.Now())
	time.Sleep(50 * time.Millisecond)

	require.Len(t, h.delivered, 1)
	assert.Equal(t, "hi", h.delivered[0].Title)
	assert.Equal(t, "there", h.delivered[0].Content)
}

func TestDedupSuppressesRedeliveryCallback(t *testing.T) {
	h := newHarness(t)

	msg, err := New(h.destB.Hash(), h.destA.Hash(), h.idA, "x", "y", nil, MethodOpportunistic)
	require.NoError(t, err)
	require.NoError(t, msg.Pack(true))

	payload := h.routerA.opportunisticPayload(msg)
	h.routerB.ProcessInbound(payload, MethodOpportunistic, nil, h.destB.Hash())
	h.routerB.ProcessInbound(payload, MethodOpportunistic, nil, h.destB.Hash())

	require.Len(t, h.delivered, 1)
}

func TestInboundDropsInvalidSignature(t *testing.T) {
	h := newHarness(t)
	attacker, err := rns.NewIdentity()
	require.NoError(t, err)

	msg, err := New(h.destB.Hash(), h.destA.Hash(), attacker, "x", "y", nil, MethodOpportunistic)
	require.NoError(t, err)
	require.NoError(t, msg.Pack(true))

	// Corrupt the signature while leaving the claimed source hash as A's,
	// whose identity IS known to B — forcing SIGNATURE_INVALID rather
	// than SOURCE_UNKNOWN.
	corrupted := append([]byte(nil), msg.Packed...)
	corrupted[2*DestinationLength] ^= 0xFF // first signature byte

	h.routerB.ProcessInbound(corrupted, MethodOpportunistic, nil, nil)
	assert.Empty(t, h.delivered)
}

func TestInboundAcceptsUnknownSourceByPolicy(t *testing.T) {
	h := newHarness(t)
	stranger, err := rns.NewIdentity()
	require.NoError(t, err)
	strangerHash := make([]byte, DestinationLength)
	for i := range strangerHash {
		strangerHash[i] = byte(100 + i)
	}

	msg, err := New(h.destB.Hash(), strangerHash, stranger, "t", "c", nil, MethodOpportunistic)
	require.NoError(t, err)
	require.NoError(t, msg.Pack(true))

	h.routerB.ProcessInbound(msg.Packed, MethodOpportunistic, nil, nil)
	require.Len(t, h.delivered, 1)
	assert.Equal(t, ReasonSourceUnknown, h.delivered[0].UnverifiedReason)
}

func TestStampRequiredRejectsWithoutStampOrTicket(t *testing.T) {
	h := newHarness(t)
	_, err := h.routerB.RegisterDeliveryDestination(h.destB, 8, false)
	require.NoError(t, err)

	msg, err := New(h.destB.Hash(), h.destA.Hash(), h.idA, "t", "c", nil, MethodOpportunistic)
	require.NoError(t, err)
	require.NoError(t, msg.Pack(true))

	h.routerB.ProcessInbound(msg.Packed, MethodOpportunistic, nil, nil)
	assert.Empty(t, h.delivered)
}

func TestTicketBypassesStampRequirement(t *testing.T) {
	h := newHarness(t)
	_, err := h.routerB.RegisterDeliveryDestination(h.destB, 8, false)
	require.NoError(t, err)

	now := time.Now()
	tk, err := h.routerB.tickets.Issue(h.destA.Hash(), now)
	require.NoError(t, err)

	fields := map[int]any{
		int(FieldTicket): []any{tk.ExpiresAt.Unix(), tk.Value},
	}
	msg, err := New(h.destB.Hash(), h.destA.Hash(), h.idA, "t", "c", fields, MethodOpportunistic)
	require.NoError(t, err)
	require.NoError(t, msg.Pack(true))

	h.routerB.ProcessInbound(msg.Packed, MethodOpportunistic, nil, nil)
	require.Len(t, h.delivered, 1)
}

func TestPaperIngestOnceOnly(t *testing.T) {
	h := newHarness(t)
	msg, err := New(h.destB.Hash(), h.destA.Hash(), h.idA, "t", "c", nil, MethodPaper)
	require.NoError(t, err)
	require.NoError(t, msg.Pack(true))

	uri := EncodePaperURI(msg.Packed)

	ok, err := h.routerB.IngestLXMURI(uri)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.routerB.IngestLXMURI(uri)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveryAnnounceUpdatesStampCostCache(t *testing.T) {
	h := newHarness(t)
	h.routerA.ReceivedAnnounce(h.destB.Hash(), h.idB, mustMarshalAppData(t, []any{[]byte("bob"), 12}))

	cost, ok := h.routerA.StampCostFor(h.destB.Hash())
	require.True(t, ok)
	assert.Equal(t, 12, cost)
}

func TestOutboundFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	unreachable := make([]byte, DestinationLength)
	for i := range unreachable {
		unreachable[i] = 0xEE
	}

	msg, err := New(unreachable, h.destA.Hash(), h.idA, "t", "c", nil, MethodOpportunistic)
	require.NoError(t, err)
	require.NoError(t, h.routerA.Enqueue(msg))

	// Attempts reach MaxDeliveryAttempts+1 on the sixth tick, the seventh
	// marks the message FAILED, and the eighth reports it to onFailed.
	now := time.Now()
	for i := 0; i < MaxDeliveryAttempts+3; i++ {
		now = now.Add(PathRequestWait + DeliveryRetryWait + time.Second)
		h.routerA.outboundTick(now)
	}

	require.Len(t, h.failed, 1)
	assert.Equal(t, StateFailed, h.failed[0].State)
}

func mustMarshalAppData(t *testing.T, v []any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}
