package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairedConns(mtu int) (a, b *fakeConn) {
	a = &fakeConn{address: "a", outgoing: true, mtu: mtu}
	b = &fakeConn{address: "b", outgoing: false, mtu: mtu}
	a.peer, b.peer = b, a
	return a, b
}

func TestPeerInterfaceSendAndReceiveRoundTrip(t *testing.T) {
	connA, connB := pairedConns(185)

	received := make(chan []byte, 1)
	pa := NewPeerInterface([]byte("identity-aaaaaaa"), "a", connA, true, -40, nil, nil)
	pb := NewPeerInterface([]byte("identity-bbbbbbb"), "b", connB, false, 0, func(_ string, packet []byte) {
		received <- packet
	}, nil)

	pa.Start(t.Context())
	pb.Start(t.Context())
	defer pa.Detach("test done")
	defer pb.Detach("test done")

	payload := []byte("hello mesh")
	require.NoError(t, pa.Send(payload))

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled packet")
	}
}

func TestPeerInterfaceKeepaliveDoesNotSurfaceAsPacket(t *testing.T) {
	connA, connB := pairedConns(185)

	received := make(chan []byte, 1)
	pb := NewPeerInterface([]byte("identity-bbbbbbb"), "b", connB, false, 0, func(_ string, packet []byte) {
		received <- packet
	}, nil)
	pb.Start(t.Context())
	defer pb.Detach("test done")

	require.NoError(t, connA.Send([]byte{0x00}))

	select {
	case <-received:
		t.Fatal("keepalive byte should not be delivered as a packet")
	case <-time.After(100 * time.Millisecond):
	}

	assert.False(t, pb.LastTraffic().IsZero())
}

type failingConn struct {
	*fakeConn
	failSends int
	sendCount int
}

func (f *failingConn) Send(data []byte) error {
	f.sendCount++
	if f.sendCount <= f.failSends {
		return errors.New("simulated send failure")
	}
	return f.fakeConn.Send(data)
}

func TestPeerInterfaceDetachesAfterTwoKeepaliveFailures(t *testing.T) {
	base := &fakeConn{address: "a", outgoing: true, mtu: 185}
	conn := &failingConn{fakeConn: base, failSends: 100}

	detached := make(chan string, 1)
	p := NewPeerInterface([]byte("identity-aaaaaaa"), "a", conn, true, -40, nil, func(identityHex string) {
		detached <- identityHex
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	p.mu.Lock()
	p.ctx = ctx
	p.cancel = cancel
	now := time.Now()
	p.lastTraffic = now
	p.lastKeepalive = now
	p.mu.Unlock()

	go p.keepaliveLoop(ctx)

	select {
	case <-detached:
	case <-time.After(2*KeepaliveInterval + time.Second):
		t.Fatal("peer did not detach after repeated keepalive failures")
	}
	assert.True(t, p.IsClosed())
}

func TestPeerInterfaceUpdateConnectionRebuildsFragmenterForNewMTU(t *testing.T) {
	connA, connB := pairedConns(185)
	p := NewPeerInterface([]byte("identity-aaaaaaa"), "a", connA, true, -40, nil, nil)
	p.Start(t.Context())
	defer p.Detach("test done")

	assert.Equal(t, 185, p.mtu)

	newConnA, newConnB := pairedConns(100)
	_ = connB
	_ = newConnB

	p.UpdateConnection("a2", newConnA, true)

	p.mu.Lock()
	mtu := p.mtu
	addr := p.address
	p.mu.Unlock()

	assert.Equal(t, 100, mtu)
	assert.Equal(t, "a2", addr)
	assert.True(t, connA.closed)
}

func TestPeerInterfaceDetachIsIdempotent(t *testing.T) {
	connA, _ := pairedConns(185)
	calls := 0
	p := NewPeerInterface([]byte("identity-aaaaaaa"), "a", connA, true, -40, nil, func(string) { calls++ })
	p.Start(t.Context())

	p.Detach("first")
	p.Detach("second")

	assert.Equal(t, 1, calls)
}

func TestPeerInterfaceScoreReflectsRSSIAndHistory(t *testing.T) {
	connA, _ := pairedConns(185)
	p := NewPeerInterface([]byte("identity-aaaaaaa"), "a", connA, true, -40, nil, nil)
	p.RecordAttempt(true)
	p.RecordAttempt(true)
	p.RecordAttempt(false)

	s := p.Score(time.Now())
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}
