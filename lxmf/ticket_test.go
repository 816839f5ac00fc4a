package lxmf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketIssueAndVerify(t *testing.T) {
	s := NewTicketStore()
	peer := []byte("peer-hash-0000000")
	now := time.Now()

	tk, err := s.Issue(peer, now)
	require.NoError(t, err)
	assert.Len(t, tk.Value, TicketLength)

	assert.True(t, s.VerifyInbound(peer, tk.Value, now))
	assert.False(t, s.VerifyInbound(peer, []byte("wrong-value-000000"), now))
}

func TestTicketShouldRenew(t *testing.T) {
	s := NewTicketStore()
	peer := []byte("peer")
	now := time.Now()

	assert.True(t, s.ShouldRenew(peer, now))
	_, err := s.Issue(peer, now)
	require.NoError(t, err)
	assert.False(t, s.ShouldRenew(peer, now))

	future := now.Add(TicketExpiry - TicketRenew + time.Minute)
	assert.True(t, s.ShouldRenew(peer, future))
}

func TestTicketExpiryAndGrace(t *testing.T) {
	s := NewTicketStore()
	peer := []byte("peer")
	now := time.Now()
	tk, err := s.Issue(peer, now)
	require.NoError(t, err)

	withinGrace := now.Add(TicketExpiry + time.Hour)
	assert.True(t, s.VerifyInbound(peer, tk.Value, withinGrace))

	pastGrace := now.Add(TicketExpiry + TicketGrace + time.Hour)
	assert.False(t, s.VerifyInbound(peer, tk.Value, pastGrace))
}

func TestOutboundTicketRoundTrip(t *testing.T) {
	s := NewTicketStore()
	peer := []byte("peer")
	now := time.Now()

	_, ok := s.OutboundTicket(peer, now)
	assert.False(t, ok)

	accepted := s.AcceptIssued(peer, Ticket{Value: []byte("v"), IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, now)
	assert.True(t, accepted)

	got, ok := s.OutboundTicket(peer, now)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestTicketSweepRemovesExpired(t *testing.T) {
	s := NewTicketStore()
	peer := []byte("peer")
	now := time.Now()
	_, err := s.Issue(peer, now)
	require.NoError(t, err)

	removed := s.Sweep(now.Add(TicketExpiry + TicketGrace + time.Hour))
	assert.Equal(t, 1, removed)
	assert.False(t, s.VerifyInbound(peer, nil, now))
}
