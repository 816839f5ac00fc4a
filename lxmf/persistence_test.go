package lxmf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lxmesh/rns/rnstest"
)

func newTestRouter() *Router {
	net := rnstest.NewNetwork()
	node := net.NewNode()
	return NewRouter(node, nil, nil)
}

func TestStampCostPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	r := newTestRouter()
	destHash := []byte("0123456789abcdef")
	r.mu.Lock()
	r.stampCosts[keyOf(destHash)] = stampCostEntry{Timestamp: time.Now().Unix(), Cost: 20}
	r.mu.Unlock()

	require.NoError(t, r.SaveStampCosts(store))

	r2 := newTestRouter()
	require.NoError(t, r2.LoadStampCosts(store))
	cost, ok := r2.StampCostFor(destHash)
	require.True(t, ok)
	assert.Equal(t, 20, cost)
}

func TestLocalDeliveriesPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	r := newTestRouter()
	id := []byte("transient-id-0001")
	now := time.Now().Truncate(time.Second)
	r.mu.Lock()
	r.dedup[keyOf(id)] = now
	r.mu.Unlock()

	require.NoError(t, r.SaveLocalDeliveries(store))

	r2 := newTestRouter()
	require.NoError(t, r2.LoadLocalDeliveries(store))
	r2.mu.Lock()
	got, ok := r2.dedup[keyOf(id)]
	r2.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, now.Unix(), got.Unix())
}

func TestTicketPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	r := newTestRouter()
	peer := []byte("peer-hash")
	now := time.Now()
	_, err := r.tickets.Issue(peer, now)
	require.NoError(t, err)
	require.True(t, r.tickets.AcceptIssued(peer, Ticket{Value: []byte("outbound-ticket-"), ExpiresAt: now.Add(time.Hour)}, now))

	require.NoError(t, r.SaveTickets(store))

	r2 := newTestRouter()
	require.NoError(t, r2.LoadTickets(store))

	_, ok := r2.tickets.OutboundTicket(peer, now)
	assert.True(t, ok)
}

func TestReadFileMissingIsNotError(t *testing.T) {
	store := NewStore(t.TempDir())
	var v map[string]int
	assert.NoError(t, store.readFile("does-not-exist", &v))
}
