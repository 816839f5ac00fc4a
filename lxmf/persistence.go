package lxmf

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

func decodeHex(s string) ([]byte, error) { return hex.DecodeString(s) }

// Store persists router state to disk under <storage>/lxmf/ (spec §6
// "Persisted state"). msgpack is used throughout, per spec's "codec
// acceptable" note.
type Store struct {
	dir string
}

func NewStore(storageDir string) *Store {
	return &Store{dir: filepath.Join(storageDir, "lxmf")}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "lxmf: create storage directory")
	}
	return nil
}

func (s *Store) writeFile(name string, v any) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "lxmf: encode persisted state")
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "lxmf: write persisted state")
	}
	return errors.Wrap(os.Rename(tmp, s.path(name)), "lxmf: replace persisted state")
}

func (s *Store) readFile(name string, v any) error {
	b, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "lxmf: read persisted state")
	}
	return errors.Wrap(msgpack.Unmarshal(b, v), "lxmf: decode persisted state")
}

// outboundStampCostRecord mirrors spec §6's
// "dest_hash(16) -> [timestamp_i64_s, cost_i32]".
type outboundStampCostRecord struct {
	Timestamp int64
	Cost      int
}

// SaveStampCosts persists the router's stamp-cost cache.
func (r *Router) SaveStampCosts(store *Store) error {
	r.mu.Lock()
	out := make(map[string]outboundStampCostRecord, len(r.stampCosts))
	for k, e := range r.stampCosts {
		out[k] = outboundStampCostRecord{Timestamp: e.Timestamp, Cost: e.Cost}
	}
	r.mu.Unlock()
	return store.writeFile("outbound_stamp_costs", out)
}

// LoadStampCosts restores the stamp-cost cache from disk.
func (r *Router) LoadStampCosts(store *Store) error {
	var in map[string]outboundStampCostRecord
	if err := store.readFile("outbound_stamp_costs", &in); err != nil {
		return err
	}
	r.mu.Lock()
	for k, rec := range in {
		r.stampCosts[k] = stampCostEntry{Timestamp: rec.Timestamp, Cost: rec.Cost}
	}
	r.mu.Unlock()
	return nil
}

// SaveLocalDeliveries persists the transient-ID dedup cache.
func (r *Router) SaveLocalDeliveries(store *Store) error {
	r.mu.Lock()
	out := make(map[string]int64, len(r.dedup))
	for k, t := range r.dedup {
		out[k] = t.Unix()
	}
	r.mu.Unlock()
	return store.writeFile("local_deliveries", out)
}

// LoadLocalDeliveries restores the transient-ID dedup cache from disk.
func (r *Router) LoadLocalDeliveries(store *Store) error {
	var in map[string]int64
	if err := store.readFile("local_deliveries", &in); err != nil {
		return err
	}
	r.mu.Lock()
	for k, ts := range in {
		r.dedup[k] = time.Unix(ts, 0)
	}
	r.mu.Unlock()
	return nil
}

// ticketRecord is the on-disk shape of a single ticket.
type ticketRecord struct {
	ExpiresAt int64
	Value     []byte
}

type availableTicketsFile struct {
	Outbound       map[string]ticketRecord
	InboundByDest  map[string]map[string]int64
	LastDeliveries map[string]int64
}

// SaveTickets persists outbound/inbound tickets (spec §6
// "available_tickets").
func (r *Router) SaveTickets(store *Store) error {
	ts := r.tickets
	ts.mu.Lock()
	file := availableTicketsFile{
		Outbound:       make(map[string]ticketRecord, len(ts.received)),
		InboundByDest:  make(map[string]map[string]int64, len(ts.issued)),
		LastDeliveries: make(map[string]int64, len(ts.lastIssued)),
	}
	for k, t := range ts.received {
		file.Outbound[k] = ticketRecord{ExpiresAt: t.ExpiresAt.Unix(), Value: t.Value}
	}
	for k, t := range ts.issued {
		file.InboundByDest[k] = map[string]int64{keyOf(t.Value): t.ExpiresAt.Unix()}
	}
	for k, t := range ts.lastIssued {
		file.LastDeliveries[k] = t.Unix()
	}
	ts.mu.Unlock()
	return store.writeFile("available_tickets", &file)
}

// LoadTickets restores outbound/inbound tickets from disk.
func (r *Router) LoadTickets(store *Store) error {
	var file availableTicketsFile
	if err := store.readFile("available_tickets", &file); err != nil {
		return err
	}
	ts := r.tickets
	ts.mu.Lock()
	for destHex, rec := range file.Outbound {
		ts.received[destHex] = Ticket{Value: rec.Value, ExpiresAt: time.Unix(rec.ExpiresAt, 0)}
	}
	for destHex, tokens := range file.InboundByDest {
		for tokenHex, expires := range tokens {
			value, err := decodeHex(tokenHex)
			if err != nil {
				continue
			}
			ts.issued[destHex] = Ticket{Value: value, ExpiresAt: time.Unix(expires, 0)}
		}
	}
	for destHex, unixSec := range file.LastDeliveries {
		ts.lastIssued[destHex] = time.Unix(unixSec, 0)
	}
	ts.mu.Unlock()
	return nil
}
