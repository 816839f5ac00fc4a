package fragment

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrTotalMismatch/ErrCorrupt signal a dropped buffer per spec §4.5: a
// later fragment disagreeing with the first fragment's declared total,
// or a duplicate sequence number carrying different bytes, both indicate
// corruption and the partial buffer for that sender is discarded.
var (
	ErrTotalMismatch = errors.New("fragment: total mismatch, buffer dropped")
	ErrCorrupt       = errors.New("fragment: duplicate sequence with differing bytes, buffer dropped")
)

// Stats mirrors spec §4.5 "Statistics".
type Stats struct {
	PacketsReassembled uint64
	PacketsTimedOut    uint64
	FragmentsReceived  uint64
	PendingPackets     int
}

type senderBuffer struct {
	total    uint16
	chunks   map[uint16][]byte
	lastSeen time.Time
}

// Reassembler merges fragments back into full packets, keyed per sender
// ID (eg a BLE peer identity), with a timeout sweep for stale buffers.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[string]*senderBuffer
	timeout time.Duration

	reassembled uint64
	timedOut    uint64
	received    uint64
}

// DefaultTimeout is spec §4.5's default reassembly timeout.
const DefaultTimeout = 30 * time.Second

func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler{buffers: make(map[string]*senderBuffer), timeout: timeout}
}

// Feed processes one incoming frame from sender. It returns the completed
// packet (and ok=true) once every sequence [0,total) has arrived for that
// sender's current buffer; otherwise ok is false. err is non-nil only for
// the corruption cases in spec §4.5, after the offending buffer has
// already been dropped.
func (r *Reassembler) Feed(sender string, raw []byte) (packet []byte, ok bool, err error) {
	f, decErr := Decode(raw)
	if decErr != nil {
		return nil, false, decErr
	}
	if f.Total == 0 || f.Seq >= f.Total {
		// Malformed header: a parseable frame claiming a sequence number
		// outside its own declared total. Drop silently (spec §7), never
		// buffer it.
		return nil, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++

	buf, exists := r.buffers[sender]
	if !exists {
		buf = &senderBuffer{total: f.Total, chunks: make(map[uint16][]byte)}
		r.buffers[sender] = buf
	}

	if buf.total != f.Total {
		delete(r.buffers, sender)
		return nil, false, ErrTotalMismatch
	}

	if existing, dup := buf.chunks[f.Seq]; dup {
		if !bytes.Equal(existing, f.Payload) {
			delete(r.buffers, sender)
			return nil, false, ErrCorrupt
		}
		buf.lastSeen = time.Now()
		return nil, false, nil
	}

	buf.chunks[f.Seq] = f.Payload
	buf.lastSeen = time.Now()

	if uint16(len(buf.chunks)) < buf.total {
		return nil, false, nil
	}

	ordered := make([]Frame, buf.total)
	for seq, payload := range buf.chunks {
		ordered[seq] = Frame{Seq: seq, Payload: payload}
	}
	delete(r.buffers, sender)
	r.reassembled++
	return Join(ordered), true, nil
}

// Sweep drops buffers whose last fragment arrived more than the configured
// timeout ago. Call this periodically (spec §4.5 "periodic sweep").
func (r *Reassembler) Sweep(now time.Time) (droppedSenders []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sender, buf := range r.buffers {
		if now.Sub(buf.lastSeen) > r.timeout {
			delete(r.buffers, sender)
			r.timedOut++
			droppedSenders = append(droppedSenders, sender)
		}
	}
	return droppedSenders
}

func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		PacketsReassembled: r.reassembled,
		PacketsTimedOut:    r.timedOut,
		FragmentsReceived:  r.received,
		PendingPackets:     len(r.buffers),
	}
}
