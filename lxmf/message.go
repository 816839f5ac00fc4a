package lxmf

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"lxmesh/rns"
)

var (
	ErrUnpackTooShort = errors.New("lxmf: packed bytes shorter than header")
	ErrNotSealed      = errors.New("lxmf: message must be packed before this operation")
	ErrAlreadySealed  = errors.New("lxmf: message already packed")
)

// Message is an LXMF message (spec §3 "LXMessage"). Once Pack succeeds it
// is sealed: Packed is present and further mutation of content is not
// supported, matching spec's "packed is present iff state ∉ {GENERATING}"
// invariant.
type Message struct {
	mu sync.Mutex

	DestinationHash []byte // 16B
	SourceHash      []byte // 16B
	TransientID     []byte // hash of packed bytes
	MessageID       []byte // hash of content+timestamp, set on first pack

	Title   string
	Content string
	Fields  map[int]any

	Timestamp time.Time

	Signature        []byte
	Validated        bool
	UnverifiedReason UnverifiedReason

	DesiredMethod        Method
	Method               Method
	Representation       Representation
	State                State
	DeliveryAttempts     int
	NextDeliveryAttempt  time.Time
	Progress             float64

	StampCost     *int
	Stamp         []byte
	DeferStamp    bool
	OutboundTicket []byte
	IncludeTicket  bool

	Packed []byte

	OnDelivered func(*Message)
	OnFailed    func(*Message)

	destIdentity   *rns.Identity // for pack: source identity's keypair
	sourceIdentity *rns.Identity // for unpack: resolved signer's public key
}

// wirePayload is the msgpack array making up the packed payload (spec §6
// "Wire — LXMF packet"): [timestamp_f64, title_bin, content_bin, fields].
type wirePayload struct {
	_msgpack struct{} `msgpack:",as_array"`
	Timestamp float64
	Title     []byte
	Content   []byte
	Fields    map[int]any
}

// New constructs an outbound message in GENERATING state. sourceIdentity
// must hold a private key (it will sign the packed bytes).
func New(destHash, sourceHash []byte, sourceIdentity *rns.Identity, title, content string, fields map[int]any, desired Method) (*Message, error) {
	if len(destHash) != DestinationLength {
		return nil, fmt.Errorf("lxmf: invalid destination hash length %d", len(destHash))
	}
	if len(sourceHash) != DestinationLength {
		return nil, fmt.Errorf("lxmf: invalid source hash length %d", len(sourceHash))
	}
	if fields == nil {
		fields = map[int]any{}
	}
	return &Message{
		DestinationHash: append([]byte(nil), destHash...),
		SourceHash:      append([]byte(nil), sourceHash...),
		Title:           title,
		Content:         content,
		Fields:          fields,
		Timestamp:       time.Now(),
		DesiredMethod:   desired,
		Method:          desired,
		State:           StateGenerating,
		destIdentity:    sourceIdentity,
	}, nil
}

// signedPreimage builds the bytes signed/verified over: dest||src||ts||
// title||content||msgpack(fields) (spec §3 invariant, §4.4 "Pack"), using
// whatever fields map is actually going on the wire — m.Fields overlaid
// with the current stamp/ticket — so sender and receiver sign and verify
// over the identical bytes.
func (m *Message) signedPreimage() ([]byte, error) {
	return m.signedPreimageFor(m.Fields)
}

func (m *Message) signedPreimageFor(fields map[int]any) ([]byte, error) {
	fieldsPacked, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(m.DestinationHash)
	buf.Write(m.SourceHash)
	var tsBuf [8]byte
	putFloat64(tsBuf[:], float64(m.Timestamp.UnixNano())/1e9)
	buf.Write(tsBuf[:])
	buf.WriteString(m.Title)
	buf.WriteString(m.Content)
	buf.Write(fieldsPacked)
	return buf.Bytes(), nil
}

// Pack seals the message: signs it, serializes the wire form, and
// computes TransientID/MessageID (spec §4.4 "Pack"). The boolean
// argument is ignored: Packed always begins with DestinationHash, which
// DIRECT link payloads and PROPAGATED resource payloads carry as is; the
// router strips it for bare OPPORTUNISTIC packets (opportunisticPayload),
// since the destination comes from the RNS packet header there.
func (m *Message) Pack(_ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Packed) > 0 {
		return nil
	}
	if err := m.repackLocked(); err != nil {
		return err
	}
	m.State = StateOutbound
	return nil
}

// repackLocked (re)serializes the wire form from the message's current
// Fields/Stamp/OutboundTicket and re-signs it. Called from Pack on first
// seal, and again whenever a stamp is found or a ticket is attached after
// that, since both are embedded into the signed fields map (spec §4.2,
// §4.3 "Embedding") and the wire bytes and signature must stay in sync
// with whatever is actually being sent. Caller must hold m.mu.
func (m *Message) repackLocked() error {
	if m.destIdentity == nil || !m.destIdentity.HasPrivateKey() {
		return errors.New("lxmf: pack requires a source identity with a private key")
	}

	fieldsCopy := m.fieldsWithStampAndTicket()
	preimage, err := m.signedPreimageFor(fieldsCopy)
	if err != nil {
		return err
	}
	m.Signature = m.destIdentity.Sign(preimage)
	m.Validated = true
	m.UnverifiedReason = ReasonNone

	payload := wirePayload{
		Timestamp: float64(m.Timestamp.UnixNano()) / 1e9,
		Title:     []byte(m.Title),
		Content:   []byte(m.Content),
		Fields:    fieldsCopy,
	}
	payloadBytes, err := msgpack.Marshal(&payload)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(m.DestinationHash)
	buf.Write(m.SourceHash)
	buf.Write(m.Signature)
	buf.Write(payloadBytes)
	m.Packed = buf.Bytes()

	sum := sha256.Sum256(m.Packed)
	m.TransientID = sum[:DestinationLength]

	midSource, _ := msgpack.Marshal(m.Content + m.Title + payload_tsKey(m.Timestamp))
	midSum := sha256.Sum256(midSource)
	m.MessageID = midSum[:DestinationLength]

	m.Representation = m.classifyRepresentation(len(payloadBytes))
	return nil
}

func payload_tsKey(t time.Time) string {
	return fmt.Sprintf("%.6f", float64(t.UnixNano())/1e9)
}

// fieldsWithStampAndTicket overlays the stamp/ticket fields onto a copy
// of Fields, so Pack never mutates the caller-supplied map directly.
func (m *Message) fieldsWithStampAndTicket() map[int]any {
	out := make(map[int]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		out[k] = v
	}
	if len(m.Stamp) > 0 {
		out[int(FieldStamp)] = m.Stamp
	}
	if m.IncludeTicket && len(m.OutboundTicket) == TicketLength {
		out[int(FieldTicket)] = []any{m.ticketExpiresPlaceholder(), m.OutboundTicket}
	}
	return out
}

// ticketExpiresPlaceholder is the expiry embedded next to OutboundTicket
// in the ticket field: now + TicketExpiry, recomputed on every (re)pack.
// It is not taken from the cached ticket's own ExpiresAt, and nothing
// rewrites it before send.
func (m *Message) ticketExpiresPlaceholder() int64 {
	return time.Now().Add(TicketExpiry).Unix()
}

func (m *Message) classifyRepresentation(payloadLen int) Representation {
	switch m.Method {
	case MethodDirect:
		if payloadLen <= LinkPacketMaxContent {
			return RepresentationPacket
		}
	case MethodOpportunistic:
		if payloadLen <= EncryptedPacketMaxContent {
			return RepresentationPacket
		}
	default:
		if payloadLen <= PlainPacketMaxContent {
			return RepresentationPacket
		}
	}
	return RepresentationResource
}

// IdentityResolver looks up the public identity for a source hash, the
// external "identity cache" spec §4.4 unpack refers to.
type IdentityResolver func(sourceHash []byte) *rns.Identity

// Unpack parses raw packed bytes (spec §4.4 "Unpack"). If raw does not
// include the leading destination hash (bare OPPORTUNISTIC payload, spec
// §9), pass it separately via knownDestHash; otherwise pass nil.
func Unpack(raw []byte, knownDestHash []byte, resolve IdentityResolver) (*Message, error) {
	body := raw
	var destHash []byte
	if knownDestHash != nil {
		destHash = append([]byte(nil), knownDestHash...)
	} else {
		if len(body) < DestinationLength {
			return nil, ErrUnpackTooShort
		}
		destHash = append([]byte(nil), body[:DestinationLength]...)
		body = body[DestinationLength:]
	}
	if len(body) < DestinationLength+SignatureLength {
		return nil, ErrUnpackTooShort
	}
	sourceHash := append([]byte(nil), body[:DestinationLength]...)
	body = body[DestinationLength:]
	sig := append([]byte(nil), body[:SignatureLength]...)
	body = body[SignatureLength:]

	var payload wirePayload
	if err := msgpack.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("lxmf: decode payload: %w", err)
	}

	m := &Message{
		DestinationHash: destHash,
		SourceHash:      sourceHash,
		Title:           string(payload.Title),
		Content:         string(payload.Content),
		Fields:          payload.Fields,
		Timestamp:       time.Unix(0, int64(payload.Timestamp*1e9)),
		Signature:       sig,
		State:           StateSent,
		Method:          MethodOpportunistic,
	}
	if m.Fields == nil {
		m.Fields = map[int]any{}
	}
	if stampBytes, ok := m.Fields[int(FieldStamp)].([]byte); ok {
		m.Stamp = stampBytes
	}

	midSource, _ := msgpack.Marshal(m.Content + m.Title + payload_tsKey(m.Timestamp))
	midSum := sha256.Sum256(midSource)
	m.MessageID = midSum[:DestinationLength]

	canonical := make([]byte, 0, len(destHash)+len(sourceHash)+len(sig)+len(body))
	canonical = append(canonical, destHash...)
	canonical = append(canonical, sourceHash...)
	canonical = append(canonical, sig...)
	canonical = append(canonical, body...)
	m.Packed = canonical
	sum := sha256.Sum256(canonical)
	m.TransientID = sum[:DestinationLength]

	signerIdentity := resolve(sourceHash)
	m.sourceIdentity = signerIdentity
	if signerIdentity == nil {
		m.UnverifiedReason = ReasonSourceUnknown
		m.Validated = false
		return m, nil
	}

	preimage, err := m.signedPreimage()
	if err != nil {
		return nil, err
	}
	if signerIdentity.Verify(preimage, sig) {
		m.Validated = true
		m.UnverifiedReason = ReasonNone
	} else {
		m.Validated = false
		m.UnverifiedReason = ReasonSignatureInvalid
	}
	return m, nil
}

func (m *Message) DestinationHashHex() string { return hex.EncodeToString(m.DestinationHash) }
func (m *Message) SourceHashHex() string      { return hex.EncodeToString(m.SourceHash) }
func (m *Message) TransientIDHex() string     { return hex.EncodeToString(m.TransientID) }

// putFloat64 encodes a float64 big-endian, used only for the signed
// preimage's fixed-width timestamp field.
func putFloat64(buf []byte, f float64) {
	bits := math.Float64bits(f)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(bits)
		bits >>= 8
	}
}
