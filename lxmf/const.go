// Package lxmf implements the Lightweight Extensible Message Format
// messaging layer: message codec, router, tickets, and propagation-node
// retrieval (spec §4.1, §4.3, §4.4, §6).
package lxmf

import "time"

// AppName is the RNS destination app-name LXMF registers under, mirroring
// the teacher's use of "lxmf" throughout node.go/profile.go.
const AppName = "lxmf"

// Delivery method (spec §3 desired_method/method).
type Method byte

const (
	MethodOpportunistic Method = 0x01
	MethodDirect        Method = 0x02
	MethodPropagated    Method = 0x03
	MethodPaper         Method = 0x04
)

func (m Method) String() string {
	switch m {
	case MethodOpportunistic:
		return "OPPORTUNISTIC"
	case MethodDirect:
		return "DIRECT"
	case MethodPropagated:
		return "PROPAGATED"
	case MethodPaper:
		return "PAPER"
	default:
		return "UNKNOWN"
	}
}

// Representation (spec §3 representation).
type Representation byte

const (
	RepresentationUnknown Representation = iota
	RepresentationPacket
	RepresentationResource
)

// State is the message state machine (spec §4.1).
type State byte

const (
	StateGenerating State = iota
	StateOutbound
	StateSending
	StateSent
	StateDelivered
	StateFailed
	StateCancelled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateGenerating:
		return "GENERATING"
	case StateOutbound:
		return "OUTBOUND"
	case StateSending:
		return "SENDING"
	case StateSent:
		return "SENT"
	case StateDelivered:
		return "DELIVERED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// UnverifiedReason (spec §3).
type UnverifiedReason byte

const (
	ReasonNone UnverifiedReason = iota
	ReasonSourceUnknown
	ReasonSignatureInvalid
)

// Tunables, spec §6 "Tunables (defaults, as constants)".
const (
	MaxDeliveryAttempts = 5
	ProcessingInterval  = 4 * time.Second
	DeliveryRetryWait   = 10 * time.Second
	PathRequestWait     = 7 * time.Second
	MaxPathlessTries    = 1

	MessageExpiry     = 30 * 24 * time.Hour
	TransientIDExpiry = 6 * MessageExpiry // ~180 days, spec §3

	TicketExpiry   = 21 * 24 * time.Hour
	TicketGrace    = 5 * 24 * time.Hour
	TicketRenew    = 14 * 24 * time.Hour
	TicketInterval = 24 * time.Hour
	TicketLength   = 16

	PropagationCost     = 16
	PropagationCostMin  = 13
	PropagationCostFlex = 3
	PeeringCost         = 18
	MaxPeeringCost      = 26
	PropagationLimitKB  = 256
	SyncLimitKB         = 10240
	DeliveryLimitKB     = 1000
	StampCostExpiry     = 45 * 24 * time.Hour

	CleanupEveryTicks = 60 // spec §4.1 "every 60 processing ticks ≈ 4 min"

	// COST_TICKET is declared in the reference implementation but unused
	// in send/receive paths; spec §9 leaves its negotiation role
	// undefined. Kept only for wire-format parity with anything that
	// might echo it back; never consulted. (Design decision #2.)
	CostTicket = 0x100
)

// Wire size limits, spec §4.4 "Size class".
const (
	EncryptedPacketMaxContent = 295
	LinkPacketMaxContent      = 319
	PlainPacketMaxContent     = 368
	PackedOverhead            = 2*DestinationLength + SignatureLength + 8 + 8
)

const (
	DestinationLength = 16 // spec §3 destination_hash/source_hash
	SignatureLength   = 64
)

// Remote error codes (spec §4.1 "Any integer-typed response is treated
// as an error code").
const (
	ErrorNoIdentity   = 0xF0
	ErrorNoAccess     = 0xF1
	ErrorInvalidStamp = 0xF5
)

// FieldID enumerates the recognized message field IDs (spec §6).
type FieldID int

const (
	FieldEmbeddedLXMs    FieldID = 0x01
	FieldTelemetry       FieldID = 0x02
	FieldTelemetryStream FieldID = 0x03
	FieldIconAppearance  FieldID = 0x04
	FieldFileAttachments FieldID = 0x05
	FieldImage           FieldID = 0x06
	FieldAudio           FieldID = 0x07
	FieldThread          FieldID = 0x08
	FieldCommands        FieldID = 0x09
	FieldResults         FieldID = 0x0A
	FieldGroup           FieldID = 0x0B
	FieldTicket          FieldID = 0x0C
	FieldEvent           FieldID = 0x0D
	FieldRnrRefs         FieldID = 0x0E
	FieldRenderer        FieldID = 0x0F

	// FieldStamp carries the PoW stamp token overlaid onto the wire fields
	// map at pack time (spec §4.2); not part of the reference field list,
	// reserved here the same way FieldTicket is.
	FieldStamp FieldID = 0x10

	FieldCustomType      FieldID = 0xFB
	FieldCustomData      FieldID = 0xFC
	FieldCustomMeta      FieldID = 0xFD
	FieldNonSpecific     FieldID = 0xFE
	FieldDebug           FieldID = 0xFF
)
