// Package rns models the external substrate this module treats as an
// out-of-scope collaborator (spec §1): identities, destinations, links,
// packets, receipts, resources, path discovery and announce fan-out.
//
// Nothing in this package implements the Reticulum network protocol — it
// is the contract boundary the LXMF router and content-fetch service are
// written against. A real Reticulum binding satisfies these interfaces by
// wrapping its own types; `rnstest` provides an in-memory fake used by
// this module's own tests.
package rns

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"strings"
	"time"
)

// LinkStatus mirrors the three states spec §1 assigns to an RNS link.
type LinkStatus int

const (
	LinkPending LinkStatus = iota
	LinkActive
	LinkClosed
)

func (s LinkStatus) String() string {
	switch s {
	case LinkPending:
		return "PENDING"
	case LinkActive:
		return "ACTIVE"
	case LinkClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DestinationDirection matches Reticulum's IN/OUT split.
type DestinationDirection int

const (
	DestinationIN DestinationDirection = iota
	DestinationOUT
)

// DestinationType matches Reticulum's addressing types. Only SINGLE is
// used by LXMF delivery/propagation destinations.
type DestinationType int

const (
	DestinationSINGLE DestinationType = iota
	DestinationGROUP
	DestinationPLAIN
)

// HashLength is the truncated destination/transient-id hash length (16B).
const HashLength = 16

// Identity is the external asymmetric identity: an Ed25519 keypair plus
// whatever announce app-data the transport layer most recently cached for
// it (used by the content-fetch/contact lookup path).
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	AppData []byte
}

func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &Identity{Public: pub, private: priv}, nil
}

// Sign signs data with the identity's private key. Returns nil if this
// Identity only holds a public key (eg a remote identity recalled from
// the network).
func (id *Identity) Sign(data []byte) []byte {
	if id == nil || id.private == nil {
		return nil
	}
	return ed25519.Sign(id.private, data)
}

func (id *Identity) Verify(data, sig []byte) bool {
	if id == nil || len(id.Public) == 0 {
		return false
	}
	return ed25519.Verify(id.Public, data, sig)
}

func (id *Identity) HasPrivateKey() bool {
	return id != nil && id.private != nil
}

// Bytes serializes the private key for on-disk persistence (caller's own
// identity only — a remote recalled Identity has no private key to
// serialize and Bytes returns nil for it).
func (id *Identity) Bytes() []byte {
	if id == nil || id.private == nil {
		return nil
	}
	out := make([]byte, ed25519.PrivateKeySize)
	copy(out, id.private)
	return out
}

// IdentityFromBytes reconstructs a local Identity from Bytes' output.
func IdentityFromBytes(b []byte) (*Identity, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, errors.New("rns: invalid identity key length")
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, b)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Public: pub, private: priv}, nil
}

// Destination is an addressable endpoint. Hash is the truncated
// identifier carried on the wire (§3 destination_hash/source_hash).
type Destination struct {
	Identity  *Identity
	Direction DestinationDirection
	Type      DestinationType
	AppName   string
	Aspects   []string
	hash      [HashLength]byte
}

func (d *Destination) Hash() []byte {
	if d == nil {
		return nil
	}
	h := make([]byte, HashLength)
	copy(h, d.hash[:])
	return h
}

// NewDestination builds a Destination and derives its wire hash from the
// identity's public key plus its app-name/aspects path. Real Reticulum
// uses a richer name-hash scheme; since the transport layer is out of
// scope (spec §1) this module only needs *a* stable, collision-resistant
// derivation, which any Transport.NewDestination implementation should
// delegate to so every binding agrees on the same destination hash for
// the same (identity, appName, aspects) tuple.
func NewDestination(id *Identity, dir DestinationDirection, typ DestinationType, appName string, aspects ...string) (*Destination, error) {
	if id == nil {
		return nil, errors.New("rns: nil identity")
	}
	if appName == "" {
		return nil, errors.New("rns: empty app name")
	}
	name := appName
	if len(aspects) > 0 {
		name = appName + "." + strings.Join(aspects, ".")
	}
	sum := sha256.Sum256(append(append([]byte(nil), id.Public...), []byte(name)...))
	d := &Destination{
		Identity:  id,
		Direction: dir,
		Type:      typ,
		AppName:   appName,
		Aspects:   aspects,
	}
	copy(d.hash[:], sum[:HashLength])
	return d, nil
}

// RequestHandler answers a link.Request call on a named path. requestData
// is msgpack-decoded; the return value is msgpack-encoded back to the
// caller. remote may be nil if the requester's identity is unknown.
type RequestHandler func(path string, requestData any, requestID []byte, link Link, remote *Identity, requestedAt time.Time) any

// Receipt is returned by a packet send and reports delivery or timeout
// exactly once (spec §4.1 OPPORTUNISTIC "attach a receipt").
type Receipt interface {
	SetDeliveredCallback(func())
	SetTimeoutCallback(func())
}

// Packet is a single encrypted datagram addressed to a Destination.
type Packet interface {
	Send() (Receipt, error)
}

// ResourceProgress reports fractional completion, spec §3 `progress`.
type ResourceProgress float64

// Resource is a chunked transfer over an established Link (spec §1 "out
// of scope ... resource (chunked) transfers with progress").
type Resource interface {
	SetProgressCallback(func(ResourceProgress))
	SetConcludedCallback(func(ok bool))
	Data() []byte
}

// Link is an established bidirectional channel to a Destination, shared
// between this module and the external transport (spec §3 "Ownership").
type Link interface {
	Status() LinkStatus
	RemoteIdentity() *Identity
	DestinationHash() []byte

	Send(data []byte) (Receipt, error)
	SendResource(data []byte, metadata map[string]any) (Resource, error)
	// Request issues an RNS link request to path, blocking until the
	// remote's RequestHandler responds or timeout elapses.
	Request(path string, data any, timeout time.Duration) (any, error)

	RegisterRequestHandler(path string, handler RequestHandler) error

	SetPacketCallback(func(raw []byte))
	SetClosedCallback(func())
	SetEstablishedCallback(func())

	Teardown()
}

// Transport is the external path-discovery/identity-cache/announce-fanout
// surface (spec §1 "path discovery/expiry, and announce fan-out").
type Transport interface {
	// NewDestination creates a local (IN) or remote-facing (OUT) endpoint.
	NewDestination(id *Identity, dir DestinationDirection, typ DestinationType, appName string, aspects ...string) (*Destination, error)

	// Announce broadcasts appData for a local destination.
	Announce(dest *Destination, appData []byte) error

	RegisterAnnounceHandler(h AnnounceHandler)
	DeregisterAnnounceHandler(h AnnounceHandler)

	// IdentityRecall returns a cached remote identity for destHash, or nil.
	IdentityRecall(destHash []byte) *Identity

	// HasPath reports whether a route to destHash is currently known.
	HasPath(destHash []byte) bool
	// RequestPath asks the transport to discover a route to destHash.
	RequestPath(destHash []byte)
	// ExpirePath discards any cached route to destHash, forcing rediscovery.
	ExpirePath(destHash []byte)

	// Send transmits a single opportunistic packet to dest; ok becomes the
	// Receipt's delivered/timeout callbacks.
	Send(dest *Destination, data []byte) (Packet, error)

	// EstablishLink opens an outgoing link to dest. established/closed fire
	// once the link transitions; forRetrieval only affects diagnostics.
	EstablishLink(dest *Destination, forRetrieval bool) (Link, error)
}

// AnnounceHandler receives announce fan-out, filtered by AspectFilter
// (empty string means "all aspects").
type AnnounceHandler interface {
	AspectFilter() string
	ReceivedAnnounce(destinationHash []byte, announcedIdentity *Identity, appData []byte)
}
