// Package mesh is the node-level orchestration façade: it starts and
// stops the LXMF router and the BLE orchestrator together, the way the
// teacher's node.go starts and stops Reticulum and the LXMF router
// together (SPEC_FULL.md "Node-level orchestration façade").
package mesh

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"lxmesh/ble"
	"lxmesh/internal/logctx"
	"lxmesh/lxmf"
	"lxmesh/lxmf/content"
	"lxmesh/rns"
)

// Options mirrors the teacher's runcore.Options, trimmed to what this
// module owns: no RNS config dir/log-dest knobs, since the RNS
// transport itself is an externally supplied collaborator (spec §1).
type Options struct {
	// Dir is this node's own state directory (identity + config +
	// LXMF/content storage). Defaults to "./.meshnode".
	Dir string

	// DisplayName is written as display_name into the config file the
	// first time it is created; Node itself sends no announce.
	DisplayName string

	// DeliveryStampCost sets the inbound stamp requirement (nil = none).
	DeliveryStampCost *int

	// Transport is the external RNS substrate (spec §1, out of scope to
	// implement here); callers supply a concrete binding, or
	// rns/rnstest's in-memory fake for tests.
	Transport rns.Transport

	// Driver is the platform BLE binding (out of scope for a production
	// implementation to do itself in this exercise beyond the adapter
	// shape in ble.Driver); tests supply a fake.
	Driver ble.Driver
}

// Node ties the LXMF Router and BLE Orchestrator together behind one
// Start/Close/Restart surface (adapted from runcore.Node).
type Node struct {
	mu sync.Mutex

	opts      Options
	dir       string
	identity  *rns.Identity
	transport rns.Transport
	driver    ble.Driver

	router       *lxmf.Router
	delivery     *lxmf.DeliveryDestination
	orchestrator *ble.Orchestrator
	contentStore *content.Store
	contentSvc   *content.Service
	announces    *announceCache

	ctx    context.Context
	cancel context.CancelFunc

	bleEnabled bool
}

// Start brings up a node: loads or creates its identity, registers the
// LXMF delivery destination, and starts both the Router and the BLE
// Orchestrator (adapted from runcore.Start).
func Start(opts Options) (*Node, error) {
	if opts.Dir == "" {
		opts.Dir = ".meshnode"
	}
	if opts.Transport == nil {
		return nil, errors.New("mesh: nil Transport (RNS substrate must be supplied by the caller)")
	}
	if opts.Driver == nil {
		return nil, errors.New("mesh: nil Driver (BLE platform binding must be supplied by the caller)")
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create node dir: %w", err)
	}
	if _, err := EnsureConfig(opts.Dir, opts.DisplayName); err != nil {
		return nil, fmt.Errorf("ensure config: %w", err)
	}

	id, err := loadOrCreateIdentity(ResolveLayout(opts.Dir).IdentityPath)
	if err != nil {
		return nil, err
	}

	n := &Node{
		opts:         opts,
		dir:          opts.Dir,
		identity:     id,
		transport:    opts.Transport,
		driver:       opts.Driver,
		contentStore: content.NewStore(),
		announces:    newAnnounceCache(),
	}
	n.contentSvc = content.NewService(n.contentStore)

	if err := n.startRouter(); err != nil {
		return nil, err
	}
	if err := n.startBLE(); err != nil {
		n.router.Close()
		return nil, err
	}

	n.transport.RegisterAnnounceHandler(n.announces)
	logctx.Noticef("node started dir=%s delivery=%x", n.dir, n.DeliveryDestinationHash())
	return n, nil
}

func loadOrCreateIdentity(path string) (*rns.Identity, error) {
	if b, err := os.ReadFile(path); err == nil {
		return rns.IdentityFromBytes(b)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat identity: %w", err)
	}
	id, err := rns.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	if err := os.WriteFile(path, id.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

func (n *Node) startRouter() error {
	n.router = lxmf.NewRouter(n.transport, nil, nil)

	dest, err := n.transport.NewDestination(n.identity, rns.DestinationIN, rns.DestinationSINGLE, "lxmf", "delivery")
	if err != nil {
		return fmt.Errorf("create delivery destination: %w", err)
	}
	stampCost := 0
	if n.opts.DeliveryStampCost != nil {
		stampCost = *n.opts.DeliveryStampCost
	}
	delivery, err := n.router.RegisterDeliveryDestination(dest, stampCost, false)
	if err != nil {
		return fmt.Errorf("register delivery destination: %w", err)
	}
	n.delivery = delivery

	ctx, cancel := context.WithCancel(context.Background())
	n.ctx, n.cancel = ctx, cancel
	n.router.Start(ctx)
	return nil
}

// startBLE wires the BLE Orchestrator's reassembled packets into the
// Router's single process_inbound gate (spec §1 "Inbound bytes arriving
// on any of those channels are funneled through a single process_inbound
// gate"), classified as opportunistic since a BLE peer link carries no
// RNS Link object — LXMF does not know about BLE (spec §4.6).
func (n *Node) startBLE() error {
	localBLEIdentity := bleIdentityFor(n.identity)
	n.orchestrator = ble.NewOrchestrator(n.driver, localBLEIdentity, func(_ string, packet []byte) {
		n.router.ProcessInbound(packet, lxmf.MethodOpportunistic, nil, nil)
	})
	n.orchestrator.SetMaxConnections(n.tunables().BLEMaxConnections)
	n.orchestrator.SetEvictionMargin(n.tunables().BLEEvictionMargin)

	if err := n.orchestrator.Start(n.ctx); err != nil {
		return fmt.Errorf("start ble orchestrator: %w", err)
	}
	n.mu.Lock()
	n.bleEnabled = true
	n.mu.Unlock()
	return nil
}

func (n *Node) tunables() Tunables {
	t, err := LoadTunables(n.dir)
	if err != nil {
		return Tunables{BLEMaxConnections: ble.DefaultMaxConnections, BLEEvictionMargin: ble.DefaultEvictionMargin}
	}
	return t
}

// bleIdentityFor derives the 16-byte BLE handshake identity from the
// node's RNS identity public key, so BLE and LXMF share one durable
// identity rather than minting a second keypair (grounded on
// rns.NewDestination's own hash derivation, contract.go).
func bleIdentityFor(id *rns.Identity) []byte {
	sum := sha256.Sum256(id.Public)
	return sum[:ble.IdentityLength]
}

// Close tears both subsystems down (adapted from runcore.Node.Close).
func (n *Node) Close() error {
	n.mu.Lock()
	cancel := n.cancel
	orch := n.orchestrator
	router := n.router
	n.mu.Unlock()

	if orch != nil {
		orch.Close()
	}
	if router != nil {
		router.Close()
	}
	if cancel != nil {
		cancel()
	}
	logctx.Noticef("node closed dir=%s", n.dir)
	return nil
}

// Restart rebuilds the Router and delivery destination while keeping
// the node's identity and BLE orchestrator running (adapted from
// runcore.Node.Restart — there the Reticulum singleton is kept; here the
// BLE orchestrator plays that "already-running substrate" role).
func (n *Node) Restart() error {
	n.mu.Lock()
	router := n.router
	n.mu.Unlock()
	if router != nil {
		router.Close()
	}
	return n.startRouter()
}

// SetInterfaceEnabled starts or stops the one concrete interface this
// module owns, the BLE mesh transport (adapted from
// runcore.Node.SetInterfaceEnabled, generalized from Reticulum's
// multi-interface config to this module's single BLE orchestrator).
func (n *Node) SetInterfaceEnabled(enabled bool) error {
	n.mu.Lock()
	wasEnabled := n.bleEnabled
	n.mu.Unlock()

	if enabled == wasEnabled {
		return nil
	}
	if enabled {
		return n.startBLE()
	}
	n.orchestrator.Close()
	n.mu.Lock()
	n.bleEnabled = false
	n.mu.Unlock()
	return nil
}

func (n *Node) Router() *lxmf.Router           { return n.router }
func (n *Node) Orchestrator() *ble.Orchestrator { return n.orchestrator }
func (n *Node) ContentStore() *content.Store   { return n.contentStore }
func (n *Node) Identity() *rns.Identity        { return n.identity }
func (n *Node) DeliveryDestinationHash() []byte {
	if n.delivery == nil {
		return nil
	}
	return n.delivery.Destination.Hash()
}

// Send enqueues an outbound LXMF message to destHash (adapted from
// runcore.Node.SendHex, simplified to operate on raw hashes since this
// module has no hex-string UI boundary of its own).
func (n *Node) Send(destHash []byte, title, contentText string, fields map[int]any, method lxmf.Method) (*lxmf.Message, error) {
	if n.router == nil || n.delivery == nil {
		return nil, errors.New("mesh: node not started")
	}
	if method == 0 {
		method = lxmf.MethodOpportunistic
	}
	msg, err := lxmf.New(destHash, n.delivery.Destination.Hash(), n.identity, title, contentText, fields, method)
	if err != nil {
		return nil, err
	}
	if err := n.router.Enqueue(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Announces returns the node's cached announce sightings (adapted from
// runcore.Node.AnnouncesJSON, returning typed entries instead of a JSON
// string since this module has no HTTP/FFI boundary of its own).
func (n *Node) Announces() []AnnounceEntry { return n.announces.snapshot() }

// ContactInfo resolves a remote destination's cached display name and
// content metadata (adapted from runcore.Node.ContactInfoHex).
func (n *Node) ContactInfo(destHash []byte, timeout time.Duration) (ContactInfo, error) {
	return ContactInfoHex(n.transport, fmt.Sprintf("%x", destHash), timeout)
}
