// Package ble implements the BLE mesh transport: a platform-agnostic
// Driver contract, an Orchestrator that runs the dual-role (central +
// peripheral) discovery/handshake/eviction/zombie-detection engine (spec
// §4.6), and a per-peer PeerInterface that owns fragment I/O, keepalive,
// and RSSI polling.
package ble

import "time"

// ServiceUUID is the single GATT service UUID this module's peers
// advertise and scan for (spec §6 "GATT service").
const ServiceUUID = "6c696768-7463-6f72-6573-6d657368626c" // "lightcoresmeshbl", arbitrary but fixed

// Tunables, spec §6 "Tunables (defaults, as constants)".
const (
	IdentityHandshakeTimeout = 30 * time.Second
	KeepaliveInterval        = 15 * time.Second
	ZombieTimeout            = 45 * time.Second
	BlacklistBase            = 60 * time.Second
	BlacklistMaxMultiplier   = 8
	ReconnectBackoff         = 7 * time.Second

	RSSIPollInterval       = 10 * time.Second
	ZombieCheckInterval    = 15 * time.Second
	ZombieDisconnectGrace  = 5 * time.Second
	BlacklistSweepInterval = 30 * time.Second

	IdentityLength = 16
)

// MaxConnections and EvictionMargin are not given numeric values by spec
// §4.6 (only the eviction *rule* is specified); chosen here as
// implementation defaults (DESIGN.md "Open Question decisions").
const (
	DefaultMaxConnections = 8
	DefaultEvictionMargin = 0.15
)

// DuplicateIdentityBackoff is the backoff spec §4.6 "Dedup on identity"
// applies to a *new* address when a healthy peer already exists under
// the same identity at a different address — distinct from the general
// ReconnectBackoff applied after losing a connection.
const DuplicateIdentityBackoff = 30 * time.Second
