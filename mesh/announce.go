package mesh

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"lxmesh/internal/logctx"
	"lxmesh/rns"
)

// AnnounceEntry is one cached sighting, adapted from the teacher's
// announce.go AnnounceEntry — diagnostics/contacts-facing, distinct from
// the Router's own stamp-cost cache (spec §3 "Stamp-cost cache") which
// this feeds alongside without replacing.
type AnnounceEntry struct {
	DestinationHashHex string
	DisplayName        string
	LastSeen           time.Time
	AppDataLen         int
}

// announceCache is a second rns.AnnounceHandler registered next to the
// Router (multiple handlers can observe the same announce fan-out); it
// extracts a display name for node-level presentation instead of acting
// on stamp cost or propagation-node metadata, which the Router already
// owns (lxmf/announce.go).
type announceCache struct {
	mu      sync.Mutex
	entries map[string]AnnounceEntry
}

func newAnnounceCache() *announceCache {
	return &announceCache{entries: make(map[string]AnnounceEntry)}
}

func (c *announceCache) AspectFilter() string { return "" }

func (c *announceCache) ReceivedAnnounce(destinationHash []byte, announcedIdentity *rns.Identity, appData []byte) {
	destHex := hex.EncodeToString(destinationHash)
	displayName := announceDisplayName(appData)

	c.mu.Lock()
	c.entries[destHex] = AnnounceEntry{
		DestinationHashHex: destHex,
		DisplayName:        displayName,
		LastSeen:           time.Now(),
		AppDataLen:         len(appData),
	}
	c.mu.Unlock()

	if displayName != "" {
		logctx.Debugf("announce rx dest=%s name=%q", destHex, displayName)
	} else {
		logctx.Debugf("announce rx dest=%s", destHex)
	}
}

func (c *announceCache) snapshot() []AnnounceEntry {
	c.mu.Lock()
	out := make([]AnnounceEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// announceDisplayName mirrors lxmf's own announce app-data shape: a
// msgpack array whose first element is the display name (bytes or
// string), matching lxmf.Router.ReceivedAnnounce's decoding.
func announceDisplayName(appData []byte) string {
	if len(appData) == 0 {
		return ""
	}
	var raw []any
	if err := msgpack.Unmarshal(appData, &raw); err != nil || len(raw) == 0 {
		return ""
	}
	switch v := raw[0].(type) {
	case []byte:
		return string(v)
	case string:
		return v
	}
	return ""
}
