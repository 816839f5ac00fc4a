// Package content implements a hash-addressed fetch protocol for large
// blobs referenced by a message's FIELD_IMAGE/FIELD_FILE_ATTACHMENTS
// entries (SPEC_FULL.md "Supplemented features"). It is the same
// request/response shape the teacher's profile.go/attachment.go use for
// avatar fetch — an "unchanged" short-circuit keyed on a known hash, else
// the bytes — generalized from "avatar" to any hash-identified blob a
// Store holds.
package content

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lxmesh/rns"
)

// RequestPath is the RNS link-request path this service answers on.
const RequestPath = "/content/get"

// HashLength matches the truncated hash length used throughout lxmf.
const HashLength = 16

// Entry is a single hash-addressed blob held by a Store.
type Entry struct {
	Hash      []byte
	Data      []byte
	Mime      string
	UpdatedAt time.Time
}

// Hash returns the truncated content-addressing hash for data: the first
// HashLength bytes of its SHA-256 digest.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	h := make([]byte, HashLength)
	copy(h, sum[:HashLength])
	return h
}

// Store holds the blobs a local node is willing to serve — attachments
// and inline images referenced by outbound messages, keyed by their
// content hash.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

func keyOf(hash []byte) string { return fmt.Sprintf("%x", hash) }

// Put registers data under its content hash, returning the hash. mime may
// be empty if unknown.
func (s *Store) Put(data []byte, mime string) []byte {
	h := Hash(data)
	s.mu.Lock()
	s.entries[keyOf(h)] = Entry{Hash: h, Data: append([]byte(nil), data...), Mime: mime, UpdatedAt: time.Now()}
	s.mu.Unlock()
	return h
}

// Get returns the entry for hash, if present.
func (s *Store) Get(hash []byte) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[keyOf(hash)]
	return e, ok
}

// Delete removes the entry for hash, if present.
func (s *Store) Delete(hash []byte) {
	s.mu.Lock()
	delete(s.entries, keyOf(hash))
	s.mu.Unlock()
}

// request is the msgpack-decoded shape of a /content/get call: "hash"
// names the blob wanted, "known" (optional) is a hash the caller already
// holds — when it matches, the handler answers with the "unchanged"
// short-circuit instead of resending the bytes.
type request struct {
	Hash  []byte
	Known []byte
}

func decodeRequest(v any) request {
	m, ok := v.(map[any]any)
	if !ok {
		return request{}
	}
	var req request
	if hv, ok := m["hash"].([]byte); ok {
		req.Hash = hv
	}
	if kv, ok := m["known"].([]byte); ok {
		req.Known = kv
	}
	return req
}

// Service answers inbound /content/get requests against a Store and
// drives outbound fetches against a peer's Service.
type Service struct {
	store *Store
	log   *logrus.Entry
}

func NewService(store *Store) *Service {
	return &Service{store: store, log: logrus.WithField("component", "lxmf.content")}
}

// Register installs the /content/get request handler on an established
// link (spec SUPPLEMENTED FEATURES: adapted from
// registerAvatarRequestHandler/registerAttachmentRequestHandler,
// generalized beyond avatars). The caller — typically the same inbound-
// link acceptance path that wires up LXMF DIRECT delivery — is
// responsible for calling this once per link it accepts.
func (svc *Service) Register(link rns.Link) error {
	if link == nil {
		return errors.New("content: nil link")
	}
	return link.RegisterRequestHandler(RequestPath, svc.handle)
}

func (svc *Service) handle(path string, reqData any, requestID []byte, link rns.Link, remote *rns.Identity, requestedAt time.Time) any {
	req := decodeRequest(reqData)
	if len(req.Hash) == 0 {
		return map[any]any{"ok": false, "error": "no hash requested"}
	}

	entry, ok := svc.store.Get(req.Hash)
	if !ok {
		svc.log.WithField("hash", fmt.Sprintf("%x", req.Hash)).Debug("content req: not present")
		return map[any]any{"ok": false}
	}

	if len(req.Known) > 0 && bytes.Equal(req.Known, entry.Hash) {
		svc.log.WithField("hash", fmt.Sprintf("%x", entry.Hash)).Debug("content req: unchanged")
		return map[any]any{
			"ok":        true,
			"unchanged": true,
			"h":         entry.Hash,
			"t":         entry.Mime,
			"s":         len(entry.Data),
			"u":         entry.UpdatedAt.Unix(),
		}
	}

	svc.log.WithField("hash", fmt.Sprintf("%x", entry.Hash)).WithField("size", len(entry.Data)).Debug("content req: sending")
	return map[any]any{
		"ok":   true,
		"h":    entry.Hash,
		"t":    entry.Mime,
		"s":    len(entry.Data),
		"u":    entry.UpdatedAt.Unix(),
		"data": entry.Data,
	}
}

// Fetch is the outcome of a Fetch call.
type Fetch struct {
	Hash       []byte
	Data       []byte
	Mime       string
	Unchanged  bool
	NotPresent bool
}

// Fetch requests the blob identified by hash from a peer already reachable
// over link, short-circuiting if knownHash (may be nil) already matches.
func Fetch(link rns.Link, hash, knownHash []byte, timeout time.Duration) (Fetch, error) {
	if link == nil {
		return Fetch{}, errors.New("content: nil link")
	}

	req := map[any]any{"hash": hash}
	if len(knownHash) > 0 {
		req["known"] = knownHash
	}

	resp, err := link.Request(RequestPath, req, timeout)
	if err != nil {
		return Fetch{}, fmt.Errorf("content: request: %w", err)
	}

	m, ok := resp.(map[any]any)
	if !ok {
		return Fetch{}, errors.New("content: unexpected response shape")
	}
	okField, _ := m["ok"].(bool)
	if !okField {
		return Fetch{NotPresent: true}, nil
	}

	respHash, _ := m["h"].([]byte)
	mime, _ := m["t"].(string)
	if unchanged, _ := m["unchanged"].(bool); unchanged {
		return Fetch{Hash: respHash, Mime: mime, Unchanged: true}, nil
	}

	data, _ := m["data"].([]byte)
	return Fetch{Hash: respHash, Mime: mime, Data: data}, nil
}
