package lxmf

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// PaperURIScheme is the URI scheme for offline paper-message encoding
// (spec §4.1 "PAPER", spec §6 "Wire — Paper URI").
const PaperURIScheme = "lxm://"

// EncodePaperURI base64url-encodes packed LXMF bytes behind the lxm://
// scheme. Padding is emitted; spec permits receivers to tolerate its
// absence.
func EncodePaperURI(packed []byte) string {
	return PaperURIScheme + base64.URLEncoding.EncodeToString(packed)
}

// DecodePaperURI reverses EncodePaperURI, re-padding the base64url body
// to a multiple of 4 with '=' before decoding, since some encoders omit
// padding (spec §6).
func DecodePaperURI(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, PaperURIScheme) {
		return nil, fmt.Errorf("lxmf: not a paper URI: %q", uri)
	}
	body := strings.TrimPrefix(uri, PaperURIScheme)
	if rem := len(body) % 4; rem != 0 {
		body += strings.Repeat("=", 4-rem)
	}
	return base64.URLEncoding.DecodeString(body)
}

// IngestLXMURI decodes and delivers a paper message exactly once: a
// second ingest of the same URI is rejected by the router's ordinary
// transient-ID dedup (spec §8 scenario 6). Stamp enforcement is skipped
// for PAPER regardless of outcome (spec §4.1).
func (r *Router) IngestLXMURI(uri string) (bool, error) {
	raw, err := DecodePaperURI(uri)
	if err != nil {
		return false, err
	}
	if len(raw) < DestinationLength {
		return false, fmt.Errorf("lxmf: paper payload too short")
	}

	msg, err := Unpack(raw, nil, r.resolveIdentity)
	if err != nil {
		return false, err
	}

	key := keyOf(msg.TransientID)
	r.mu.Lock()
	if _, dup := r.dedup[key]; dup {
		r.mu.Unlock()
		return false, nil
	}
	r.dedup[key] = time.Now()
	r.mu.Unlock()

	msg.Method = MethodPaper
	r.deliver(msg)
	return true, nil
}
