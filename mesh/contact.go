package mesh

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"lxmesh/rns"
)

// ContactAvatarInfo is the decoded lxmf/content metadata blob the
// teacher's profile.go/attachment.go attach to an announce (adapted as
// the SUPPLEMENTED "lxmf/content" feature, DESIGN.md).
type ContactAvatarInfo struct {
	HashHex string
	Mime    string
	Size    int
	Updated int64
}

type ContactInfo struct {
	DisplayName string
	Avatar      *ContactAvatarInfo
}

// ContactInfoHex looks up the cached remote identity for a destination
// hash and decodes its most recently announced app-data, adapted from
// the teacher's Node.ContactInfoHex. A positive timeout asks the
// transport to (re)request a path first, since an identity can be
// cached without app-data if it was only ever recalled from a link
// rather than a fresh announce.
func ContactInfoHex(transport rns.Transport, destinationHashHex string, timeout time.Duration) (ContactInfo, error) {
	destHash, err := hex.DecodeString(destinationHashHex)
	if err != nil {
		return ContactInfo{}, fmt.Errorf("decode destination hash: %w", err)
	}
	if len(destHash) != rns.HashLength {
		return ContactInfo{}, fmt.Errorf("invalid destination hash length: got %d want %d", len(destHash), rns.HashLength)
	}

	var id *rns.Identity
	if timeout <= 0 {
		id = transport.IdentityRecall(destHash)
		if id == nil || len(id.AppData) == 0 {
			return ContactInfo{}, nil
		}
	} else {
		transport.RequestPath(destHash)
		deadline := time.Now().Add(timeout)
		for {
			id = transport.IdentityRecall(destHash)
			if id != nil && len(id.AppData) > 0 {
				break
			}
			if time.Now().After(deadline) {
				return ContactInfo{}, nil
			}
			time.Sleep(120 * time.Millisecond)
		}
	}

	var raw []any
	if err := msgpack.Unmarshal(id.AppData, &raw); err != nil {
		return ContactInfo{}, nil
	}
	out := ContactInfo{}
	if len(raw) > 0 {
		switch v := raw[0].(type) {
		case []byte:
			out.DisplayName = string(v)
		case string:
			out.DisplayName = v
		}
	}

	if len(raw) > 2 {
		if m, ok := raw[2].(map[any]any); ok {
			av := &ContactAvatarInfo{}
			if hv, ok := m["h"]; ok {
				if b, ok := hv.([]byte); ok && len(b) > 0 {
					av.HashHex = hex.EncodeToString(b)
				}
			}
			if tv, ok := m["t"].(string); ok {
				av.Mime = tv
			}
			if sv, ok := m["s"]; ok {
				av.Size = toInt(sv)
			}
			if uv, ok := m["u"]; ok {
				av.Updated = int64(toInt(uv))
			}
			if av.HashHex != "" || av.Mime != "" || av.Size != 0 || av.Updated != 0 {
				out.Avatar = av
			}
		}
	}
	return out, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}
