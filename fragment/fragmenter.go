package fragment

// Fragmenter binds an MTU so callers don't have to thread it through
// every Split call; the BLE peer interface re-creates one on MTU
// renegotiation (spec §4.6 "MTU rotation").
type Fragmenter struct {
	mtu int
}

func NewFragmenter(mtu int) *Fragmenter {
	return &Fragmenter{mtu: mtu}
}

func (fr *Fragmenter) MTU() int { return fr.mtu }

func (fr *Fragmenter) Fragment(packet []byte) ([][]byte, error) {
	frames, err := Split(packet, fr.mtu)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Encode()
	}
	return out, nil
}
