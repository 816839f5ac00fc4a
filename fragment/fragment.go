// Package fragment implements the BLE transport's MTU-bounded packet
// fragmenter and reassembler (spec §4.5): a 5-byte big-endian header
// (type, sequence, total) split/merge scheme used because BLE GATT
// writes/notifications are bounded by the negotiated MTU.
package fragment

import (
	"encoding/binary"
	"errors"
)

// FragmentType identifies a fragment's position in its packet.
type FragmentType byte

const (
	TypeStart    FragmentType = 0x01
	TypeContinue FragmentType = 0x02
	TypeEnd      FragmentType = 0x03
)

// HeaderLength is the fixed 5-byte header: type(1) || seq(2) || total(2).
const HeaderLength = 5

// MaxTotal is the largest fragment count a single packet may have (total
// is a uint16, spec §4.5 "Max total = 65535").
const MaxTotal = 65535

var (
	ErrMTUTooSmall   = errors.New("fragment: mtu must exceed header length")
	ErrEmptyPacket   = errors.New("fragment: cannot fragment an empty packet")
	ErrTooManyFrags  = errors.New("fragment: packet requires more than 65535 fragments at this mtu")
	ErrHeaderTooShort = errors.New("fragment: frame shorter than header")
)

// Frame is one decoded fragment.
type Frame struct {
	Type    FragmentType
	Seq     uint16
	Total   uint16
	Payload []byte
}

// Encode serializes a Frame back to wire bytes.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderLength+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], f.Seq)
	binary.BigEndian.PutUint16(buf[3:5], f.Total)
	copy(buf[HeaderLength:], f.Payload)
	return buf
}

// Decode parses wire bytes into a Frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < HeaderLength {
		return Frame{}, ErrHeaderTooShort
	}
	return Frame{
		Type:    FragmentType(raw[0]),
		Seq:     binary.BigEndian.Uint16(raw[1:3]),
		Total:   binary.BigEndian.Uint16(raw[3:5]),
		Payload: append([]byte(nil), raw[HeaderLength:]...),
	}, nil
}

// Split fragments packet into MTU-bounded frames, each carrying up to
// (mtu - HeaderLength) payload bytes. A packet that fits in one fragment
// still uses TypeStart with total=1 (spec §4.5, scenario 1).
func Split(packet []byte, mtu int) ([]Frame, error) {
	if mtu <= HeaderLength {
		return nil, ErrMTUTooSmall
	}
	if len(packet) == 0 {
		return nil, ErrEmptyPacket
	}
	chunkSize := mtu - HeaderLength
	total := (len(packet) + chunkSize - 1) / chunkSize
	if total > MaxTotal {
		return nil, ErrTooManyFrags
	}

	frames := make([]Frame, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(packet) {
			end = len(packet)
		}
		typ := TypeContinue
		switch {
		case total == 1:
			typ = TypeStart
		case seq == 0:
			typ = TypeStart
		case seq == total-1:
			typ = TypeEnd
		}
		frames = append(frames, Frame{
			Type:    typ,
			Seq:     uint16(seq),
			Total:   uint16(total),
			Payload: append([]byte(nil), packet[start:end]...),
		})
	}
	return frames, nil
}

// Join concatenates an ordered, complete set of frames (already validated
// by a Reassembler) back into the original packet bytes.
func Join(frames []Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f.Payload...)
	}
	return out
}
