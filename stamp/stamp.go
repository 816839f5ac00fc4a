// Package stamp implements the LXMF proof-of-work "stamp" engine (spec
// §4.2): HKDF-expanded workblock derivation, a parallel search for a
// stamp meeting a target difficulty, and validation, byte-exact with the
// reference Python implementation for interoperability.
package stamp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding"
	"io"
	"math/big"
	"runtime"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/hkdf"
)

// Round counts for the two workblock callers named in spec §4.2.
const (
	MessageRounds         = 3000
	PropagationNodeRounds = 1000
)

// StampLength is the fixed size of a stamp token (spec §4.2, §6).
const StampLength = 32

// searchWorkers caps the PoW worker pool at min(cores, 8) per spec §4.2.
func searchWorkers() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Workblock derives the PoW search space for material (typically a
// message_id) by concatenating `rounds` HKDF-SHA256 expansions, each
// salted with SHA256(material || msgpack_int(n)) for n in [0, rounds).
//
// This must remain byte-exact with the reference implementation: the
// salt is computed over the *msgpack encoding* of the round index (a
// Python int), not its raw binary form, and each round contributes
// exactly 256 output bytes (L=256) with an empty HKDF "info".
func Workblock(material []byte, rounds int) ([]byte, error) {
	out := make([]byte, 0, rounds*256)
	for n := 0; n < rounds; n++ {
		roundIndex, err := msgpack.Marshal(n)
		if err != nil {
			return nil, err
		}
		saltInput := make([]byte, 0, len(material)+len(roundIndex))
		saltInput = append(saltInput, material...)
		saltInput = append(saltInput, roundIndex...)
		salt := sha256.Sum256(saltInput)

		reader := hkdf.New(sha256.New, material, salt[:], nil)
		block := make([]byte, 256)
		if _, err := io.ReadFull(reader, block); err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

// target returns 1 << (256 - cost) as a big.Int, the threshold a stamp's
// SHA256(workblock||stamp) must fall at or under (spec §4.2).
func target(cost int) *big.Int {
	t := big.NewInt(1)
	return t.Lsh(t, uint(256-cost))
}

// Value returns the number of leading zero bits of SHA256(workblock ||
// stamp) interpreted as a big-endian unsigned 256-bit integer — the
// "value" of a stamp per spec §4.2.
func Value(workblock, stampBytes []byte) int {
	sum := sha256.Sum256(append(append([]byte(nil), workblock...), stampBytes...))
	n := new(big.Int).SetBytes(sum[:])
	return 256 - n.BitLen()
}

// IsValid reports whether stampBytes meets cost against workblock.
func IsValid(stampBytes []byte, cost int, workblock []byte) bool {
	if len(stampBytes) != StampLength {
		return false
	}
	sum := sha256.Sum256(append(append([]byte(nil), workblock...), stampBytes...))
	n := new(big.Int).SetBytes(sum[:])
	return n.Cmp(target(cost)) <= 0
}

// Generate runs a parallel PoW search over workblock for a stamp meeting
// cost, cancellable via ctx. Workers draw random 32-byte candidates from
// crypto/rand and yield cooperatively every yieldEvery rounds so
// cancellation is prompt (spec §5 "stamp search: yield every ~1000
// rounds").
func Generate(ctx context.Context, workblock []byte, cost int) ([]byte, error) {
	const yieldEvery = 1000

	found := make(chan []byte, 1)
	done := make(chan struct{})
	var stopOnce sync.Once

	// Snapshot SHA256(workblock || ...) state once so every candidate only
	// pays for hashing its own 32 bytes, not the whole (possibly 750KB+)
	// workblock on every attempt.
	prefix := sha256.New()
	prefix.Write(workblock)
	prefixState, err := prefix.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return nil, err
	}

	workers := searchWorkers()
	for i := 0; i < workers; i++ {
		go func() {
			candidate := make([]byte, StampLength)
			t := target(cost)
			tgt := new(big.Int)
			rounds := 0
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				default:
				}
				if _, err := rand.Read(candidate); err != nil {
					return
				}
				h := sha256.New()
				_ = h.(encoding.BinaryUnmarshaler).UnmarshalBinary(prefixState)
				h.Write(candidate)
				sum := h.Sum(nil)
				tgt.SetBytes(sum)
				if tgt.Cmp(t) <= 0 {
					select {
					case found <- append([]byte(nil), candidate...):
						stopOnce.Do(func() { close(done) })
					default:
					}
					return
				}
				rounds++
				if rounds%yieldEvery == 0 {
					runtime.Gosched()
				}
			}
		}()
	}

	select {
	case s := <-found:
		stopOnce.Do(func() { close(done) })
		return s, nil
	case <-ctx.Done():
		stopOnce.Do(func() { close(done) })
		return nil, ctx.Err()
	}
}

