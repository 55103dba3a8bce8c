// Package pow implements the Krypton Hash proof-of-work family used to
// verify mining shares. All variants share the same scratchpad construction
// and differ only in memory size and pass count, which is what makes their
// relative cost ("hash factor") meaningful across algorithms.
package pow

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Algo identifies a proof-of-work variant
type Algo string

const (
	AlgoKN      Algo = "kn"
	AlgoKNLite  Algo = "kn-lite"
	AlgoKNHeavy Algo = "kn-heavy"
)

const (
	// NonceOffset is the byte offset of the 4-byte miner nonce in a block blob
	NonceOffset = 39

	// NonceSize is the miner nonce size in bytes
	NonceSize = 4

	// MinBlobSize is the smallest valid block blob
	MinBlobSize = 76

	// MaxBlobSize bounds miner-supplied blobs
	MaxBlobSize = 4096

	// OutputSize is the hash output size
	OutputSize = 32

	// MixConstant is the mixing constant
	MixConstant = 0x517cc1b727220a95
)

// params holds the per-variant scratchpad parameters
type params struct {
	memoryWords  int // scratchpad size in 64-bit words
	memoryPasses int
	mixingRounds int
}

var algoParams = map[Algo]params{
	AlgoKN:      {memoryWords: 8192, memoryPasses: 4, mixingRounds: 8},
	AlgoKNLite:  {memoryWords: 4096, memoryPasses: 2, mixingRounds: 8},
	AlgoKNHeavy: {memoryWords: 16384, memoryPasses: 4, mixingRounds: 8},
}

// ParseAlgo validates a miner-declared algorithm name
func ParseAlgo(s string) (Algo, error) {
	a := Algo(s)
	if _, ok := algoParams[a]; !ok {
		return "", fmt.Errorf("unknown algorithm %q", s)
	}
	return a, nil
}

// Known reports whether s names a supported variant
func Known(s string) bool {
	_, ok := algoParams[Algo(s)]
	return ok
}

// Algos returns all supported variants
func Algos() []Algo {
	return []Algo{AlgoKN, AlgoKNLite, AlgoKNHeavy}
}

// Hash computes the Krypton Hash of a block blob for the given variant.
// Returns nil for malformed input.
func Hash(algo Algo, blob []byte) []byte {
	p, ok := algoParams[algo]
	if !ok {
		return nil
	}
	if len(blob) < MinBlobSize || len(blob) > MaxBlobSize {
		return nil
	}

	scratchpad := initializeScratchpad(blob, p.memoryWords)
	sequentialMixing(scratchpad, p.memoryPasses)
	stridedMixing(scratchpad, p.mixingRounds)
	return finalize(scratchpad, blob, algo)
}

// initializeScratchpad expands Blake3(blob) into the scratchpad in counter mode
func initializeScratchpad(blob []byte, words int) []uint64 {
	scratchpad := make([]uint64, words)

	hasher := blake3.New()
	hasher.Write(blob)
	seed := hasher.Sum(nil)

	for i := 0; i < words; i += 4 {
		h := blake3.New()

		var counter [8]byte
		binary.LittleEndian.PutUint64(counter[:], uint64(i/4))

		h.Write(seed)
		h.Write(counter[:])
		block := h.Sum(nil)

		for j := 0; j < 4 && i+j < words; j++ {
			scratchpad[i+j] = binary.LittleEndian.Uint64(block[j*8 : (j+1)*8])
		}
	}

	return scratchpad
}

// sequentialMixing performs forward and backward passes over the scratchpad
func sequentialMixing(scratchpad []uint64, passes int) {
	n := len(scratchpad)
	for pass := 0; pass < passes; pass++ {
		for i := 1; i < n; i++ {
			scratchpad[i] ^= mixFunction(scratchpad[i-1], scratchpad[i])
		}
		for i := n - 2; i >= 0; i-- {
			scratchpad[i] ^= mixFunction(scratchpad[i+1], scratchpad[i])
		}
	}
}

// stridedMixing performs power-of-2 stride mixing
func stridedMixing(scratchpad []uint64, rounds int) {
	n := len(scratchpad)
	for round := 0; round < rounds; round++ {
		stride := 1 << round

		for i := 0; i < n; i++ {
			j := (i + stride) % n
			scratchpad[i] ^= mixFunction(scratchpad[j], scratchpad[i])
		}
	}
}

// mixFunction is the core mixing operation
func mixFunction(a, b uint64) uint64 {
	rotated := rotateRight(a, 17) ^ b
	mixed := rotated * MixConstant
	return rotateRight(mixed, 23)
}

func rotateRight(x uint64, k uint) uint64 {
	return (x >> k) | (x << (64 - k))
}

// finalize XOR-folds the scratchpad and hashes it together with the blob.
// The variant name is mixed in so the same blob never collides across algos.
func finalize(scratchpad []uint64, blob []byte, algo Algo) []byte {
	folded := make([]byte, 256)
	n := len(scratchpad)
	chunk := n / 32

	for i := 0; i < 32; i++ {
		var acc uint64
		for j := i * chunk; j < (i+1)*chunk; j++ {
			acc ^= scratchpad[j]
		}
		binary.LittleEndian.PutUint64(folded[i*8:(i+1)*8], acc)
	}

	h := blake3.New()
	h.Write([]byte(algo))
	h.Write(folded)
	h.Write(blob)
	return h.Sum(nil)[:OutputSize]
}

// SetNonce writes the miner nonce into a copy of the blob
func SetNonce(blob []byte, nonce []byte) []byte {
	if len(blob) < NonceOffset+NonceSize || len(nonce) != NonceSize {
		return nil
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	copy(out[NonceOffset:NonceOffset+NonceSize], nonce)
	return out
}
