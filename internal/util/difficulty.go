package util

import (
	"encoding/binary"
	"math"
	"math/big"
)

// Diff1Target is the difficulty-1 target, 2^256 - 1: every nonzero
// hash meets it. Hashes on the wire are little-endian, so they are
// reversed before any comparison against a target.
var Diff1Target = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// hashToInt interprets a 32-byte little-endian hash as an integer
func hashToInt(hash []byte) *big.Int {
	reversed := make([]byte, 32)
	for i, b := range hash {
		reversed[31-i] = b
	}
	return new(big.Int).SetBytes(reversed)
}

// DifficultyToTarget converts difficulty to the full 256-bit target
func DifficultyToTarget(difficulty uint64) *big.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	return new(big.Int).Div(Diff1Target, new(big.Int).SetUint64(difficulty))
}

// TargetToDifficulty converts a target back to difficulty
func TargetToDifficulty(target *big.Int) uint64 {
	if target.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Div(Diff1Target, target)
	if !diff.IsUint64() {
		return math.MaxUint64
	}
	return diff.Uint64()
}

// HashToDifficulty calculates the difficulty a hash achieves. A
// malformed or all-zero hash scores 0, which fails every check.
func HashToDifficulty(hash []byte) uint64 {
	if len(hash) != 32 {
		return 0
	}

	hashInt := hashToInt(hash)
	if hashInt.Sign() == 0 {
		return 0
	}

	diff := new(big.Int).Div(Diff1Target, hashInt)
	if !diff.IsUint64() {
		return math.MaxUint64
	}
	return diff.Uint64()
}

// HashMeetsTarget checks if hash meets the target
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	if len(hash) != 32 {
		return false
	}
	return hashToInt(hash).Cmp(target) <= 0
}

// HashMeetsDifficulty checks if hash meets the difficulty requirement
func HashMeetsDifficulty(hash []byte, difficulty uint64) bool {
	return HashMeetsTarget(hash, DifficultyToTarget(difficulty))
}

// DifficultyToTargetHex renders the compact 4-byte little-endian target
// miners expect in job descriptors: the top 32 bits of the full target.
func DifficultyToTargetHex(difficulty uint64) string {
	if difficulty == 0 {
		difficulty = 1
	}
	compact := uint32(0xFFFFFFFF / difficulty)
	if compact == 0 {
		compact = 1
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, compact)
	return BytesToHex(buf)
}

// NetworkHashrate estimates network hashrate from difficulty and block time
func NetworkHashrate(difficulty uint64, blockTimeSeconds float64) float64 {
	if blockTimeSeconds <= 0 {
		return 0
	}
	return float64(difficulty) / blockTimeSeconds
}

// EstimatedTimeToBlock estimates time to find a block given hashrate and difficulty
func EstimatedTimeToBlock(hashrate float64, difficulty uint64) float64 {
	if hashrate <= 0 {
		return 0
	}
	return float64(difficulty) / hashrate
}
