package util

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string without prefix. Miner-facing
// payloads never carry 0x.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// MustHexToBytes converts hex string to bytes, panics on error
func MustHexToBytes(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// ReverseBytes reverses a byte slice in place
func ReverseBytes(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}

// IsValidHex checks if string is valid hexadecimal
func IsValidHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	_, err := hex.DecodeString(s)
	return err == nil
}

// ValidateNonce validates nonce format (4 bytes / 8 hex chars)
func ValidateNonce(nonce string) bool {
	if len(nonce) != 8 {
		return false
	}
	return IsValidHex(nonce)
}

// ValidateHash validates hash format (32 bytes / 64 hex chars)
func ValidateHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	return IsValidHex(hash)
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func isBase58(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune(base58Alphabet, c) {
			return false
		}
	}
	return true
}

// Krypton address formats. Standard addresses are 95 characters with the
// "KN" prefix; integrated addresses carry an embedded payment ID and are
// 106 characters with the "KNi" prefix; subaddresses use "KNs".
const (
	StandardAddressLen   = 95
	IntegratedAddressLen = 106
)

// ValidateAddress validates a Krypton payout address
func ValidateAddress(addr string) bool {
	switch {
	case strings.HasPrefix(addr, "KNi"):
		return len(addr) == IntegratedAddressLen && isBase58(addr[3:])
	case strings.HasPrefix(addr, "KNs"):
		return len(addr) == StandardAddressLen && isBase58(addr[3:])
	case strings.HasPrefix(addr, "KN"):
		return len(addr) == StandardAddressLen && isBase58(addr[2:])
	}
	return false
}

// IsIntegratedAddress reports whether addr carries an embedded payment ID
func IsIntegratedAddress(addr string) bool {
	return strings.HasPrefix(addr, "KNi") && len(addr) == IntegratedAddressLen
}

// ValidateBitcoinAddress validates a payout address on the bitcoin side of a
// cross-chain payout. Format checks only; no consensus rules.
func ValidateBitcoinAddress(addr string) bool {
	switch {
	case strings.HasPrefix(addr, "bc1"):
		return len(addr) >= 42 && len(addr) <= 62
	case strings.HasPrefix(addr, "1"), strings.HasPrefix(addr, "3"):
		return len(addr) >= 26 && len(addr) <= 35 && isBase58(addr)
	}
	return false
}

// ValidatePaymentID validates a hex payment ID (16 or 64 hex chars)
func ValidatePaymentID(id string) bool {
	if len(id) != 16 && len(id) != 64 {
		return false
	}
	return IsValidHex(id)
}
