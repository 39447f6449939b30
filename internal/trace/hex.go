package trace

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// hexBytes renders b as the spec's "0x"-prefixed lowercase hex convention,
// with the empty byte string rendered as "0x".
func hexBytes(b []byte) string {
	if len(b) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(b)
}

// hexUint256 renders a stack/storage word as a big-endian hex string with no
// leading zeros, e.g. "0x42" or "0x0" for zero.
func hexUint256(v *uint256.Int) string {
	if v == nil || v.IsZero() {
		return "0x0"
	}
	s := strings.TrimLeft(hex.EncodeToString(v.Bytes()), "0")
	if s == "" {
		return "0x0"
	}
	return "0x" + s
}

// hexBigInt renders a big.Int the same way: no leading zeros, "0x0" for zero.
func hexBigInt(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + strings.TrimLeft(v.Text(16), "0")
}

// parseHexWord parses a spec-format hex word (as produced by hexUint256)
// back into a uint256.Int, used to recover a created address from a stack
// word.
func parseHexWord(s string) *uint256.Int {
	v := new(uint256.Int)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return v
	}
	if _, err := v.SetFromHex("0x" + s); err != nil {
		return new(uint256.Int)
	}
	return v
}
