package asm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fvictorio/evmd/internal/opcodes"
)

// Disassemble walks hex bytecode (optional "0x"/"0X" prefix, any case) byte
// by byte and reverses the opcode table's mapping into mnemonic source, one
// instruction per line.
func Disassemble(bytecode string) (string, error) {
	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(bytecode, "0x"), "0X"))
	if len(normalized)%2 != 0 {
		return "", &Error{Kind: OddLengthHex}
	}
	for _, r := range normalized {
		if !isHexDigit(r) {
			return "", &Error{Kind: NonHexChar, Text: string(r)}
		}
	}

	data, err := hex.DecodeString(normalized)
	if err != nil {
		return "", &Error{Kind: NonHexChar, Text: err.Error()}
	}

	var lines []string
	pc := 0
	for pc < len(data) {
		op := data[pc]
		info := opcodes.Lookup(op)
		if !info.IsDefined() {
			lines = append(lines, fmt.Sprintf("INVALID(0x%02x)", op))
			pc++
			continue
		}
		if info.ImmediateBytes == 0 {
			lines = append(lines, info.Mnemonic)
			pc++
			continue
		}

		n := info.ImmediateBytes
		available := len(data) - (pc + 1)
		if available < 0 {
			available = 0
		}
		take := n
		truncated := available < n
		if truncated {
			take = available
		}
		operand := data[pc+1 : pc+1+take]
		line := fmt.Sprintf("%s 0x%s", info.Mnemonic, hex.EncodeToString(operand))
		if truncated {
			line += " // truncated"
		}
		lines = append(lines, line)
		pc += 1 + take
	}

	return strings.Join(lines, "\n"), nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
