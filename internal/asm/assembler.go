// Package asm implements the bidirectional mapping between EVM mnemonic
// source and hex bytecode: Assemble and Disassemble.
package asm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/fvictorio/evmd/internal/opcodes"
)

// Assemble parses mnemonic source, one instruction per line, into "0x"-
// prefixed lowercase hex bytecode. For canonical source (uppercase mnemonic,
// one space, full-width lowercase "0x" immediate, no comments), Disassemble
// of the result gives back the same source.
func Assemble(source string) (string, error) {
	stripped := stripComments(source)
	lines := strings.Split(stripped, "\n")

	var out strings.Builder
	out.WriteString("0x")

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lineNo := i + 1

		tokens := strings.Fields(line)
		mnemonic := strings.ToUpper(tokens[0])
		info, ok := opcodes.LookupMnemonic(mnemonic)
		if !ok {
			return "", &Error{Kind: UnknownMnemonic, Line: lineNo, Text: tokens[0]}
		}

		fmt.Fprintf(&out, "%02x", info.Code)

		if info.ImmediateBytes == 0 {
			continue
		}
		if len(tokens) < 2 {
			return "", &Error{Kind: MissingImmediate, Line: lineNo, Text: mnemonic, Bytes: info.ImmediateBytes}
		}

		value, err := parseImmediate(tokens[1])
		if err != nil {
			return "", &Error{Kind: MissingImmediate, Line: lineNo, Text: mnemonic, Bytes: info.ImmediateBytes}
		}
		if value.Sign() < 0 {
			return "", &Error{Kind: NegativeImmediate, Line: lineNo, Text: mnemonic, Value: tokens[1]}
		}
		if value.BitLen() > info.ImmediateBytes*8 {
			return "", &Error{Kind: ImmediateTooLarge, Line: lineNo, Text: mnemonic, Bytes: info.ImmediateBytes, Value: tokens[1]}
		}

		fmt.Fprintf(&out, "%0*x", info.ImmediateBytes*2, value)
	}

	return out.String(), nil
}

// parseImmediate accepts a hex literal ("0x"/"0X" prefixed) or a decimal
// literal and returns the parsed integer (which may be negative, left to the
// caller to reject).
func parseImmediate(token string) (*big.Int, error) {
	value := new(big.Int)
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		if _, ok := value.SetString(token[2:], 16); !ok {
			return nil, fmt.Errorf("invalid hex immediate %q", token)
		}
		return value, nil
	}
	if _, ok := value.SetString(token, 10); !ok {
		return nil, fmt.Errorf("invalid decimal immediate %q", token)
	}
	return value, nil
}

// stripComments removes "// ..." line comments and "/* ... */" block
// comments (which may span multiple lines), preserving every newline so
// that line numbers in subsequent error messages still refer to the
// original source.
func stripComments(source string) string {
	var out strings.Builder
	n := len(source)
	i := 0
	for i < n {
		if i+1 < n && source[i] == '/' && source[i+1] == '/' {
			for i < n && source[i] != '\n' {
				i++
			}
			continue
		}
		if i+1 < n && source[i] == '/' && source[i+1] == '*' {
			i += 2
			for i < n && !(i+1 < n && source[i] == '*' && source[i+1] == '/') {
				if source[i] == '\n' {
					out.WriteByte('\n')
				}
				i++
			}
			if i+1 < n {
				i += 2 // consume closing "*/"
			} else {
				i = n // unterminated block comment: consume to EOF
			}
			continue
		}
		out.WriteByte(source[i])
		i++
	}
	return out.String()
}
