package loader

import (
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"
)

// decodeContentStream pulls the strings shown by Tj, TJ, ' and " out of a
// PDF page content stream. Line moves and ET start a new line. Glyph-id
// encoded hex strings that do not decode to printable text are dropped.
func decodeContentStream(data []byte) string {
	var (
		out      strings.Builder
		operands []string
		inArray  bool
		arrayBuf strings.Builder
	)
	newline := func() {
		s := out.String()
		if len(s) > 0 && s[len(s)-1] != '\n' {
			out.WriteByte('\n')
		}
	}
	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '/':
			i++
			for i < len(data) && !isDelimiter(data[i]) {
				i++
			}
		case c == '(':
			s, next := readLiteral(data, i)
			i = next
			if inArray {
				arrayBuf.WriteString(s)
			} else {
				operands = append(operands, s)
			}
		case c == '<' && i+1 < len(data) && data[i+1] == '<':
			i += 2
		case c == '>' && i+1 < len(data) && data[i+1] == '>':
			i += 2
		case c == '<':
			s, next := readHex(data, i)
			i = next
			if inArray {
				arrayBuf.WriteString(s)
			} else {
				operands = append(operands, s)
			}
		case c == '[':
			inArray = true
			arrayBuf.Reset()
			i++
		case c == ']':
			inArray = false
			operands = append(operands, arrayBuf.String())
			i++
		case c == '-' || c == '.' || c == '+' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(data) && (data[i] == '.' || (data[i] >= '0' && data[i] <= '9')) {
				i++
			}
			// Large negative kerning inside TJ arrays separates words.
			if inArray {
				if v, err := strconv.ParseFloat(string(data[start:i]), 64); err == nil && v < -200 {
					arrayBuf.WriteByte(' ')
				}
			}
		case isOperatorByte(c):
			start := i
			for i < len(data) && isOperatorByte(data[i]) {
				i++
			}
			if inArray {
				continue
			}
			switch string(data[start:i]) {
			case "Tj", "TJ":
				out.WriteString(strings.Join(operands, ""))
			case "'", `"`:
				newline()
				out.WriteString(strings.Join(operands, ""))
			case "Td", "TD", "T*", "ET":
				newline()
			}
			operands = operands[:0]
		default:
			i++
		}
	}
	return out.String()
}

func isDelimiter(c byte) bool {
	return unicode.IsSpace(rune(c)) || strings.IndexByte("()<>[]{}/%", c) >= 0
}

func isOperatorByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*' || c == '\'' || c == '"'
}

// readLiteral decodes a balanced (...) string starting at data[start].
func readLiteral(data []byte, start int) (string, int) {
	var b strings.Builder
	depth := 0
	i := start
	for i < len(data) {
		c := data[i]
		switch c {
		case '(':
			if depth > 0 {
				b.WriteByte(c)
			}
			depth++
			i++
		case ')':
			depth--
			i++
			if depth == 0 {
				return b.String(), i
			}
			b.WriteByte(c)
		case '\\':
			i++
			if i >= len(data) {
				return b.String(), i
			}
			esc := data[i]
			switch esc {
			case 'n':
				b.WriteByte('\n')
				i++
			case 'r':
				i++
			case 't':
				b.WriteByte('\t')
				i++
			case 'b', 'f':
				i++
			case '\n':
				i++
			case '0', '1', '2', '3', '4', '5', '6', '7':
				j := i
				for j < len(data) && j < i+3 && data[j] >= '0' && data[j] <= '7' {
					j++
				}
				v, _ := strconv.ParseUint(string(data[i:j]), 8, 8)
				b.WriteByte(byte(v))
				i = j
			default:
				b.WriteByte(esc)
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i
}

// readHex decodes a <...> hex string starting at data[start].
func readHex(data []byte, start int) (string, int) {
	i := start + 1
	var digits []byte
	for i < len(data) && data[i] != '>' {
		if !unicode.IsSpace(rune(data[i])) {
			digits = append(digits, data[i])
		}
		i++
	}
	if i < len(data) {
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw, err := hex.DecodeString(string(digits))
	if err != nil {
		return "", i
	}
	for _, r := range raw {
		if r < 0x20 && r != '\n' && r != '\t' {
			return "", i
		}
	}
	return string(raw), i
}
