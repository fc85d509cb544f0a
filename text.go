package main

import (
	"strings"
	"unicode/utf8"
)

const (
	gsm7Escape  = 0x1B
	unknownChar = "?"
)

// GSM 7-bit default alphabet
var gsm7Basic = [128]string{
	"@", "£", "$", "¥", "è", "é", "ù", "ì", "ò", "Ç", "\n", "Ø", "ø", "\r", "Å", "å",
	"Δ", "_", "Φ", "Γ", "Λ", "Ω", "Π", "Ψ", "Σ", "Θ", "Ξ", "\x1b", "Æ", "æ", "ß", "É",
	" ", "!", "\"", "#", "¤", "%", "&", "'", "(", ")", "*", "+", ",", "-", ".", "/",
	"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", ":", ";", "<", "=", ">", "?",
	"¡", "A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M", "N", "O",
	"P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z", "Ä", "Ö", "Ñ", "Ü", "§",
	"¿", "a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o",
	"p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z", "ä", "ö", "ñ", "ü", "à",
}

// GSM 7-bit extension table, reached through the 0x1B escape
var gsm7Extension = map[byte]string{
	0x0A: "\f",
	0x14: "^",
	0x28: "{",
	0x29: "}",
	0x2F: "\\",
	0x3C: "[",
	0x3D: "~",
	0x3E: "]",
	0x40: "|",
	0x65: "€",
}

// decodeGSM7 unpacks numChars septets from data, starting fillBits into the
// first byte. Escape pairs collapse into a single character, so the result
// may hold fewer characters than numChars.
func decodeGSM7(data []byte, numChars int, fillBits int) string {
	var sb strings.Builder
	sb.Grow(numChars)

	bitPos := fillBits
	escape := false

	for i := 0; i < numChars; i++ {
		byteIdx := bitPos / 8
		shift := bitPos % 8
		if byteIdx >= len(data) {
			break
		}

		septet := data[byteIdx] >> shift
		if shift > 1 && byteIdx+1 < len(data) {
			// The septet straddles two octets
			septet |= data[byteIdx+1] << (8 - shift)
		}
		septet &= 0x7F
		bitPos += 7

		switch {
		case escape:
			if s, ok := gsm7Extension[septet]; ok {
				sb.WriteString(s)
			} else {
				sb.WriteString(unknownChar)
			}
			escape = false
		case septet == gsm7Escape:
			escape = true
		default:
			sb.WriteString(gsm7Basic[septet])
		}
	}

	return sb.String()
}

// decodeUCS2 decodes big-endian 16-bit text, recombining surrogate pairs.
// Unpaired surrogates become U+FFFD.
func decodeUCS2(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data))

	i := 0
	if len(data) >= 2 {
		if bom := uint16(data[0])<<8 | uint16(data[1]); bom == 0xFEFF || bom == 0xFFFE {
			i = 2
		}
	}

	var high uint16
	for ; i+1 < len(data); i += 2 {
		code := uint16(data[i])<<8 | uint16(data[i+1])

		switch {
		case code >= 0xD800 && code <= 0xDBFF:
			if high != 0 {
				sb.WriteRune(utf8.RuneError)
			}
			high = code
			continue
		case code >= 0xDC00 && code <= 0xDFFF:
			if high == 0 {
				sb.WriteRune(utf8.RuneError)
				continue
			}
			r := 0x10000 + (rune(high-0xD800)<<10 | rune(code-0xDC00))
			sb.WriteRune(r)
			high = 0
			continue
		}

		if high != 0 {
			sb.WriteRune(utf8.RuneError)
			high = 0
		}
		sb.WriteRune(rune(code))
	}

	if high != 0 {
		sb.WriteRune(utf8.RuneError)
	}

	return sb.String()
}
