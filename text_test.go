package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

// packSeptets packs 7-bit values LSB first after fillBits of padding
func packSeptets(septets []byte, fillBits int) []byte {
	out := make([]byte, (fillBits+7*len(septets)+7)/8)
	for i, s := range septets {
		bit := fillBits + 7*i
		out[bit/8] |= s << (bit % 8)
		if bit%8 > 1 {
			out[bit/8+1] |= s >> (8 - bit%8)
		}
	}
	return out
}

func TestDecodeGSM7_Hello(t *testing.T) {
	assert.Equal(t, "Hello", decodeGSM7([]byte{0xC8, 0x32, 0x9B, 0xFD, 0x06}, 5, 0))
	assert.Equal(t, "Test", decodeGSM7([]byte{0xD4, 0xF2, 0x9C, 0x0E}, 4, 0))
}

func TestDecodeGSM7_PrintableASCIIRoundTrip(t *testing.T) {
	var septets []byte
	var want []byte
	for c := byte(0x20); c <= 0x7E; c++ {
		switch c {
		case '$', '@', '_', '`', '[', ']', '{', '}', '\\', '^', '~', '|':
			// not at their ASCII position in the GSM alphabet
			continue
		}
		septets = append(septets, c)
		want = append(want, c)
	}

	for fill := 0; fill < 7; fill++ {
		got := decodeGSM7(packSeptets(septets, fill), len(septets), fill)
		assert.Equal(t, string(want), got, "fill bits %d", fill)
	}
}

func TestDecodeGSM7_BasicTable(t *testing.T) {
	tests := []struct {
		septet byte
		want   string
	}{
		{0x00, "@"},
		{0x01, "£"},
		{0x02, "$"},
		{0x0A, "\n"},
		{0x0D, "\r"},
		{0x10, "Δ"},
		{0x11, "_"},
		{0x20, " "},
		{0x30, "0"},
		{0x41, "A"},
		{0x5B, "Ä"},
		{0x61, "a"},
		{0x7F, "à"},
	}

	for _, tt := range tests {
		got := decodeGSM7(packSeptets([]byte{tt.septet}, 0), 1, 0)
		assert.Equal(t, tt.want, got, "septet %#02x", tt.septet)
	}
}

func TestDecodeGSM7_Escape(t *testing.T) {
	tests := []struct {
		name    string
		septets []byte
		want    string
	}{
		{"euro", []byte{0x1B, 0x65}, "€"},
		{"form feed", []byte{0x1B, 0x0A}, "\f"},
		{"caret", []byte{0x1B, 0x14}, "^"},
		{"braces", []byte{0x1B, 0x28, 0x1B, 0x29}, "{}"},
		{"backslash", []byte{0x1B, 0x2F}, "\\"},
		{"brackets", []byte{0x1B, 0x3C, 0x1B, 0x3E}, "[]"},
		{"tilde", []byte{0x1B, 0x3D}, "~"},
		{"pipe", []byte{0x1B, 0x40}, "|"},
		{"unmapped", []byte{0x1B, 0x41}, "?"},
		{"inside text", []byte{'a', 0x1B, 0x65, 'b'}, "a€b"},
		{"trailing escape", []byte{'a', 0x1B}, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeGSM7(packSeptets(tt.septets, 0), len(tt.septets), 0)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeGSM7_Bounded(t *testing.T) {
	data := packSeptets([]byte("Hello"), 0)

	// asking for more characters than the buffer holds stops at the end
	got := decodeGSM7(data, 20, 0)
	assert.LessOrEqual(t, len([]rune(got)), 20)
	assert.Contains(t, got, "Hello")

	assert.Equal(t, "", decodeGSM7(nil, 5, 0))
	assert.Equal(t, "", decodeGSM7(data, 0, 0))
}

func TestDecodeUCS2(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "cyrillic text Привет",
			data: []byte{0x04, 0x1F, 0x04, 0x40, 0x04, 0x38, 0x04, 0x32, 0x04, 0x35, 0x04, 0x42},
			want: "Привет",
		},
		{
			name: "english hello",
			data: []byte{0x00, 0x48, 0x00, 0x65, 0x00, 0x6C, 0x00, 0x6C, 0x00, 0x6F},
			want: "Hello",
		},
		{
			name: "emoji (surrogate pair)",
			data: []byte{0xD8, 0x3D, 0xDE, 0x00},
			want: "\U0001F600",
		},
		{
			name: "big endian BOM skipped",
			data: []byte{0xFE, 0xFF, 0x00, 0x41},
			want: "A",
		},
		{
			name: "swapped BOM skipped",
			data: []byte{0xFF, 0xFE, 0x00, 0x41},
			want: "A",
		},
		{
			name: "BOM only at start",
			data: []byte{0x00, 0x41, 0xFE, 0xFF},
			want: "A\uFEFF",
		},
		{
			name: "lone low surrogate",
			data: []byte{0xDE, 0x00, 0x00, 0x41},
			want: "\uFFFDA",
		},
		{
			name: "high surrogate followed by BMP",
			data: []byte{0xD8, 0x3D, 0x00, 0x41},
			want: "\uFFFDA",
		},
		{
			name: "trailing high surrogate",
			data: []byte{0x00, 0x41, 0xD8, 0x3D},
			want: "A\uFFFD",
		},
		{
			name: "odd trailing byte ignored",
			data: []byte{0x00, 0x41, 0x00},
			want: "A",
		},
		{
			name: "empty",
			data: nil,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeUCS2(tt.data))
		})
	}
}

func TestDecodeUCS2_MatchesUTF16BE(t *testing.T) {
	decoder := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	encoder := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()

	samples := []string{
		"Hello, world",
		"Тест 123",
		"Ελληνικά",
		"日本語のテキスト",
		"mixed 😀 emoji 🚀 and text",
		"€ £ ¥",
	}

	for _, s := range samples {
		data, err := encoder.Bytes([]byte(s))
		require.NoError(t, err)

		want, err := decoder.Bytes(data)
		require.NoError(t, err)

		assert.Equal(t, string(want), decodeUCS2(data))
		assert.Equal(t, s, decodeUCS2(data))
	}
}
