package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Decode errors
var (
	ErrPDUTooShort  = errors.New("PDU too short")
	ErrInvalidHex   = errors.New("invalid PDU hex")
	ErrPDUTruncated = errors.New("PDU truncated")
	ErrEmptySender  = errors.New("decoded sender is empty")
	ErrEmptyText    = errors.New("decoded text is empty")

	ErrInvalidTimestamp = errors.New("invalid service centre timestamp")
)

// minPDUHexLen is the shortest hex string worth parsing
const minPDUHexLen = 20

// TimestampLayout renders a service centre timestamp as 20YY-MM-DD HH:MM:SS±HH:MM
const TimestampLayout = "2006-01-02 15:04:05-07:00"

const (
	pduFlagUDHI = 0x40

	toaTypeMask      = 0x70
	toaInternational = 0x10
	toaAlphanumeric  = 0x50

	dcsAlphabetMask = 0x0C
	dcs8Bit         = 0x04
	dcsUCS2         = 0x08

	ieiConcat8Bit  = 0x00
	ieiConcat16Bit = 0x08

	sctsSignBit = 0x08
)

// Encoding is the alphabet announced by the DCS byte
type Encoding int

const (
	EncodingGSM7 Encoding = iota
	// Encoding8Bit is recognized but decoded with the GSM 7-bit alphabet.
	Encoding8Bit
	EncodingUCS2
)

func (e Encoding) String() string {
	switch e {
	case EncodingGSM7:
		return "gsm7"
	case Encoding8Bit:
		return "8bit"
	case EncodingUCS2:
		return "ucs2"
	default:
		return "unknown"
	}
}

// PartInfo describes where a PDU sits inside a concatenated SMS.
// TotalParts and PartNumber are both 1 for a standalone message.
type PartInfo struct {
	IsMultipart bool
	Ref         int // 8-bit or 16-bit concatenation reference
	TotalParts  int
	PartNumber  int // 1-based
}

func singlePart() PartInfo {
	return PartInfo{TotalParts: 1, PartNumber: 1}
}

// Message is a decoded SMS-DELIVER, or a reassembled concatenated SMS
type Message struct {
	SourceID  int    // storage slot the PDU was read from, set by the caller
	SMSC      string // service centre number
	Sender    string // "+<digits>" or alphanumeric originator
	Text      string
	Timestamp time.Time
	Encoding  Encoding
	Part      PartInfo

	// Set on messages reassembled by the Concatenator
	Segments    int
	PartSources []int
}

// FormatTimestamp renders Timestamp with TimestampLayout
func (m *Message) FormatTimestamp() string {
	return m.Timestamp.Format(TimestampLayout)
}

// SegmentCount returns how many PDUs make up the message
func (m *Message) SegmentCount() int {
	if m.Segments > 0 {
		return m.Segments
	}
	return 1
}

// Sources returns the storage slots of every PDU that makes up the message
func (m *Message) Sources() []int {
	if len(m.PartSources) > 0 {
		return m.PartSources
	}
	return []int{m.SourceID}
}

// pduReader walks the decoded octets strictly left to right
type pduReader struct {
	data []byte
	pos  int
}

func (r *pduReader) next(field string) (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("%w: missing %s at octet %d", ErrPDUTruncated, field, r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *pduReader) take(n int, field string) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: %s needs %d octets at octet %d, have %d",
			ErrPDUTruncated, field, n, r.pos, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ParsePDU parses a hex-encoded SMS-DELIVER PDU as returned by AT+CMGL in PDU mode
func ParsePDU(pduHex string) (*Message, error) {
	pduHex = strings.TrimSpace(pduHex)
	if len(pduHex) < minPDUHexLen {
		return nil, fmt.Errorf("%w: %d hex characters, need at least %d", ErrPDUTooShort, len(pduHex), minPDUHexLen)
	}

	data, err := hex.DecodeString(pduHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}

	r := &pduReader{data: data}
	msg := &Message{Part: singlePart()}

	// 1. SMSC
	smscLen, err := r.next("SMSC length")
	if err != nil {
		return nil, err
	}
	smsc, err := r.take(int(smscLen), "SMSC")
	if err != nil {
		return nil, err
	}
	if len(smsc) > 1 {
		msg.SMSC = decodeNumber(smsc[1:], 2*(len(smsc)-1))
		if smsc[0]&toaTypeMask == toaInternational && msg.SMSC != "" {
			msg.SMSC = "+" + msg.SMSC
		}
	}

	// 2. First octet
	pduType, err := r.next("PDU type")
	if err != nil {
		return nil, err
	}
	hasUDH := pduType&pduFlagUDHI != 0

	// 3-5. Originating address
	oaLen, err := r.next("sender length")
	if err != nil {
		return nil, err
	}
	toa, err := r.next("sender type")
	if err != nil {
		return nil, err
	}
	msg.Sender, err = decodeAddress(r, int(oaLen), toa)
	if err != nil {
		return nil, err
	}

	// 6. PID
	if _, err := r.next("PID"); err != nil {
		return nil, err
	}

	// 7. DCS
	dcs, err := r.next("DCS")
	if err != nil {
		return nil, err
	}
	switch dcs & dcsAlphabetMask {
	case dcsUCS2:
		msg.Encoding = EncodingUCS2
	case dcs8Bit:
		msg.Encoding = Encoding8Bit
	default:
		msg.Encoding = EncodingGSM7
	}

	// 8. SCTS
	scts, err := r.take(7, "timestamp")
	if err != nil {
		return nil, err
	}
	msg.Timestamp, err = decodeSCTS(scts)
	if err != nil {
		return nil, err
	}

	// 9. UDL
	udl, err := r.next("UDL")
	if err != nil {
		return nil, err
	}

	// 10. UD
	msg.Text, err = decodeUserData(r, msg, int(udl), hasUDH)
	if err != nil {
		return nil, err
	}

	if msg.Sender == "" {
		return nil, ErrEmptySender
	}
	if msg.Text == "" {
		return nil, ErrEmptyText
	}

	return msg, nil
}

// IsDecodeError reports whether err came from ParsePDU
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrPDUTooShort) ||
		errors.Is(err, ErrInvalidHex) ||
		errors.Is(err, ErrPDUTruncated) ||
		errors.Is(err, ErrEmptySender) ||
		errors.Is(err, ErrEmptyText) ||
		errors.Is(err, ErrInvalidTimestamp)
}

// decodeAddress reads an originating address. length counts digits for a
// number and semi-octets for an alphanumeric originator.
func decodeAddress(r *pduReader, length int, toa byte) (string, error) {
	if toa&toaTypeMask == toaAlphanumeric {
		data, err := r.take((length+1)/2, "alphanumeric sender")
		if err != nil {
			return "", err
		}
		chars := length * 4 / 7
		name := decodeGSM7(data, chars, 0)
		// a septet made only of fill bits decodes as '@'
		if chars%8 == 0 && strings.HasSuffix(name, "@") {
			name = strings.TrimSuffix(name, "@")
		}
		return name, nil
	}

	data, err := r.take((length+1)/2, "sender")
	if err != nil {
		return "", err
	}
	number := decodeNumber(data, length)
	if number == "" {
		return "", nil
	}
	return "+" + number, nil
}

// BCD digits 0xA-0xE per TS 23.040 9.1.2.3
const semiOctetDigits = "0123456789*#abc"

// decodeNumber decodes digits semi-octets, low nibble first. A 0xF nibble is
// filler and ends the number.
func decodeNumber(data []byte, digits int) string {
	var sb strings.Builder
	sb.Grow(digits)

	for _, b := range data {
		for _, nibble := range [2]byte{b & 0x0F, b >> 4} {
			if sb.Len() >= digits || nibble == 0x0F {
				return sb.String()
			}
			sb.WriteByte(semiOctetDigits[nibble])
		}
	}

	return sb.String()
}

// decodeSCTS decodes the 7 octet service centre time stamp. Years are read
// as 20YY, so dates from 2100 on come out a century early. Fields that are
// not BCD or out of calendar range are rejected rather than normalized.
func decodeSCTS(data []byte) (time.Time, error) {
	swapped := func(b byte) int {
		return int(b&0x0F)*10 + int(b>>4)
	}

	for i, b := range data[:6] {
		if b&0x0F > 9 || b>>4 > 9 {
			return time.Time{}, fmt.Errorf("%w: octet %d is %02X, not BCD", ErrInvalidTimestamp, i, b)
		}
	}

	year := 2000 + swapped(data[0])
	month := swapped(data[1])
	day := swapped(data[2])
	hour := swapped(data[3])
	minute := swapped(data[4])
	second := swapped(data[5])

	raw := fmt.Sprintf("%d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second)
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimestamp, raw)
	}

	tz := data[6]
	sign := 1
	if tz&sctsSignBit != 0 {
		sign = -1
		tz &^= sctsSignBit
	}
	quarters := swapped(tz)

	loc := time.FixedZone("", sign*quarters*15*60)
	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	if ts.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimestamp, raw)
	}
	return ts, nil
}

// decodeUserData consumes the UD field and fills msg.Part from the UDH
func decodeUserData(r *pduReader, msg *Message, udl int, hasUDH bool) (string, error) {
	udhLen := 0 // header octets including the UDHL octet
	if hasUDH {
		udhl, err := r.next("UDH length")
		if err != nil {
			return "", err
		}
		udh, err := r.take(int(udhl), "UDH")
		if err != nil {
			return "", err
		}
		if part, ok := parseUDH(udh); ok {
			msg.Part = part
		}
		udhLen = int(udhl) + 1
	}

	if msg.Encoding == EncodingUCS2 {
		textLen := udl - udhLen
		if textLen < 0 {
			return "", fmt.Errorf("%w: UDL %d shorter than UDH %d", ErrPDUTruncated, udl, udhLen)
		}
		text, err := r.take(textLen, "UCS2 user data")
		if err != nil {
			return "", err
		}
		return decodeUCS2(text), nil
	}

	// GSM 7-bit: UDL counts septets, header included
	udhBits := udhLen * 8
	fillBits := (7 - udhBits%7) % 7
	textSeptets := udl - (udhBits+6)/7
	if textSeptets < 0 {
		return "", fmt.Errorf("%w: UDL %d septets shorter than UDH %d octets", ErrPDUTruncated, udl, udhLen)
	}

	totalBytes := (udl*7+7)/8 - udhLen
	if totalBytes < 0 {
		totalBytes = 0
	}
	text, err := r.take(totalBytes, "GSM7 user data")
	if err != nil {
		return "", err
	}
	return decodeGSM7(text, textSeptets, fillBits), nil
}

// parseUDH returns the first concatenation IE. Its part number is not
// checked here; the Concatenator drops parts outside the announced total.
func parseUDH(udh []byte) (PartInfo, bool) {
	pos := 0
	for pos+1 < len(udh) {
		iei := udh[pos]
		iedl := int(udh[pos+1])
		pos += 2

		if pos+iedl > len(udh) {
			break
		}
		ie := udh[pos : pos+iedl]
		pos += iedl

		switch {
		case iei == ieiConcat8Bit && len(ie) >= 3:
			return PartInfo{
				IsMultipart: true,
				Ref:         int(ie[0]),
				TotalParts:  int(ie[1]),
				PartNumber:  int(ie[2]),
			}, true
		case iei == ieiConcat16Bit && len(ie) >= 4:
			return PartInfo{
				IsMultipart: true,
				Ref:         int(ie[0])<<8 | int(ie[1]),
				TotalParts:  int(ie[2]),
				PartNumber:  int(ie[3]),
			}, true
		}
	}

	return PartInfo{}, false
}
