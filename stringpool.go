// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"bytes"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	xunicode "golang.org/x/text/encoding/unicode"
)

// StringEncoding is the per-pool character encoding of a StringPool.
type StringEncoding int

// Recognized encodings, matching the flags field's bit 0x100.
const (
	EncodingUTF8 StringEncoding = iota
	EncodingUTF16LE
)

// String implements fmt.Stringer.
func (e StringEncoding) String() string {
	if e == EncodingUTF16LE {
		return "UTF-16LE"
	}
	return "modified-UTF-8"
}

// ValidationMode controls how a StringPool reacts to a string whose
// recorded char_len disagrees with its actual decoded length.
type ValidationMode int

// Recognized validation modes. Strict is the default.
const (
	ValidationStrict ValidationMode = iota
	ValidationLenient
	ValidationWarn
)

const (
	stringPoolHeaderSize = 28
	flagUTF8             = 0x100
	flagSorted           = 0x1
)

// StringPool is an indexed list of strings addressed by position, shared
// by the resource-table (C2) and binary-XML (C3) codecs.
type StringPool struct {
	Strings  []string
	Encoding StringEncoding
	Sorted   bool

	// stylesRaw preserves the style span sub-section byte-for-byte. A
	// rewrite never reorders or removes string-pool entries (replace
	// in place only), so the span indices it refers to stay valid and the
	// bytes never need to be rebuilt.
	stylesRaw  []byte
	styleCount int

	validation ValidationMode
	warnings   []string
}

// ParseStringPool parses a string-pool chunk (type 0x0001) starting at the
// beginning of b. It returns the parsed pool and the number of bytes
// consumed (the chunk's own Size field).
func ParseStringPool(b []byte, mode ValidationMode) (*StringPool, int, error) {
	h, err := readChunkHeader(b)
	if err != nil {
		return nil, 0, err
	}
	if h.Type != chunkStringPool {
		return nil, 0, &ParseError{Region: "stringpool", Position: 0, Reason: fmt.Sprintf("expected chunk type 0x0001, got 0x%04x", h.Type)}
	}
	if h.HeaderSize != stringPoolHeaderSize {
		return nil, 0, &ParseError{Region: "stringpool", Position: 0, Reason: "unexpected string pool header size"}
	}
	if len(b) < int(h.HeaderSize) {
		return nil, 0, &ParseError{Region: "stringpool", Position: 8, Reason: "truncated string pool header"}
	}

	stringCount, _ := readU32(b, 8)
	styleCount, _ := readU32(b, 12)
	flags, _ := readU32(b, 16)
	stringsStart, _ := readU32(b, 20)
	stylesStart, _ := readU32(b, 24)

	if stringCount > maxSaneCount || styleCount > maxSaneCount {
		return nil, 0, &ParseError{Region: "stringpool", Position: 8, Reason: "string or style count exceeds sanity limit"}
	}

	pool := &StringPool{
		validation: mode,
		Sorted:     flags&flagSorted != 0,
	}
	if flags&flagUTF8 != 0 {
		pool.Encoding = EncodingUTF8
	} else {
		pool.Encoding = EncodingUTF16LE
	}

	offsetsStart := int(h.HeaderSize)
	offsetsEnd := offsetsStart + int(stringCount)*4
	styleOffsetsEnd := offsetsEnd + int(styleCount)*4
	if styleOffsetsEnd > len(b) || int(stringsStart) > len(b) {
		return nil, 0, &ParseError{Region: "stringpool", Position: int64(offsetsStart), Reason: "offset table out of bounds"}
	}

	strs := make([]string, stringCount)
	for i := 0; i < int(stringCount); i++ {
		off, err := readU32(b, offsetsStart+i*4)
		if err != nil {
			return nil, 0, &ParseError{Region: "stringpool.offsets", Position: int64(offsetsStart + i*4), Reason: err.Error()}
		}
		base := int(stringsStart) + int(off)
		if base < 0 || base > len(b) {
			return nil, 0, &ParseError{Region: "stringpool.strings", Position: int64(base), Reason: "string offset out of bounds"}
		}
		s, err := decodeStringItem(b[base:], pool.Encoding)
		if err != nil {
			switch mode {
			case ValidationStrict:
				return nil, 0, &ParseError{Region: "stringpool.strings", Position: int64(base), Reason: err.Error()}
			case ValidationWarn:
				pool.warnings = append(pool.warnings, fmt.Sprintf("string %d: %s", i, err.Error()))
			case ValidationLenient:
				// fall through, accept the decoded prefix as-is.
			}
		}
		strs[i] = s
	}
	pool.Strings = strs

	if styleCount > 0 {
		stylesEnd := int(h.Size)
		if int(stylesStart) > stylesEnd || int(stylesStart) > len(b) {
			return nil, 0, &ParseError{Region: "stringpool.styles", Position: int64(stylesStart), Reason: "styles offset out of bounds"}
		}
		pool.stylesRaw = append([]byte(nil), b[stylesStart:stylesEnd]...)
		pool.styleCount = int(styleCount)
	}

	return pool, int(h.Size), nil
}

// Set replaces the string at index i.
func (p *StringPool) Set(i int, value string) {
	p.Strings[i] = value
}

// Len returns the number of strings in the pool.
func (p *StringPool) Len() int { return len(p.Strings) }

// Warnings returns the decode warnings accumulated under ValidationWarn.
func (p *StringPool) Warnings() []string { return p.warnings }

// SizeBytes returns the exact number of bytes Emit will write for the
// pool's current content and encoding.
func (p *StringPool) SizeBytes() int {
	size := stringPoolHeaderSize
	size += len(p.Strings) * 4
	size += p.styleCount * 4
	stringsSize := 0
	for _, s := range p.Strings {
		stringsSize += encodedItemSize(s, p.Encoding)
	}
	size += stringsSize
	size = pad4(size)
	size += len(p.stylesRaw)
	return pad4(size)
}

// Emit writes the pool as a self-contained chunk. Calling Emit twice
// without mutation between calls produces identical bytes: all offsets
// are recomputed from the current Strings slice each time, nothing is
// consumed.
func (p *StringPool) Emit() ([]byte, error) {
	total := p.SizeBytes()
	out := make([]byte, total)

	offsetsStart := stringPoolHeaderSize
	stringsStart := offsetsStart + len(p.Strings)*4 + p.styleCount*4

	encoded := make([][]byte, len(p.Strings))
	for i, s := range p.Strings {
		enc, err := encodeStringItem(s, p.Encoding)
		if err != nil {
			return nil, &EncodingError{Index: i, Value: s, TargetEncoding: p.Encoding, Cause: err.Error()}
		}
		encoded[i] = enc
	}

	cursor := stringsStart
	for i, enc := range encoded {
		writeU32(out, offsetsStart+i*4, uint32(cursor-stringsStart))
		copy(out[cursor:], enc)
		cursor += len(enc)
	}

	stylesStart := pad4(cursor)
	if p.styleCount > 0 {
		copy(out[stylesStart:], p.stylesRaw)
	}

	flags := uint32(0)
	if p.Encoding == EncodingUTF8 {
		flags |= flagUTF8
	}
	if p.Sorted {
		flags |= flagSorted
	}

	writeChunkHeader(out, chunkHeader{Type: chunkStringPool, HeaderSize: stringPoolHeaderSize, Size: uint32(total)})
	writeU32(out, 8, uint32(len(p.Strings)))
	writeU32(out, 12, uint32(p.styleCount))
	writeU32(out, 16, flags)
	writeU32(out, 20, uint32(stringsStart))
	if p.styleCount > 0 {
		writeU32(out, 24, uint32(stylesStart))
	} else {
		writeU32(out, 24, 0)
	}

	actual := len(out)
	if actual != total {
		return nil, &EmitError{Region: "stringpool", ExpectedSize: total, ActualSize: actual}
	}
	return out, nil
}

func writeU32(b []byte, offset int, v uint32) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
	b[offset+2] = byte(v >> 16)
	b[offset+3] = byte(v >> 24)
}

// decodeStringItem decodes one length-prefixed, NUL-terminated string
// item at the start of b.
func decodeStringItem(b []byte, enc StringEncoding) (string, error) {
	if enc == EncodingUTF16LE {
		charLen, consumed, err := readLen16(b)
		if err != nil {
			return "", err
		}
		byteLen := charLen * 2
		if consumed+byteLen+2 > len(b) {
			return "", fmt.Errorf("utf16 item truncated")
		}
		units := make([]uint16, charLen)
		for i := 0; i < charLen; i++ {
			units[i] = uint16(b[consumed+i*2]) | uint16(b[consumed+i*2+1])<<8
		}
		return string(utf16.Decode(units)), nil
	}

	charLen, consumed, err := readLen8(b)
	if err != nil {
		return "", err
	}
	byteLen, consumed2, err := readLen8(b[consumed:])
	if err != nil {
		return "", err
	}
	consumed += consumed2
	if consumed+byteLen+1 > len(b) {
		return "", fmt.Errorf("utf8 item truncated")
	}
	raw := b[consumed : consumed+byteLen]
	s, err := decodeModifiedUTF8(raw)
	if err != nil {
		return s, err
	}
	actualCharLen := countNonContinuation(raw)
	if actualCharLen != charLen {
		return s, fmt.Errorf("char_len mismatch: header says %d, decoded %d", charLen, actualCharLen)
	}
	return s, nil
}

// encodedItemSize returns the byte size (including length prefixes and
// NUL terminator) that encodeStringItem would produce for s.
func encodedItemSize(s string, enc StringEncoding) int {
	if enc == EncodingUTF16LE {
		units := utf16.Encode([]rune(s))
		return lenPrefixSize16(len(units)) + len(units)*2 + 2
	}
	raw := encodeModifiedUTF8Bytes(s)
	charLen := countNonContinuation(raw)
	return lenPrefixSize8(charLen) + lenPrefixSize8(len(raw)) + len(raw) + 1
}

// encodeStringItem encodes s as a length-prefixed, NUL-terminated item.
func encodeStringItem(s string, enc StringEncoding) ([]byte, error) {
	if enc == EncodingUTF16LE {
		units := utf16.Encode([]rune(s))
		var out bytes.Buffer
		writeLen16(&out, len(units))
		for _, u := range units {
			out.WriteByte(byte(u))
			out.WriteByte(byte(u >> 8))
		}
		out.WriteByte(0)
		out.WriteByte(0)
		return out.Bytes(), nil
	}

	raw := encodeModifiedUTF8Bytes(s)
	charLen := countNonContinuation(raw)
	var out bytes.Buffer
	writeLen8(&out, charLen)
	writeLen8(&out, len(raw))
	out.Write(raw)
	out.WriteByte(0)
	return out.Bytes(), nil
}

func readLen8(b []byte) (length, consumed int, err error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("length prefix truncated")
	}
	first := b[0]
	if first&0x80 != 0 {
		if len(b) < 2 {
			return 0, 0, fmt.Errorf("length prefix truncated")
		}
		return int(first&0x7f)<<8 | int(b[1]), 2, nil
	}
	return int(first), 1, nil
}

func writeLen8(out *bytes.Buffer, n int) {
	if n > 0x7f {
		out.WriteByte(byte(n>>8) | 0x80)
		out.WriteByte(byte(n))
	} else {
		out.WriteByte(byte(n))
	}
}

func lenPrefixSize8(n int) int {
	if n > 0x7f {
		return 2
	}
	return 1
}

func readLen16(b []byte) (length, consumed int, err error) {
	if len(b) < 2 {
		return 0, 0, fmt.Errorf("length prefix truncated")
	}
	first := uint16(b[0]) | uint16(b[1])<<8
	if first&0x8000 != 0 {
		if len(b) < 4 {
			return 0, 0, fmt.Errorf("length prefix truncated")
		}
		second := uint16(b[2]) | uint16(b[3])<<8
		return int(first&0x7fff)<<16 | int(second), 4, nil
	}
	return int(first), 2, nil
}

func writeLen16(out *bytes.Buffer, n int) {
	if n > 0x7fff {
		hi := uint16(n>>16) | 0x8000
		lo := uint16(n)
		out.WriteByte(byte(hi))
		out.WriteByte(byte(hi >> 8))
		out.WriteByte(byte(lo))
		out.WriteByte(byte(lo >> 8))
	} else {
		out.WriteByte(byte(n))
		out.WriteByte(byte(n >> 8))
	}
}

func lenPrefixSize16(n int) int {
	if n > 0x7fff {
		return 4
	}
	return 2
}

// countNonContinuation counts the bytes in b that are not UTF-8
// continuation bytes (top two bits != 0b10), which is how the format
// computes an item's char_len.
func countNonContinuation(b []byte) int {
	n := 0
	for _, c := range b {
		if c&0xC0 != 0x80 {
			n++
		}
	}
	return n
}

// decodeModifiedUTF8 decodes the modified-UTF-8 / CESU-8 variant used by
// the string pool item encoding: NUL is 0xC0 0x80, and code points above
// U+FFFF are split into a pair of 3-byte surrogate-half sequences.
func decodeModifiedUTF8(b []byte) (string, error) {
	var sb bytes.Buffer
	i := 0
	for i < len(b) {
		c0 := b[i]
		switch {
		case c0 == 0xC0 && i+1 < len(b) && b[i+1] == 0x80:
			sb.WriteByte(0)
			i += 2
		case c0&0x80 == 0:
			sb.WriteByte(c0)
			i++
		case c0&0xE0 == 0xC0:
			if i+1 >= len(b) {
				return sb.String(), fmt.Errorf("truncated 2-byte sequence")
			}
			r := rune(c0&0x1F)<<6 | rune(b[i+1]&0x3F)
			sb.WriteRune(r)
			i += 2
		case c0&0xF0 == 0xE0:
			if i+2 >= len(b) {
				return sb.String(), fmt.Errorf("truncated 3-byte sequence")
			}
			r := rune(c0&0x0F)<<12 | rune(b[i+1]&0x3F)<<6 | rune(b[i+2]&0x3F)
			if r >= 0xD800 && r <= 0xDBFF && i+5 < len(b) {
				c1 := b[i+3]
				if c1&0xF0 == 0xE0 {
					r2 := rune(c1&0x0F)<<12 | rune(b[i+4]&0x3F)<<6 | rune(b[i+5]&0x3F)
					if r2 >= 0xDC00 && r2 <= 0xDFFF {
						sb.WriteRune(0x10000 + (r-0xD800)<<10 + (r2 - 0xDC00))
						i += 6
						continue
					}
				}
			}
			if r >= 0xD800 && r <= 0xDFFF {
				sb.WriteRune(utf8.RuneError)
			} else {
				sb.WriteRune(r)
			}
			i += 3
		default:
			return sb.String(), fmt.Errorf("invalid continuation byte 0x%02x", c0)
		}
	}
	return sb.String(), nil
}

// encodeModifiedUTF8Bytes encodes s into modified-UTF-8 / CESU-8 bytes.
func encodeModifiedUTF8Bytes(s string) []byte {
	var out bytes.Buffer
	for _, r := range s {
		switch {
		case r == 0:
			out.Write([]byte{0xC0, 0x80})
		case r < 0x80:
			out.WriteByte(byte(r))
		case r < 0x800:
			out.WriteByte(byte(0xC0 | r>>6))
			out.WriteByte(byte(0x80 | r&0x3F))
		case r < 0x10000:
			out.WriteByte(byte(0xE0 | r>>12))
			out.WriteByte(byte(0x80 | (r>>6)&0x3F))
			out.WriteByte(byte(0x80 | r&0x3F))
		default:
			r -= 0x10000
			hi := 0xD800 + (r >> 10)
			lo := 0xDC00 + (r & 0x3FF)
			for _, half := range [2]rune{hi, lo} {
				out.WriteByte(byte(0xE0 | half>>12))
				out.WriteByte(byte(0x80 | (half>>6)&0x3F))
				out.WriteByte(byte(0x80 | half&0x3F))
			}
		}
	}
	return out.Bytes()
}

// decodeUTF16FieldLE decodes a fixed NUL-padded UTF-16LE field via
// golang.org/x/text/encoding/unicode. Trailing NUL padding is trimmed.
func decodeUTF16FieldLE(b []byte) (string, error) {
	n := len(b) &^ 1
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			n = i
			break
		}
	}
	if n == 0 {
		return "", nil
	}
	decoder := xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM).NewDecoder()
	s, err := decoder.Bytes(b[:n])
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// encodeUTF16FieldLE encodes s into a fixed-width, NUL-padded UTF-16LE
// field of exactly width bytes, truncating s if it does not fit.
func encodeUTF16FieldLE(s string, width int) ([]byte, error) {
	units := utf16.Encode([]rune(s))
	maxUnits := width/2 - 1
	if maxUnits < 0 {
		maxUnits = 0
	}
	if len(units) > maxUnits {
		units = units[:maxUnits]
	}
	out := make([]byte, width)
	for i, u := range units {
		out[i*2] = byte(u)
		out[i*2+1] = byte(u >> 8)
	}
	return out, nil
}
