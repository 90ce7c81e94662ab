// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "encoding/binary"

// Chunk type shorts shared by the resource-table and binary-XML codecs.
const (
	chunkNull           = 0x0000
	chunkStringPool     = 0x0001
	chunkTable          = 0x0002
	chunkXML            = 0x0003
	chunkXMLStartNS     = 0x0100
	chunkXMLEndNS       = 0x0101
	chunkXMLStartElem   = 0x0102
	chunkXMLEndElem     = 0x0103
	chunkXMLCData       = 0x0104
	chunkXMLResourceMap = 0x0180
	chunkTablePackage   = 0x0200
	chunkTableType      = 0x0201
	chunkTableTypeSpec  = 0x0202
)

// maxSaneCount rejects absurd string/style/attribute counts while parsing.
const maxSaneCount = 1_000_000

// chunkHeaderSize is the byte length of the common chunk prefix.
const chunkHeaderSize = 8

// chunkHeader is the 8-byte common prefix of every chunk in both the
// resource-table and binary-XML container formats: type (2), header size
// (2), and total chunk size including the header (4).
type chunkHeader struct {
	Type       uint16
	HeaderSize uint16
	Size       uint32
}

// readChunkHeader reads a chunkHeader from the start of b.
func readChunkHeader(b []byte) (chunkHeader, error) {
	if len(b) < chunkHeaderSize {
		return chunkHeader{}, &ParseError{Region: "chunkHeader", Position: 0, Reason: "buffer shorter than chunk header"}
	}
	h := chunkHeader{
		Type:       binary.LittleEndian.Uint16(b[0:2]),
		HeaderSize: binary.LittleEndian.Uint16(b[2:4]),
		Size:       binary.LittleEndian.Uint32(b[4:8]),
	}
	if int(h.HeaderSize) < chunkHeaderSize {
		return chunkHeader{}, &ParseError{Region: "chunkHeader", Position: 0, Reason: "header size smaller than common prefix"}
	}
	if h.Size < uint32(h.HeaderSize) || int64(h.Size) > int64(len(b)) {
		return chunkHeader{}, &ParseError{Region: "chunkHeader", Position: 0, Reason: "chunk size out of bounds"}
	}
	return h, nil
}

// writeChunkHeader writes h to the start of b. b must be at least 8 bytes.
func writeChunkHeader(b []byte, h chunkHeader) {
	binary.LittleEndian.PutUint16(b[0:2], h.Type)
	binary.LittleEndian.PutUint16(b[2:4], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[4:8], h.Size)
}

// pad4 returns n rounded up to the next multiple of 4.
func pad4(n int) int {
	return (n + 3) &^ 3
}

// readU32 reads a little-endian uint32 at offset, bounds-checked.
func readU32(b []byte, offset int) (uint32, error) {
	if offset < 0 || offset+4 > len(b) {
		return 0, ErrOutOfBounds
	}
	return binary.LittleEndian.Uint32(b[offset:]), nil
}

// readU16 reads a little-endian uint16 at offset, bounds-checked.
func readU16(b []byte, offset int) (uint16, error) {
	if offset < 0 || offset+2 > len(b) {
		return 0, ErrOutOfBounds
	}
	return binary.LittleEndian.Uint16(b[offset:]), nil
}
