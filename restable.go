// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "fmt"

const (
	tableHeaderSize   = 12 // common(8) + package_count(4)
	packageHeaderSize = 288
	// emitSafetyMargin is the fraction of slack the pre-allocated rebuild
	// buffer carries over its computed exact size.
	emitSafetyMargin = 0.10
)

// Package is one resource package within a ResourceTable.
type Package struct {
	ID             uint32
	Name           string
	TypeStrings    *StringPool
	KeyStrings     *StringPool
	LastPublicType uint32
	LastPublicKey  uint32
	TypeIDOffset   uint32

	// opaqueTail holds the typeSpec/type sub-chunk run verbatim, retained
	// byte-for-byte unless the embedded pools change.
	opaqueTail []byte

	// origBytes is the full original package chunk, used for the
	// in-place name patch fast path.
	origBytes []byte

	origTypeStringsSize int
	origKeyStringsSize  int
	poolsDirty          bool
}

// SetPackageName rewrites the package name field. This never forces a
// pool rebuild; unless the pools are already dirty it is applied via the
// in-place 128x u16 field patch.
func (p *Package) SetPackageName(newName string) {
	p.Name = newName
}

// markPoolsDirty records that a string in TypeStrings or KeyStrings was
// replaced, forcing a full package rebuild on Emit (see the doc comment
// on emitPackage for why content changes at equal byte-size still
// require a rebuild).
func (p *Package) markPoolsDirty() { p.poolsDirty = true }

// ResourceTable is the outer resource-table container.
type ResourceTable struct {
	PackageCount  uint32
	GlobalStrings *StringPool
	Packages      []*Package

	// trailing holds any child chunks after the packages that are not
	// one of the recognized types; retained byte-for-byte.
	trailing [][]byte
}

// ParseResourceTable parses a complete resource-table entry.
func ParseResourceTable(b []byte, mode ValidationMode) (*ResourceTable, error) {
	h, err := readChunkHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Type != chunkTable {
		return nil, &ParseError{Region: "restable", Position: 0, Reason: fmt.Sprintf("expected chunk type 0x0002, got 0x%04x", h.Type)}
	}
	if int(h.HeaderSize) != tableHeaderSize {
		return nil, &ParseError{Region: "restable", Position: 0, Reason: "unexpected table header size"}
	}
	packageCount, err := readU32(b, 8)
	if err != nil {
		return nil, &ParseError{Region: "restable", Position: 8, Reason: err.Error()}
	}

	table := &ResourceTable{PackageCount: packageCount}

	offset := int(h.HeaderSize)
	end := int(h.Size)
	for offset < end {
		if offset+8 > end {
			return nil, &ParseError{Region: "restable.children", Position: int64(offset), Reason: "truncated child chunk header"}
		}
		ch, err := readChunkHeader(b[offset:end])
		if err != nil {
			return nil, &ParseError{Region: "restable.children", Position: int64(offset), Reason: err.Error()}
		}
		switch ch.Type {
		case chunkStringPool:
			pool, n, err := ParseStringPool(b[offset:offset+int(ch.Size)], mode)
			if err != nil {
				return nil, err
			}
			table.GlobalStrings = pool
			offset += n
		case chunkTablePackage:
			pkg, err := parsePackage(b[offset:offset+int(ch.Size)], mode)
			if err != nil {
				return nil, err
			}
			table.Packages = append(table.Packages, pkg)
			offset += int(ch.Size)
		default:
			table.trailing = append(table.trailing, append([]byte(nil), b[offset:offset+int(ch.Size)]...))
			offset += int(ch.Size)
		}
	}

	if table.GlobalStrings == nil {
		return nil, &ParseError{Region: "restable", Position: int64(h.HeaderSize), Reason: "missing global string pool"}
	}
	if uint32(len(table.Packages)) != packageCount {
		return nil, &ParseError{Region: "restable", Position: 8, Reason: fmt.Sprintf("package_count %d does not match %d parsed packages", packageCount, len(table.Packages))}
	}
	return table, nil
}

func parsePackage(b []byte, mode ValidationMode) (*Package, error) {
	h, err := readChunkHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Type != chunkTablePackage {
		return nil, &ParseError{Region: "restable.package", Position: 0, Reason: fmt.Sprintf("expected chunk type 0x0200, got 0x%04x", h.Type)}
	}
	if int(h.HeaderSize) != packageHeaderSize {
		return nil, &ParseError{Region: "restable.package", Position: 0, Reason: "unexpected package header size"}
	}
	if len(b) < int(h.HeaderSize) {
		return nil, &ParseError{Region: "restable.package", Position: 0, Reason: "truncated package header"}
	}

	id, _ := readU32(b, 8)
	name, err := decodeUTF16FieldLE(b[12:268])
	if err != nil {
		return nil, &ParseError{Region: "restable.package.name", Position: 12, Reason: err.Error()}
	}
	typeStringsOffset, _ := readU32(b, 268)
	lastPublicType, _ := readU32(b, 272)
	keyStringsOffset, _ := readU32(b, 276)
	lastPublicKey, _ := readU32(b, 280)
	typeIDOffset, _ := readU32(b, 284)

	pkg := &Package{
		ID:             id,
		Name:           name,
		LastPublicType: lastPublicType,
		LastPublicKey:  lastPublicKey,
		TypeIDOffset:   typeIDOffset,
		origBytes:      append([]byte(nil), b...),
	}

	if int(typeStringsOffset) >= len(b) {
		return nil, &ParseError{Region: "restable.package", Position: 268, Reason: "type_strings_offset out of bounds"}
	}
	typeStrings, n, err := ParseStringPool(b[typeStringsOffset:], mode)
	if err != nil {
		return nil, err
	}
	pkg.TypeStrings = typeStrings
	pkg.origTypeStringsSize = n
	tailStart := int(typeStringsOffset) + n

	if keyStringsOffset != 0 {
		if int(keyStringsOffset) >= len(b) {
			return nil, &ParseError{Region: "restable.package", Position: 276, Reason: "key_strings_offset out of bounds"}
		}
		keyStrings, n2, err := ParseStringPool(b[keyStringsOffset:], mode)
		if err != nil {
			return nil, err
		}
		pkg.KeyStrings = keyStrings
		pkg.origKeyStringsSize = n2
		tailStart = int(keyStringsOffset) + n2
	}

	if tailStart > len(b) {
		return nil, &ParseError{Region: "restable.package", Position: int64(tailStart), Reason: "opaque tail start beyond package end"}
	}
	pkg.opaqueTail = append([]byte(nil), b[tailStart:]...)

	return pkg, nil
}

// ReplaceInGlobalPool rewrites every rewritable string in the global
// string pool using the supplied decision function, which returns the
// replacement (or the original string unchanged) and whether a
// replacement actually happened.
func (t *ResourceTable) ReplaceInGlobalPool(rewrite func(string) (string, bool)) int {
	count := 0
	for i, s := range t.GlobalStrings.Strings {
		if ns, changed := rewrite(s); changed {
			t.GlobalStrings.Set(i, ns)
			count++
		}
	}
	return count
}

// ReplaceInTypeOrKeyPool rewrites the type_strings and key_strings pools
// of every package, forcing a full rebuild of any package whose pools
// were touched.
func (t *ResourceTable) ReplaceInTypeOrKeyPool(rewrite func(string) (string, bool)) int {
	count := 0
	for _, pkg := range t.Packages {
		for i, s := range pkg.TypeStrings.Strings {
			if ns, changed := rewrite(s); changed {
				pkg.TypeStrings.Set(i, ns)
				pkg.markPoolsDirty()
				count++
			}
		}
		if pkg.KeyStrings != nil {
			for i, s := range pkg.KeyStrings.Strings {
				if ns, changed := rewrite(s); changed {
					pkg.KeyStrings.Set(i, ns)
					pkg.markPoolsDirty()
					count++
				}
			}
		}
	}
	return count
}

// emitPackage re-emits a single package chunk. When neither embedded pool
// was touched, the original bytes are reused and only the name field is
// patched in place, which preserves the opaque typeSpec/type sub-chunks
// and their original padding exactly. Name changes alone never
// force a rebuild. A pool rewrite, even one that happens to leave the
// pool's total byte size unchanged, is treated as dirty: individual
// string offsets inside the pool may have shifted even though the pool's
// overall size did not, so the only bytes that can be safely reused
// verbatim are the opaque tail.
func (p *Package) emitPackage() ([]byte, error) {
	nameBytes, err := encodeUTF16FieldLE(p.Name, 256)
	if err != nil {
		return nil, &EncodingError{Value: p.Name, Cause: err.Error()}
	}

	if !p.poolsDirty {
		out := append([]byte(nil), p.origBytes...)
		copy(out[12:268], nameBytes)
		return out, nil
	}

	typeBytes, err := p.TypeStrings.Emit()
	if err != nil {
		return nil, err
	}
	var keyBytes []byte
	keyStringsOffset := uint32(0)
	if p.KeyStrings != nil {
		keyBytes, err = p.KeyStrings.Emit()
		if err != nil {
			return nil, err
		}
	}

	typeStringsOffset := uint32(packageHeaderSize)
	if p.KeyStrings != nil {
		keyStringsOffset = typeStringsOffset + uint32(len(typeBytes))
	}

	exactSize := packageHeaderSize + len(typeBytes) + len(keyBytes) + len(p.opaqueTail)
	budget := int(float64(exactSize) * (1 + emitSafetyMargin))
	out := make([]byte, 0, budget)
	out = append(out, make([]byte, packageHeaderSize)...)

	writeChunkHeader(out, chunkHeader{Type: chunkTablePackage, HeaderSize: packageHeaderSize, Size: uint32(exactSize)})
	writeU32(out, 8, p.ID)
	copy(out[12:268], nameBytes)
	writeU32(out, 268, typeStringsOffset)
	writeU32(out, 272, p.LastPublicType)
	writeU32(out, 276, keyStringsOffset)
	writeU32(out, 280, p.LastPublicKey)
	writeU32(out, 284, p.TypeIDOffset)

	out = append(out, typeBytes...)
	out = append(out, keyBytes...)
	out = append(out, p.opaqueTail...)

	if len(out) != exactSize {
		return nil, &EmitError{Region: fmt.Sprintf("package[%d]", p.ID), ExpectedSize: exactSize, ActualSize: len(out)}
	}
	return out, nil
}

// Emit re-emits the complete resource-table entry.
func (t *ResourceTable) Emit() ([]byte, error) {
	globalBytes, err := t.GlobalStrings.Emit()
	if err != nil {
		return nil, err
	}

	pkgBytes := make([][]byte, len(t.Packages))
	for i, pkg := range t.Packages {
		pb, err := pkg.emitPackage()
		if err != nil {
			return nil, err
		}
		pkgBytes[i] = pb
	}

	exactSize := tableHeaderSize + len(globalBytes)
	for _, pb := range pkgBytes {
		exactSize += len(pb)
	}
	for _, tb := range t.trailing {
		exactSize += len(tb)
	}

	budget := int(float64(exactSize) * (1 + emitSafetyMargin))
	out := make([]byte, 0, budget)
	out = append(out, make([]byte, tableHeaderSize)...)
	writeChunkHeader(out, chunkHeader{Type: chunkTable, HeaderSize: tableHeaderSize, Size: uint32(exactSize)})
	writeU32(out, 8, uint32(len(t.Packages)))

	out = append(out, globalBytes...)
	for _, pb := range pkgBytes {
		out = append(out, pb...)
	}
	for _, tb := range t.trailing {
		out = append(out, tb...)
	}

	if len(out) != exactSize {
		return nil, &EmitError{Region: "restable", ExpectedSize: exactSize, ActualSize: len(out)}
	}
	return out, nil
}

// VerifyIntegrity re-parses produced resource-table bytes and checks the
// structural invariants against the pre-emit model: package count, each
// package id, and string pool lengths.
func VerifyIntegrity(original *ResourceTable, produced []byte, mode ValidationMode) error {
	reparsed, err := ParseResourceTable(produced, mode)
	if err != nil {
		return &IntegrityBroken{Invariant: "re-parse of emitted resource table failed: " + err.Error()}
	}
	if len(reparsed.Packages) != len(original.Packages) {
		return &IntegrityBroken{Invariant: "package count changed"}
	}
	if reparsed.GlobalStrings.Len() != original.GlobalStrings.Len() {
		return &IntegrityBroken{Invariant: "global string pool length changed"}
	}
	for i := range original.Packages {
		orig := original.Packages[i]
		got := reparsed.Packages[i]
		if got.ID != orig.ID {
			return &IntegrityBroken{Invariant: fmt.Sprintf("package[%d] id changed from %d to %d", i, orig.ID, got.ID)}
		}
		if got.TypeStrings.Len() != orig.TypeStrings.Len() {
			return &IntegrityBroken{Invariant: fmt.Sprintf("package[%d] type_strings length changed", i)}
		}
		origKeyLen, gotKeyLen := 0, 0
		if orig.KeyStrings != nil {
			origKeyLen = orig.KeyStrings.Len()
		}
		if got.KeyStrings != nil {
			gotKeyLen = got.KeyStrings.Len()
		}
		if origKeyLen != gotKeyLen {
			return &IntegrityBroken{Invariant: fmt.Sprintf("package[%d] key_strings length changed", i)}
		}
	}
	return nil
}
