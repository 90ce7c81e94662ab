// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "testing"

// buildFixtureTable constructs a resource table with one package, using the
// codec's own Emit path to produce genuine bytes rather than hand-encoded
// ones. poolsDirty is forced true since there is no origBytes to patch for a
// package that was never parsed from the wire.
func buildFixtureTable(t *testing.T) *ResourceTable {
	t.Helper()
	pkg := &Package{
		ID:          0x7f,
		Name:        "com.example.app",
		TypeStrings: &StringPool{Encoding: EncodingUTF8, Strings: []string{"layout", "menu"}},
		KeyStrings:  &StringPool{Encoding: EncodingUTF8, Strings: []string{"main", "item"}},
		poolsDirty:  true,
	}
	return &ResourceTable{
		GlobalStrings: &StringPool{Encoding: EncodingUTF8, Strings: []string{"com.example.app.MainActivity", "com.example.app.Fragment"}},
		Packages:      []*Package{pkg},
	}
}

func TestResourceTableEmitParseRoundTrip(t *testing.T) {
	table := buildFixtureTable(t)

	data, err := table.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got, err := ParseResourceTable(data, ValidationStrict)
	if err != nil {
		t.Fatalf("ParseResourceTable: %v", err)
	}
	if len(got.Packages) != 1 {
		t.Fatalf("len(Packages) = %d, want 1", len(got.Packages))
	}
	if got.Packages[0].Name != "com.example.app" {
		t.Errorf("package name = %q, want %q", got.Packages[0].Name, "com.example.app")
	}
	if got.GlobalStrings.Len() != 2 {
		t.Errorf("GlobalStrings.Len() = %d, want 2", got.GlobalStrings.Len())
	}
}

func TestResourceTableReplaceInGlobalPool(t *testing.T) {
	table := buildFixtureTable(t)
	rewrite := func(s string) (string, bool) {
		if s == "com.example.app.MainActivity" {
			return "com.renamed.app.MainActivity", true
		}
		return s, false
	}
	count := table.ReplaceInGlobalPool(rewrite)
	if count != 1 {
		t.Fatalf("ReplaceInGlobalPool count = %d, want 1", count)
	}
	if table.GlobalStrings.Strings[0] != "com.renamed.app.MainActivity" {
		t.Errorf("unexpected string after replace: %q", table.GlobalStrings.Strings[0])
	}
	if table.GlobalStrings.Strings[1] != "com.example.app.Fragment" {
		t.Errorf("untouched string mutated: %q", table.GlobalStrings.Strings[1])
	}
}

func TestResourceTableReplaceInTypeOrKeyPoolMarksDirty(t *testing.T) {
	table := buildFixtureTable(t)
	table.Packages[0].poolsDirty = false

	rewrite := func(s string) (string, bool) {
		if s == "main" {
			return "primary", true
		}
		return s, false
	}
	count := table.ReplaceInTypeOrKeyPool(rewrite)
	if count != 1 {
		t.Fatalf("ReplaceInTypeOrKeyPool count = %d, want 1", count)
	}
	if !table.Packages[0].poolsDirty {
		t.Error("expected poolsDirty to be set after a key-pool replacement")
	}
}

func TestPackageSetPackageNameDoesNotMarkDirty(t *testing.T) {
	pkg := &Package{poolsDirty: false}
	pkg.SetPackageName("com.renamed.app")
	if pkg.poolsDirty {
		t.Error("SetPackageName must not force a pool rebuild")
	}
	if pkg.Name != "com.renamed.app" {
		t.Errorf("Name = %q, want %q", pkg.Name, "com.renamed.app")
	}
}

func TestPackageRenamePatchesNameFieldInPlace(t *testing.T) {
	data, err := buildFixtureTable(t).Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	table, err := ParseResourceTable(data, ValidationStrict)
	if err != nil {
		t.Fatalf("ParseResourceTable: %v", err)
	}

	table.Packages[0].SetPackageName("z.q")
	patched, err := table.Emit()
	if err != nil {
		t.Fatalf("Emit after rename: %v", err)
	}
	if len(patched) != len(data) {
		t.Fatalf("len after in-place name patch = %d, want %d", len(patched), len(data))
	}

	// Only the 256-byte name field inside the package header may differ.
	got, err := ParseResourceTable(patched, ValidationStrict)
	if err != nil {
		t.Fatalf("ParseResourceTable after rename: %v", err)
	}
	if got.Packages[0].Name != "z.q" {
		t.Errorf("package name = %q, want %q", got.Packages[0].Name, "z.q")
	}
	for i := range data {
		if data[i] != patched[i] {
			pkgStart := tableHeaderSize + buildFixtureTable(t).GlobalStrings.SizeBytes()
			nameStart, nameEnd := pkgStart+12, pkgStart+268
			if i < nameStart || i >= nameEnd {
				t.Fatalf("byte %d changed outside the package name field", i)
			}
		}
	}
}

func TestResourceTableEmitIsIdempotent(t *testing.T) {
	table := buildFixtureTable(t)
	first, err := table.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	second, err := table.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("Emit is not idempotent across repeated calls")
	}
}

func TestVerifyIntegrityDetectsPackageCountChange(t *testing.T) {
	table := buildFixtureTable(t)
	data, err := table.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	tampered := &ResourceTable{
		GlobalStrings: table.GlobalStrings,
		Packages:      append(table.Packages, table.Packages[0]),
	}
	if err := VerifyIntegrity(tampered, data, ValidationStrict); err == nil {
		t.Fatal("expected integrity violation for mismatched package count, got nil")
	}
}

func TestVerifyIntegrityAcceptsMatchingTable(t *testing.T) {
	table := buildFixtureTable(t)
	data, err := table.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := VerifyIntegrity(table, data, ValidationStrict); err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
}

func TestParseResourceTableRejectsWrongChunkType(t *testing.T) {
	out := make([]byte, 12)
	writeChunkHeader(out, chunkHeader{Type: chunkXML, HeaderSize: tableHeaderSize, Size: 12})
	if _, err := ParseResourceTable(out, ValidationStrict); err == nil {
		t.Fatal("expected error for wrong chunk type, got nil")
	}
}
