// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "testing"

func buildStringPool(t *testing.T, enc StringEncoding, strs []string) *StringPool {
	t.Helper()
	return &StringPool{Strings: append([]string(nil), strs...), Encoding: enc}
}

func TestStringPoolEmitParseRoundTripUTF8(t *testing.T) {
	pool := buildStringPool(t, EncodingUTF8, []string{"com.example.app.Foo", "", "hello world"})

	data, err := pool.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got, consumed, err := ParseStringPool(data, ValidationStrict)
	if err != nil {
		t.Fatalf("ParseStringPool: %v", err)
	}
	if consumed != len(data) {
		t.Errorf("consumed = %d, want %d", consumed, len(data))
	}
	if got.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", got.Len())
	}
	for i, want := range []string{"com.example.app.Foo", "", "hello world"} {
		if got.Strings[i] != want {
			t.Errorf("Strings[%d] = %q, want %q", i, got.Strings[i], want)
		}
	}
}

func TestStringPoolEmitParseRoundTripUTF16(t *testing.T) {
	pool := buildStringPool(t, EncodingUTF16LE, []string{"résumé", "日本語"})

	data, err := pool.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got, _, err := ParseStringPool(data, ValidationStrict)
	if err != nil {
		t.Fatalf("ParseStringPool: %v", err)
	}
	if got.Strings[0] != "résumé" || got.Strings[1] != "日本語" {
		t.Errorf("round trip mismatch: %#v", got.Strings)
	}
}

func TestStringPoolEmitIsIdempotent(t *testing.T) {
	pool := buildStringPool(t, EncodingUTF8, []string{"a.b.C", "a.b.D"})
	first, err := pool.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	second, err := pool.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("Emit is not idempotent across repeated calls")
	}
}

func TestStringPoolSetMutatesInPlace(t *testing.T) {
	pool := buildStringPool(t, EncodingUTF8, []string{"old.name"})
	pool.Set(0, "new.name")
	data, err := pool.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got, _, err := ParseStringPool(data, ValidationStrict)
	if err != nil {
		t.Fatalf("ParseStringPool: %v", err)
	}
	if got.Strings[0] != "new.name" {
		t.Errorf("Strings[0] = %q, want %q", got.Strings[0], "new.name")
	}
}

func TestParseStringPoolRejectsWrongChunkType(t *testing.T) {
	out := make([]byte, 8)
	writeChunkHeader(out, chunkHeader{Type: chunkXML, HeaderSize: 8, Size: 8})
	if _, _, err := ParseStringPool(out, ValidationStrict); err == nil {
		t.Fatal("expected error for wrong chunk type, got nil")
	}
}

func TestParseStringPoolRejectsTruncatedHeader(t *testing.T) {
	out := make([]byte, 4)
	if _, _, err := ParseStringPool(out, ValidationStrict); err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

func TestStringPoolPreservesStylesRawAcrossRoundTrip(t *testing.T) {
	pool := buildStringPool(t, EncodingUTF8, []string{"styled"})
	pool.stylesRaw = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	pool.styleCount = 1

	data, err := pool.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got, _, err := ParseStringPool(data, ValidationStrict)
	if err != nil {
		t.Fatalf("ParseStringPool: %v", err)
	}
	if got.styleCount != 1 {
		t.Errorf("styleCount = %d, want 1", got.styleCount)
	}
	if len(got.stylesRaw) != len(pool.stylesRaw) {
		t.Errorf("stylesRaw length = %d, want %d", len(got.stylesRaw), len(pool.stylesRaw))
	}
}

func TestCountNonContinuation(t *testing.T) {
	cases := []struct {
		name string
		b    []byte
		want int
	}{
		{"ascii", []byte("abc"), 3},
		{"two-byte", []byte{0xC3, 0xA9}, 1},
		{"mixed", []byte{'a', 0xC3, 0xA9, 'b'}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := countNonContinuation(tc.b); got != tc.want {
				t.Errorf("countNonContinuation(%v) = %d, want %d", tc.b, got, tc.want)
			}
		})
	}
}
