// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "testing"

func TestClassMapInsertConflict(t *testing.T) {
	cm := NewClassMap()
	if err := cm.Insert("com.a.B", "com.x.Y"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cm.Insert("com.a.B", "com.x.Y"); err != nil {
		t.Fatalf("re-inserting the same pair should be a no-op, got: %v", err)
	}
	err := cm.Insert("com.a.B", "com.z.W")
	if err == nil {
		t.Fatal("expected MappingConflict, got nil")
	}
	if _, ok := err.(*MappingConflict); !ok {
		t.Fatalf("expected *MappingConflict, got %T", err)
	}
}

func TestClassMapGet(t *testing.T) {
	cm := NewClassMap()
	_ = cm.Insert("com.a.B", "com.x.Y")
	got, ok := cm.Get("com.a.B")
	if !ok || got != "com.x.Y" {
		t.Fatalf("Get(com.a.B) = (%q, %v), want (com.x.Y, true)", got, ok)
	}
	if _, ok := cm.Get("com.nope"); ok {
		t.Fatal("Get of unmapped class should return ok=false")
	}
}

func TestPackageMapReplaceLongestPrefix(t *testing.T) {
	pm := NewPackageMap()
	_ = pm.Insert("com.example", "com.renamed")
	_ = pm.Insert("com.example.app", "com.renamed.app2")

	cases := []struct {
		in, want string
	}{
		{"com.example.app.MainActivity", "com.renamed.app2.MainActivity"},
		{"com.example.other.Thing", "com.renamed.other.Thing"},
		{"com.example", "com.renamed"},
		{"com.example.app", "com.renamed.app2"},
		{"com.unrelated.Foo", "com.unrelated.Foo"},
		{"com.exampleSuffix.Foo", "com.exampleSuffix.Foo"}, // not a dot boundary match
	}
	for _, c := range cases {
		if got := pm.Replace(c.in); got != c.want {
			t.Errorf("Replace(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPackageMapInsertConflict(t *testing.T) {
	pm := NewPackageMap()
	_ = pm.Insert("com.a", "com.x")
	err := pm.Insert("com.a", "com.y")
	if _, ok := err.(*MappingConflict); !ok {
		t.Fatalf("expected *MappingConflict, got %v", err)
	}
}
