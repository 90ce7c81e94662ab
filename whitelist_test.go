// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "testing"

func TestIsCandidateIdentifier(t *testing.T) {
	accept := []string{"com.a.B", "com.a.B$Inner", "com.example.app.MainActivity"}
	reject := []string{"1.2.3", "@string/foo", "Hello World", "com.a/b", "single", "com..b", "com.1a.B"}

	for _, s := range accept {
		if !IsCandidateIdentifier(s) {
			t.Errorf("IsCandidateIdentifier(%q) = false, want true", s)
		}
	}
	for _, s := range reject {
		if IsCandidateIdentifier(s) {
			t.Errorf("IsCandidateIdentifier(%q) = true, want false", s)
		}
	}
}

func TestWhitelistIsRewritable(t *testing.T) {
	w := NewWhitelist([]string{"com.example.app"})

	cases := []struct {
		s    string
		want bool
	}{
		{"com.example.app.MainActivity", true},
		{"com.example.app", true},
		{"com.example.apprentice.Foo", false}, // must respect dot boundary
		{"com.other.Foo", false},
		{"1.2.3", false},
	}
	for _, c := range cases {
		if got := w.IsRewritable(c.s); got != c.want {
			t.Errorf("IsRewritable(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestEligibleAttribute(t *testing.T) {
	if !eligibleAttribute("android:name", false, false, true) {
		t.Error("android:name should be eligible")
	}
	if eligibleAttribute("android:text", false, false, true) {
		t.Error("android:text should not be eligible")
	}
	if eligibleAttribute("tools:context", false, false, false) {
		t.Error("tools:context should be gated off when process_tools_context is false")
	}
	if !eligibleAttribute("tools:context", false, false, true) {
		t.Error("tools:context should be eligible when process_tools_context is true")
	}
	if !eligibleAttribute("type", true, true, true) {
		t.Error("type should be eligible inside <data><variable>/<import>")
	}
	if eligibleAttribute("type", false, true, true) {
		t.Error("type should not be eligible outside <data>")
	}
}
