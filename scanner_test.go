// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "testing"

func TestScanReportPositivesAndTotalSites(t *testing.T) {
	report := &ScanReport{
		Entries: []ScanEntry{
			{Path: "res/layout/a.xml", Kind: KindLayout, Sites: []RewriteSite{{Location: "tag"}}},
			{Path: "res/layout/b.xml", Kind: KindLayout, Sites: nil},
		},
		ResourceTable: []RewriteSite{{Location: "global_pool[3]"}},
	}

	positives := report.Positives()
	if !positives["res/layout/a.xml"] {
		t.Error("a.xml should be a positive")
	}
	if positives["res/layout/b.xml"] {
		t.Error("b.xml has zero sites and should not be a positive")
	}
	if got := report.TotalSites(); got != 2 {
		t.Errorf("TotalSites() = %d, want 2", got)
	}
}

func TestLooksLikeBinaryXML(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"res/layout/main.xml", true},
		{"res/layout/MAIN.XML", true},
		{"classes.dex", false},
		{"x", false},
	}
	for _, c := range cases {
		if got := looksLikeBinaryXML(c.path); got != c.want {
			t.Errorf("looksLikeBinaryXML(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestScanResourceTableSitesIncludesPackageName(t *testing.T) {
	rt := &ResourceTable{
		GlobalStrings: &StringPool{Encoding: EncodingUTF8, Strings: []string{"com.example.app.MainActivity"}},
		Packages: []*Package{{
			ID:          0x7f,
			Name:        "com.example.app",
			TypeStrings: &StringPool{Encoding: EncodingUTF8, Strings: []string{"layout"}},
		}},
	}

	opts := &RewriteOptions{
		Whitelist:  NewWhitelist([]string{"com.example.app"}),
		ClassMap:   NewClassMap(),
		PackageMap: NewPackageMap(),
	}
	if err := opts.PackageMap.Insert("com.example.app", "com.renamed.app"); err != nil {
		t.Fatal(err)
	}

	sites := scanResourceTableSites(rt, opts)
	if len(sites) != 2 {
		t.Fatalf("len(sites) = %d, want 2 (package name + global pool)", len(sites))
	}
	if sites[0].Location != "package[0].name" || sites[0].NewValue != "com.renamed.app" {
		t.Errorf("unexpected package-name site: %+v", sites[0])
	}
	if sites[1].Location != "global_pool[0]" || sites[1].NewValue != "com.renamed.app.MainActivity" {
		t.Errorf("unexpected global-pool site: %+v", sites[1])
	}
}
