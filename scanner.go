// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"strconv"
	"strings"
)

// ScanEntry describes one archive entry the scanner visited.
type ScanEntry struct {
	Path  string
	Kind  XMLKind
	Sites []RewriteSite
}

// ScanReport is the dry-run output of Scan: the archive entries that
// carry at least one planned replacement, plus the replacements planned
// for the resource table itself.
type ScanReport struct {
	Entries           []ScanEntry
	ResourceTable     []RewriteSite
	ResourceTablePath string
}

// Positives returns the set of entry paths the pipeline should actually
// rewrite: scanner entries with at least one planned site. Entries with
// no matches never reach the replace phase, so their bytes are never
// re-emitted.
func (r *ScanReport) Positives() map[string]bool {
	out := make(map[string]bool, len(r.Entries))
	for _, e := range r.Entries {
		if len(e.Sites) > 0 {
			out[e.Path] = true
		}
	}
	return out
}

// TotalSites returns the total number of planned replacements across
// every scanned entry, including the resource table.
func (r *ScanReport) TotalSites() int {
	n := len(r.ResourceTable)
	for _, e := range r.Entries {
		n += len(e.Sites)
	}
	return n
}

// Scan performs the same traversal as the rewriters but without mutating
// the archive: it parses every binary-XML entry and the resource-table
// entry that match targets (all of them when targets is empty), runs the
// appropriate rewriter against a scratch copy, and
// records the planned sites without ever calling av.Write. cancelled, if
// non-nil, is consulted at each entry boundary.
func Scan(av *ArchiveView, resTablePath string, opts *RewriteOptions, targets []string, cancelled func() bool, logger interface{ Warnf(string, ...interface{}) }) (*ScanReport, error) {
	report := &ScanReport{ResourceTablePath: resTablePath}

	paths := av.Paths()
	var matched map[string]bool
	if len(targets) > 0 {
		matched = make(map[string]bool)
		for _, glob := range targets {
			m, err := av.ListMatching(glob)
			if err != nil {
				return nil, err
			}
			for _, p := range m {
				matched[p] = true
			}
		}
		filtered := paths[:0:0]
		for _, p := range paths {
			if matched[p] {
				filtered = append(filtered, p)
			}
		}
		paths = filtered
	}

	for _, path := range paths {
		if cancelled != nil && cancelled() {
			return nil, ErrCancelled
		}
		if path == resTablePath {
			continue
		}
		if !looksLikeBinaryXML(path) {
			continue
		}
		data, err := av.Read(path)
		if err != nil {
			return nil, err
		}
		doc, err := ParseBinaryXml(data, ValidationLenient)
		if err != nil {
			if logger != nil {
				logger.Warnf("scan: skipping %s, parse failed: %v", path, err)
			}
			continue
		}
		rootName, hasData := RootElementName(doc)
		kind := DetectXMLKind(path, rootName, hasData)
		res := RewriteXML(doc, kind, opts)
		if len(res.Sites) > 0 {
			report.Entries = append(report.Entries, ScanEntry{Path: path, Kind: kind, Sites: res.Sites})
		}
	}

	if resTablePath != "" && av.Exists(resTablePath) && (len(targets) == 0 || matched[resTablePath]) {
		data, err := av.Read(resTablePath)
		if err != nil {
			return nil, err
		}
		rt, err := ParseResourceTable(data, ValidationLenient)
		if err != nil {
			if logger != nil {
				logger.Warnf("scan: resource table parse failed: %v", err)
			}
		} else {
			report.ResourceTable = scanResourceTableSites(rt, opts)
		}
	}

	return report, nil
}

// scanResourceTableSites previews the replacements the replace phase
// would perform against the package names and the global/type/key string
// pools, without mutating rt.
func scanResourceTableSites(rt *ResourceTable, opts *RewriteOptions) []RewriteSite {
	var sites []RewriteSite
	for pi, pkg := range rt.Packages {
		if replaced := opts.PackageMap.Replace(pkg.Name); replaced != pkg.Name {
			sites = append(sites, RewriteSite{
				Location:      "package[" + strconv.Itoa(pi) + "].name",
				OriginalValue: pkg.Name,
				NewValue:      replaced,
			})
		}
	}
	if rt.GlobalStrings != nil {
		for i, s := range rt.GlobalStrings.Strings {
			if replaced, ok := resolveCandidate(opts, s); ok {
				sites = append(sites, RewriteSite{
					Location:      "global_pool[" + strconv.Itoa(i) + "]",
					OriginalValue: s,
					NewValue:      replaced,
				})
			}
		}
	}
	for pi, pkg := range rt.Packages {
		if pkg.TypeStrings != nil {
			for i, s := range pkg.TypeStrings.Strings {
				if replaced, ok := resolveCandidate(opts, s); ok {
					sites = append(sites, RewriteSite{
						Location:      "package[" + strconv.Itoa(pi) + "].type_strings[" + strconv.Itoa(i) + "]",
						OriginalValue: s,
						NewValue:      replaced,
					})
				}
			}
		}
		if pkg.KeyStrings != nil {
			for i, s := range pkg.KeyStrings.Strings {
				if replaced, ok := resolveCandidate(opts, s); ok {
					sites = append(sites, RewriteSite{
						Location:      "package[" + strconv.Itoa(pi) + "].key_strings[" + strconv.Itoa(i) + "]",
						OriginalValue: s,
						NewValue:      replaced,
					})
				}
			}
		}
	}
	return sites
}

// looksLikeBinaryXML reports whether path is plausibly a compiled binary
// XML resource, used by Scan's default target set.
func looksLikeBinaryXML(path string) bool {
	return len(path) >= 4 && strings.EqualFold(path[len(path)-4:], ".xml")
}
