// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "sort"

// ClassMap holds exact fully-qualified-class-name substitutions. Once
// constructed for a pipeline run it is treated as immutable and may be
// shared read-only across rewriter invocations.
type ClassMap struct {
	m map[string]string
}

// NewClassMap returns an empty ClassMap.
func NewClassMap() *ClassMap {
	return &ClassMap{m: make(map[string]string)}
}

// Insert binds a to b. Inserting the same (a, b) pair twice is a no-op;
// inserting a second, different b for an already-bound a is a
// MappingConflict.
func (c *ClassMap) Insert(a, b string) error {
	if existing, ok := c.m[a]; ok {
		if existing == b {
			return nil
		}
		return &MappingConflict{Key: a, Existing: existing, Incoming: b}
	}
	c.m[a] = b
	return nil
}

// Get performs an exact lookup, returning ("", false) if a is unmapped.
func (c *ClassMap) Get(a string) (string, bool) {
	b, ok := c.m[a]
	return b, ok
}

// Len returns the number of bound classes.
func (c *ClassMap) Len() int {
	return len(c.m)
}

// Keys returns the mapped class names in sorted order, for deterministic
// iteration during pre-validation.
func (c *ClassMap) Keys() []string {
	keys := make([]string, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PackageMap holds package-prefix substitutions with longest-prefix,
// `.`-boundary semantics.
type PackageMap struct {
	m map[string]string
	// sortedPrefixes holds every bound prefix ordered from longest to
	// shortest so Replace can return on first match.
	sortedPrefixes []string
}

// NewPackageMap returns an empty PackageMap.
func NewPackageMap() *PackageMap {
	return &PackageMap{m: make(map[string]string)}
}

// Insert binds prefix a to replacement b, with the same conflict
// semantics as ClassMap.Insert.
func (p *PackageMap) Insert(a, b string) error {
	if existing, ok := p.m[a]; ok {
		if existing == b {
			return nil
		}
		return &MappingConflict{Key: a, Existing: existing, Incoming: b}
	}
	p.m[a] = b
	p.sortedPrefixes = nil // invalidate cache; rebuilt lazily on next Replace
	return nil
}

// Get performs an exact lookup of a bound prefix.
func (p *PackageMap) Get(a string) (string, bool) {
	b, ok := p.m[a]
	return b, ok
}

// Len returns the number of bound prefixes.
func (p *PackageMap) Len() int {
	return len(p.m)
}

func (p *PackageMap) ensureSorted() {
	if p.sortedPrefixes != nil {
		return
	}
	prefixes := make([]string, 0, len(p.m))
	for k := range p.m {
		prefixes = append(prefixes, k)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	p.sortedPrefixes = prefixes
}

// Replace iterates bound prefixes in descending-length order and, on the
// first `.`-boundary match against s, returns the substitution applied to
// s's matched prefix (the remainder of s, if any, is retained verbatim).
// If no prefix matches, s is returned unchanged.
func (p *PackageMap) Replace(s string) string {
	p.ensureSorted()
	for _, prefix := range p.sortedPrefixes {
		if !dotBoundaryPrefixMatch(s, prefix) {
			continue
		}
		replacement := p.m[prefix]
		if s == prefix {
			return replacement
		}
		return replacement + s[len(prefix):]
	}
	return s
}
