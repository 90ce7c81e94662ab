// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "strings"

// DexClassSet is the externally supplied set of enumerated bytecode class
// names used for pre-validation cross-checks. The core never parses
// bytecode itself; an external collaborator enumerates classes and hands
// the core this set.
type DexClassSet struct {
	names map[string]bool
}

// NewDexClassSet wraps a pre-enumerated set of fully-qualified class
// names.
func NewDexClassSet(fqcns []string) *DexClassSet {
	s := &DexClassSet{names: make(map[string]bool, len(fqcns))}
	for _, n := range fqcns {
		s.names[n] = true
	}
	return s
}

// Contains reports whether fqcn was enumerated.
func (s *DexClassSet) Contains(fqcn string) bool {
	if s == nil {
		return false
	}
	return s.names[fqcn]
}

// Len returns the number of enumerated classes.
func (s *DexClassSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// InternalNameToFQCN converts bytecode's internal class-name form
// ("Lcom/example/app/MainActivity;") to a dot-separated FQCN
// ("com.example.app.MainActivity"): strip the leading L, drop the
// trailing ;, translate / to . .
func InternalNameToFQCN(internal string) (string, bool) {
	if !strings.HasPrefix(internal, "L") || !strings.HasSuffix(internal, ";") {
		return "", false
	}
	body := internal[1 : len(internal)-1]
	if body == "" {
		return "", false
	}
	return strings.ReplaceAll(body, "/", "."), true
}

// LoadClassNameSet converts a slice of bytecode internal names into a
// DexClassSet of FQCNs, silently skipping any entry that does not parse
// as an internal class name (array types, primitives) since those can
// never appear as a class/package rewrite target.
func LoadClassNameSet(internalNames []string) *DexClassSet {
	var fqcns []string
	for _, n := range internalNames {
		if fqcn, ok := InternalNameToFQCN(n); ok {
			fqcns = append(fqcns, fqcn)
		}
	}
	return NewDexClassSet(fqcns)
}

// CheckDexCrossReference checks that every class-map target appears in
// classes (if classes is non-nil); otherwise it fails DexMissingClass.
func CheckDexCrossReference(cm *ClassMap, classes *DexClassSet) error {
	if classes == nil {
		return nil
	}
	for _, key := range cm.Keys() {
		target, _ := cm.Get(key)
		if !classes.Contains(target) {
			return &DexMissingClass{FQCN: target}
		}
	}
	return nil
}
