// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "strings"

// IsCandidateIdentifier reports whether s satisfies the syntactic rules
// of a class/package reference: at least two non-empty
// dot-segments, each a valid identifier, none purely digits, none of the
// disallowed characters, and not a resource reference.
func IsCandidateIdentifier(s string) bool {
	if strings.ContainsAny(s, "/-: =") {
		return false
	}
	if strings.HasPrefix(s, "@") {
		return false
	}
	segments := strings.Split(s, ".")
	if len(segments) < 2 {
		return false
	}
	for _, seg := range segments {
		if seg == "" {
			return false
		}
		if !isValidIdentifierSegment(seg) {
			return false
		}
		if isAllDigits(seg) {
			return false
		}
	}
	return true
}

func isValidIdentifierSegment(seg string) bool {
	for i, r := range seg {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isAllDigits(seg string) bool {
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Whitelist is the set of own-package prefixes used to decide whether a
// candidate identifier is in-scope for rewriting.
type Whitelist struct {
	prefixes []string
}

// NewWhitelist builds a Whitelist from the configured own-package
// prefixes.
func NewWhitelist(prefixes []string) *Whitelist {
	w := &Whitelist{prefixes: append([]string(nil), prefixes...)}
	return w
}

// Matches reports whether s is prefixed by one of the whitelist's
// own-package prefixes under the same `.`-boundary rule used by
// PackageMap: the prefix must consume whole dot-segments of s, i.e. s
// equals the prefix or s starts with prefix+".".
func (w *Whitelist) Matches(s string) bool {
	for _, p := range w.prefixes {
		if dotBoundaryPrefixMatch(s, p) {
			return true
		}
	}
	return false
}

// IsRewritable reports whether s is both a candidate identifier and
// matched by the whitelist.
func (w *Whitelist) IsRewritable(s string) bool {
	return IsCandidateIdentifier(s) && w.Matches(s)
}

// dotBoundaryPrefixMatch reports whether s is prefix itself, or starts
// with prefix followed by a "." boundary — never a mid-segment partial
// match (e.g. prefix "com.foo" must not match "com.foobar").
func dotBoundaryPrefixMatch(s, prefix string) bool {
	if prefix == "" {
		return false
	}
	if s == prefix {
		return true
	}
	return strings.HasPrefix(s, prefix+".")
}

// eligibleAttributeNames is the set of attributes whose string value may
// carry a class/package reference and
// is therefore eligible for rewriting, keyed by the qualified name
// ("prefix:localName", or the bare local name when unprefixed).
// "tools:context" is gated by the process_tools_context config flag and
// is checked separately in eligibleAttribute.
var eligibleAttributeNames = map[string]bool{
	"android:name":      true,
	"class":             true,
	"app:layoutManager": true,
	"android:fragment":  true,
}

// eligibleAttribute reports whether the attribute qualifies under the
// attribute-context filter. insideDataElement and isVariableOrImport
// scope the <data>-only `type` attribute on <variable>/<import>.
// processToolsContext gates tools:context per the config flag (default true).
func eligibleAttribute(qualifiedName string, insideDataElement, isVariableOrImport, processToolsContext bool) bool {
	if qualifiedName == "tools:context" {
		return processToolsContext
	}
	if insideDataElement && isVariableOrImport && qualifiedName == "type" {
		return true
	}
	return eligibleAttributeNames[qualifiedName]
}

// eligibleTagName reports whether a start-element's tag name is itself
// eligible for rewriting (custom view class names): it must be a
// rewritable candidate under the whitelist.
func eligibleTagName(w *Whitelist, name string) bool {
	return w.IsRewritable(name)
}
