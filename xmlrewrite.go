// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"strconv"
	"strings"
)

// XMLKind identifies which rewriter applies to a binary-XML entry.
type XMLKind int

// Recognized XML shapes.
const (
	KindGeneric XMLKind = iota
	KindLayout
	KindMenu
	KindNavigation
	KindXmlConfig
	KindDrawable
	KindDataBinding
)

func (k XMLKind) String() string {
	switch k {
	case KindLayout:
		return "layout"
	case KindMenu:
		return "menu"
	case KindNavigation:
		return "navigation"
	case KindXmlConfig:
		return "xmlconfig"
	case KindDrawable:
		return "drawable"
	case KindDataBinding:
		return "databinding"
	default:
		return "generic"
	}
}

var drawableRootNames = map[string]bool{
	"vector": true, "selector": true, "shape": true, "layer-list": true,
	"animation-list": true, "ripple": true, "adaptive-icon": true,
	"inset": true, "scale": true, "clip": true, "rotate": true, "bitmap": true,
}

// DetectXMLKind picks the rewriter for an entry: path hints first, then
// root-element name, with the data-binding override
// taking priority over both once a <data> child under a <layout> root is
// observed.
func DetectXMLKind(path string, rootName string, hasDataChild bool) XMLKind {
	if rootName == "layout" && hasDataChild {
		return KindDataBinding
	}

	if pathContainsSegment(path, "layout") || pathContainsSegmentPrefix(path, "layout-") {
		return KindLayout
	}
	if pathContainsSegment(path, "menu") {
		return KindMenu
	}
	if pathContainsSegment(path, "navigation") {
		return KindNavigation
	}
	if pathContainsSegment(path, "xml") || pathContainsSegment(path, "animator") ||
		pathContainsSegment(path, "anim") || pathContainsSegment(path, "transition") {
		return KindXmlConfig
	}

	switch {
	case drawableRootNames[rootName]:
		return KindDrawable
	case rootName == "menu":
		return KindMenu
	case rootName == "navigation":
		return KindNavigation
	case strings.Contains(rootName, "."):
		return KindLayout
	case isKnownLayoutRoot(rootName):
		return KindLayout
	default:
		return KindGeneric
	}
}

var knownLayoutRoots = map[string]bool{
	"LinearLayout": true, "RelativeLayout": true, "FrameLayout": true,
	"ConstraintLayout": true, "TableLayout": true, "GridLayout": true,
	"ScrollView": true, "CoordinatorLayout": true,
}

func isKnownLayoutRoot(name string) bool {
	return knownLayoutRoots[name]
}

func pathContainsSegment(path, seg string) bool {
	for _, p := range strings.Split(path, "/") {
		if p == seg {
			return true
		}
	}
	return false
}

func pathContainsSegmentPrefix(path, prefix string) bool {
	for _, p := range strings.Split(path, "/") {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// RootElementName returns the name of doc's first StartElement event, and
// whether a direct <data> child was observed immediately inside it
// (the condition for the data-binding override).
func RootElementName(doc *BinaryXml) (name string, hasDataChild bool) {
	depth := 0
	for _, e := range doc.Events {
		if e.Kind == EventEndElement {
			depth--
			continue
		}
		if e.Kind != EventStartElement {
			continue
		}
		depth++
		if depth == 1 {
			name = e.StartElem.Name
			continue
		}
		if depth == 2 && e.StartElem.Name == "data" {
			hasDataChild = true
		}
	}
	return name, hasDataChild
}

// RewriteResult carries the outcome of a single-entry XML rewrite: the
// number of replacements applied and the site-level detail used by the
// scanner and report. RewriteXML leaves Bytes nil; callers re-emit the
// document themselves.
type RewriteResult struct {
	Bytes []byte
	Count int
	Sites []RewriteSite
}

// RewriteSite records one individual replacement for reporting.
type RewriteSite struct {
	Location      string // e.g. "element[3]/android:name", "element[0]/tag" or "text"
	OriginalValue string
	NewValue      string
}

// RewriteOptions configures the attribute-context filter and supplies the
// mapping stores consulted by every rewriter.
type RewriteOptions struct {
	Whitelist           *Whitelist
	ClassMap            *ClassMap
	PackageMap          *PackageMap
	ProcessToolsContext bool
}

// resolveCandidate maps a rewritable candidate string: exact class map
// first, then longest-prefix package map. ok is false if neither mapping
// changes the string, in which case the caller must leave it untouched.
func resolveCandidate(opts *RewriteOptions, s string) (string, bool) {
	if !opts.Whitelist.IsRewritable(s) {
		return s, false
	}
	if exact, ok := opts.ClassMap.Get(s); ok {
		return exact, exact != s
	}
	replaced := opts.PackageMap.Replace(s)
	return replaced, replaced != s
}

// RewriteXML dispatches to the rewriter for kind and walks doc in place,
// collecting RewriteSites. It does not re-emit; callers call doc.Emit()
// themselves once count > 0, so a zero-replace file keeps its original
// bytes untouched.
func RewriteXML(doc *BinaryXml, kind XMLKind, opts *RewriteOptions) *RewriteResult {
	res := &RewriteResult{}

	switch kind {
	case KindLayout:
		rewriteLayout(doc, opts, res)
	case KindMenu:
		rewriteMenu(doc, opts, res)
	case KindNavigation:
		rewriteNavigation(doc, opts, res)
	case KindDataBinding:
		rewriteDataBinding(doc, opts, res)
	case KindXmlConfig, KindDrawable, KindGeneric:
		rewriteAttributesOnly(doc, opts, res)
	}

	res.Count = len(res.Sites)
	return res
}

// rewriteLayout rewrites the start-element tag name (if a rewritable
// custom-view class name) and every eligible attribute's string value.
func rewriteLayout(doc *BinaryXml, opts *RewriteOptions, res *RewriteResult) {
	elemIdx := -1
	doc.Walk(&Visitor{
		OnStartElement: func(e *StartElementEvent) {
			elemIdx++
			if replaced, ok := resolveCandidate(opts, e.Name); ok {
				res.Sites = append(res.Sites, RewriteSite{
					Location:      elementLocation(elemIdx, "tag"),
					OriginalValue: e.Name,
					NewValue:      replaced,
				})
				e.Name = replaced
			}
		},
		OnAttribute: func(elem *StartElementEvent, attr *AttributeEvent) {
			rewriteAttrIfEligible(elem, attr, opts, res, elemIdx, false, false)
		},
	})
}

// rewriteMenu rewrites android:actionViewClass, android:actionProviderClass,
// and any class-shaped attribute.
func rewriteMenu(doc *BinaryXml, opts *RewriteOptions, res *RewriteResult) {
	elemIdx := -1
	doc.Walk(&Visitor{
		OnStartElement: func(e *StartElementEvent) { elemIdx++ },
		OnAttribute: func(elem *StartElementEvent, attr *AttributeEvent) {
			qn := qualifiedAttrName(attr)
			if qn != "android:actionViewClass" && qn != "android:actionProviderClass" && qn != "class" {
				return
			}
			applyAttrRewrite(elem, attr, opts, res, elemIdx)
		},
	})
}

// rewriteNavigation rewrites android:name on <fragment>, <activity>,
// <dialog> elements.
func rewriteNavigation(doc *BinaryXml, opts *RewriteOptions, res *RewriteResult) {
	elemIdx := -1
	var currentElem string
	doc.Walk(&Visitor{
		OnStartElement: func(e *StartElementEvent) {
			elemIdx++
			currentElem = e.Name
		},
		OnAttribute: func(elem *StartElementEvent, attr *AttributeEvent) {
			if qualifiedAttrName(attr) != "android:name" {
				return
			}
			switch currentElem {
			case "fragment", "activity", "dialog":
				applyAttrRewrite(elem, attr, opts, res, elemIdx)
			}
		},
	})
}

// rewriteAttributesOnly covers XmlConfig, Drawable, and Generic: attribute
// values only, never tag names.
func rewriteAttributesOnly(doc *BinaryXml, opts *RewriteOptions, res *RewriteResult) {
	elemIdx := -1
	doc.Walk(&Visitor{
		OnStartElement: func(e *StartElementEvent) { elemIdx++ },
		OnAttribute: func(elem *StartElementEvent, attr *AttributeEvent) {
			rewriteAttrIfEligible(elem, attr, opts, res, elemIdx, false, false)
		},
	})
}

// rewriteDataBinding additionally rewrites the `type` attribute on
// <variable>/<import> scoped to inside <data>, and every T(fqcn) substring
// inside data-binding expression text.
func rewriteDataBinding(doc *BinaryXml, opts *RewriteOptions, res *RewriteResult) {
	elemIdx := -1
	var elemStack []string
	insideData := false

	doc.Walk(&Visitor{
		OnStartElement: func(e *StartElementEvent) {
			elemIdx++
			elemStack = append(elemStack, e.Name)
			if e.Name == "data" {
				insideData = true
			}
		},
		OnEndElement: func(e *EndElementEvent) {
			if len(elemStack) > 0 {
				popped := elemStack[len(elemStack)-1]
				elemStack = elemStack[:len(elemStack)-1]
				if popped == "data" {
					insideData = false
				}
			}
		},
		OnAttribute: func(elem *StartElementEvent, attr *AttributeEvent) {
			isVarOrImport := elem.Name == "variable" || elem.Name == "import"
			rewriteAttrIfEligible(elem, attr, opts, res, elemIdx, insideData, isVarOrImport)
		},
		OnText: func(e *CDataEvent) {
			rewritten, n := rewriteTFQCNSubstrings(e.Text, opts)
			if n == 0 {
				return
			}
			res.Sites = append(res.Sites, RewriteSite{
				Location:      "text",
				OriginalValue: e.Text,
				NewValue:      rewritten,
			})
			e.Text = rewritten
		},
	})
}

// rewriteAttrIfEligible applies the attribute-context filter, then
// attempts a candidate rewrite if eligible.
func rewriteAttrIfEligible(elem *StartElementEvent, attr *AttributeEvent, opts *RewriteOptions, res *RewriteResult, elemIdx int, insideData, isVarOrImport bool) {
	qn := qualifiedAttrName(attr)
	if !eligibleAttribute(qn, insideData, isVarOrImport, opts.ProcessToolsContext) {
		return
	}
	applyAttrRewrite(elem, attr, opts, res, elemIdx)
}

func applyAttrRewrite(elem *StartElementEvent, attr *AttributeEvent, opts *RewriteOptions, res *RewriteResult, elemIdx int) {
	if attr.ValueType != TypeString {
		return
	}
	original := currentAttrValueString(attr)
	replaced, ok := resolveCandidate(opts, original)
	if !ok {
		return
	}
	res.Sites = append(res.Sites, RewriteSite{
		Location:      elementLocation(elemIdx, qualifiedAttrName(attr)),
		OriginalValue: original,
		NewValue:      replaced,
	})
	attr.RawValue = replaced
	attr.hasRaw = true
}

// qualifiedAttrName renders an attribute's name for eligibility matching,
// e.g. "android:name" or "class" for the unprefixed app attributes.
func qualifiedAttrName(attr *AttributeEvent) string {
	prefix := namespacePrefix(attr.NS)
	if prefix == "" {
		return attr.Name
	}
	return prefix + ":" + attr.Name
}

// namespacePrefix maps a recognized attribute namespace URI to its
// conventional prefix. An empty namespace maps to ""; any other
// unrecognized namespace maps to "app".
func namespacePrefix(ns string) string {
	switch {
	case ns == "":
		return ""
	case strings.Contains(ns, "schemas.android.com/apk/res/android"):
		return "android"
	case strings.Contains(ns, "schemas.android.com/tools"):
		return "tools"
	case strings.Contains(ns, "schemas.android.com/apk/res-auto"):
		return "app"
	default:
		return "app"
	}
}

func elementLocation(elemIdx int, suffix string) string {
	return "element[" + strconv.Itoa(elemIdx) + "]/" + suffix
}

// rewriteTFQCNSubstrings scans text for data-binding T(fqcn) expressions
// and rewrites fqcn wherever it is a rewritable candidate.
func rewriteTFQCNSubstrings(text string, opts *RewriteOptions) (string, int) {
	const marker = "T("
	var out strings.Builder
	count := 0
	rest := text
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			out.WriteString(rest)
			break
		}
		closeAt := strings.IndexByte(rest[i+len(marker):], ')')
		if closeAt < 0 {
			out.WriteString(rest)
			break
		}
		fqcn := rest[i+len(marker) : i+len(marker)+closeAt]
		out.WriteString(rest[:i])
		out.WriteString(marker)
		if replaced, ok := resolveCandidate(opts, fqcn); ok {
			out.WriteString(replaced)
			count++
		} else {
			out.WriteString(fqcn)
		}
		out.WriteByte(')')
		rest = rest[i+len(marker)+closeAt+1:]
	}
	if count == 0 {
		return text, 0
	}
	return out.String(), count
}
