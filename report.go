// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxReportedSitesPerKind caps the number of per-site locations surfaced
// in the human-readable report.
const maxReportedSitesPerKind = 20

// TransactionState is the commit/rollback state of one pipeline run.
type TransactionState int

// Recognized transaction states.
const (
	TransactionCreated TransactionState = iota
	TransactionCommitted
	TransactionRolledBack
)

func (s TransactionState) String() string {
	switch s {
	case TransactionCommitted:
		return "committed"
	case TransactionRolledBack:
		return "rolled back"
	default:
		return "created"
	}
}

// EntryOutcome is one archive entry's replacement outcome in the final
// report.
type EntryOutcome struct {
	Path  string        `json:"path"`
	Kind  string        `json:"kind"`
	Sites []RewriteSite `json:"sites"`
}

// ReplacementReport is the structured output the pipeline produces
// alongside the modified archive.
type ReplacementReport struct {
	Transaction        TransactionState `json:"transaction"`
	Entries            []EntryOutcome   `json:"entries"`
	ResourceTableSites []RewriteSite    `json:"resource_table_sites"`
	Warnings           []string         `json:"warnings,omitempty"`
	FatalError         string           `json:"fatal_error,omitempty"`
}

// TotalSites returns the total count of replacements actually applied.
func (r *ReplacementReport) TotalSites() int {
	n := len(r.ResourceTableSites)
	for _, e := range r.Entries {
		n += len(e.Sites)
	}
	return n
}

// String renders a human-readable summary: a count per kind, the first
// maxReportedSitesPerKind instances with locations, and a commit/rollback
// summary line.
func (r *ReplacementReport) String() string {
	var b strings.Builder

	counts := make(map[string]int)
	for _, e := range r.Entries {
		counts[e.Kind] += len(e.Sites)
	}
	if len(r.ResourceTableSites) > 0 {
		counts["resource_table"] = len(r.ResourceTableSites)
	}

	fmt.Fprintf(&b, "apkpatch: %d replacement(s) across %d kind(s)\n", r.TotalSites(), len(counts))
	for kind, n := range counts {
		fmt.Fprintf(&b, "  %-14s %d\n", kind, n)
	}

	shown := 0
	for _, e := range r.Entries {
		for _, s := range e.Sites {
			if shown >= maxReportedSitesPerKind {
				break
			}
			fmt.Fprintf(&b, "  %s: %s: %q -> %q\n", e.Path, s.Location, s.OriginalValue, s.NewValue)
			shown++
		}
	}
	for _, s := range r.ResourceTableSites {
		if shown >= maxReportedSitesPerKind {
			break
		}
		fmt.Fprintf(&b, "  <resource-table>: %s: %q -> %q\n", s.Location, s.OriginalValue, s.NewValue)
		shown++
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "%d warning(s):\n", len(r.Warnings))
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}

	fmt.Fprintf(&b, "transaction: %s", r.Transaction)
	if r.FatalError != "" {
		fmt.Fprintf(&b, " (%s)", r.FatalError)
	}
	b.WriteByte('\n')

	return b.String()
}

// WriteJSON marshals the report as indented JSON.
func (r *ReplacementReport) WriteJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
