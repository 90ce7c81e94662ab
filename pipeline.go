// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"fmt"
	"os"
	"time"

	"github.com/apkpatch/apkpatch/internal/log"
)

// Pipeline orchestrates one end-to-end run: Snapshot, Load, Scan,
// Pre-validate, Replace, Post-validate, Commit/Rollback.
type Pipeline struct {
	Config      Config
	SnapshotDir string
	Logger      *log.Helper

	// Cancelled is checked between phases and at per-entry boundaries
	// during Scan and Replace. Callers may set it from another goroutine;
	// the pipeline only reads it.
	Cancelled func() bool

	// ResourceTablePath is the archive entry holding the compiled
	// resources.arsc-equivalent resource table.
	ResourceTablePath string
}

// NewPipeline constructs a Pipeline with sane defaults for SnapshotDir
// and Logger if left unset.
func NewPipeline(cfg Config, logger *log.Helper) *Pipeline {
	if logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(log.LevelInfo)))
	}
	return &Pipeline{
		Config:            cfg,
		SnapshotDir:       os.TempDir(),
		Logger:            logger,
		ResourceTablePath: "resources.arsc",
	}
}

func (p *Pipeline) cancelled() bool {
	return p.Cancelled != nil && p.Cancelled()
}

// Run executes the full pipeline against the archive at archivePath,
// writing the result to outputPath on success. dexClasses may be nil, in
// which case the dex cross-check of pre-validate is skipped.
func (p *Pipeline) Run(archivePath, outputPath string, dexClasses *DexClassSet) (report *ReplacementReport, err error) {
	report = &ReplacementReport{Transaction: TransactionCreated}

	// Phase 1: Snapshot.
	txnID := fmt.Sprintf("apkpatch-%d", time.Now().UnixNano())
	snap, err := NewSnapshot(txnID, archivePath, p.SnapshotDir)
	if err != nil {
		return nil, err
	}

	rollback := func(cause error) (*ReplacementReport, error) {
		if rbErr := snap.Rollback(); rbErr != nil {
			p.Logger.Errorf("rollback failed: %v (original cause: %v)", rbErr, cause)
		}
		report.Transaction = TransactionRolledBack
		report.FatalError = cause.Error()
		return report, cause
	}

	if p.cancelled() {
		return rollback(ErrCancelled)
	}

	// Phase 2: Load.
	av, err := LoadFile(archivePath, p.Logger)
	if err != nil {
		return rollback(err)
	}
	defer av.Close()

	cm, pm, wl, err := p.Config.BuildMappings()
	if err != nil {
		return rollback(err)
	}
	opts := p.Config.RewriteOptionsFromConfig(cm, pm, wl)

	if p.cancelled() {
		return rollback(ErrCancelled)
	}

	// Phase 3: Scan.
	scanReport, err := Scan(av, p.ResourceTablePath, opts, p.Config.Targets, p.Cancelled, p.Logger)
	if err != nil {
		return rollback(err)
	}

	// Phase 4: Pre-validate.
	if err := CheckDexCrossReference(cm, dexClasses); err != nil {
		return rollback(err)
	}

	if p.cancelled() {
		return rollback(ErrCancelled)
	}

	// Phase 5: Replace.
	positives := scanReport.Positives()
	var anySucceeded bool
	var anyAttempted bool
	for path := range positives {
		if p.cancelled() {
			return rollback(ErrCancelled)
		}
		anyAttempted = true
		outcome, werr := p.replaceEntry(av, path, opts)
		if werr != nil {
			p.Logger.Warnf("replace: keeping original bytes of %s: %v", path, werr)
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", path, werr))
			continue
		}
		anySucceeded = true
		report.Entries = append(report.Entries, outcome)
	}
	if anyAttempted && !anySucceeded {
		return rollback(ErrNoPositives)
	}

	var rtModel *ResourceTable
	if len(scanReport.ResourceTable) > 0 {
		rtModel, err = p.replaceResourceTable(av, opts)
		if err != nil {
			return rollback(err)
		}
		report.ResourceTableSites = scanReport.ResourceTable
	}

	// Phase 6: Post-validate.
	if rtModel != nil {
		produced, rerr := av.Read(p.ResourceTablePath)
		if rerr != nil {
			return rollback(rerr)
		}
		mode, _ := validationModeFromString(p.Config.ValidationMode)
		if verr := VerifyIntegrity(rtModel, produced, mode); verr != nil {
			return rollback(verr)
		}
	}
	for _, entry := range report.Entries {
		data, rerr := av.Read(entry.Path)
		if rerr != nil {
			return rollback(rerr)
		}
		mode, _ := validationModeFromString(p.Config.ValidationMode)
		if _, perr := ParseBinaryXml(data, mode); perr != nil {
			return rollback(&IntegrityBroken{Invariant: fmt.Sprintf("%s: re-parse after rewrite failed: %v", entry.Path, perr)})
		}
	}

	if p.cancelled() {
		return rollback(ErrCancelled)
	}

	// Phase 7: Commit.
	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return rollback(err)
	}
	if err := av.Emit(out); err != nil {
		out.Close()
		return rollback(err)
	}
	if err := out.Close(); err != nil {
		return rollback(err)
	}
	if err := snap.Commit(p.Config.KeepBackup); err != nil {
		p.Logger.Warnf("commit succeeded but snapshot cleanup failed: %v", err)
	}
	if p.Config.AutoSign {
		// Re-signing is handled by an external align+sign tool; the
		// pipeline only surfaces the request.
		p.Logger.Infof("auto-sign requested for %s; run the external align+sign step", outputPath)
	}

	report.Transaction = TransactionCommitted
	return report, nil
}

// replaceEntry parses, rewrites, and (if any replacement occurred)
// re-emits and writes back a single binary-XML archive entry. A
// zero-replacement rewrite leaves av's copy of path untouched, so its
// bytes survive byte-identical.
func (p *Pipeline) replaceEntry(av *ArchiveView, path string, opts *RewriteOptions) (EntryOutcome, error) {
	mode, _ := validationModeFromString(p.Config.ValidationMode)
	data, err := av.Read(path)
	if err != nil {
		return EntryOutcome{}, err
	}
	doc, err := ParseBinaryXml(data, mode)
	if err != nil {
		return EntryOutcome{}, err
	}
	rootName, hasData := RootElementName(doc)
	kind := DetectXMLKind(path, rootName, hasData)
	res := RewriteXML(doc, kind, opts)
	if res.Count == 0 {
		return EntryOutcome{Path: path, Kind: kind.String()}, nil
	}
	out, err := doc.Emit()
	if err != nil {
		return EntryOutcome{}, err
	}
	if err := av.Write(path, out); err != nil {
		return EntryOutcome{}, err
	}
	return EntryOutcome{Path: path, Kind: kind.String(), Sites: res.Sites}, nil
}

// replaceResourceTable applies the package-name and global/type/key pool
// replacements to the resource-table entry and writes the re-emitted
// bytes back, forcing a full package rebuild only for packages whose
// embedded pools were touched.
func (p *Pipeline) replaceResourceTable(av *ArchiveView, opts *RewriteOptions) (*ResourceTable, error) {
	mode, _ := validationModeFromString(p.Config.ValidationMode)
	data, err := av.Read(p.ResourceTablePath)
	if err != nil {
		return nil, err
	}
	rt, err := ParseResourceTable(data, mode)
	if err != nil {
		return nil, err
	}

	rewrite := func(s string) (string, bool) { return resolveCandidate(opts, s) }

	for _, pkg := range rt.Packages {
		if newName := opts.PackageMap.Replace(pkg.Name); newName != pkg.Name {
			pkg.SetPackageName(newName)
		}
	}
	rt.ReplaceInGlobalPool(rewrite)
	rt.ReplaceInTypeOrKeyPool(rewrite)

	out, err := rt.Emit()
	if err != nil {
		return nil, err
	}
	if err := av.Write(p.ResourceTablePath, out); err != nil {
		return nil, err
	}
	return rt, nil
}
