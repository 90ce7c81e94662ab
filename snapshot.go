// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot is a full-file copy of the pre-run archive, stored under a
// temp directory keyed by transaction id. Commit removes it
// unless the run's configuration requests retention; rollback restores
// it atomically.
type Snapshot struct {
	TransactionID string
	OriginalPath  string
	snapshotPath  string
}

// NewSnapshot copies originalPath into dir/<transactionID>.snapshot and
// returns a handle to it. dir is created if it does not already exist.
func NewSnapshot(transactionID, originalPath, dir string) (*Snapshot, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("apkpatch: creating snapshot dir: %w", err)
	}
	snapshotPath := filepath.Join(dir, transactionID+".snapshot")

	src, err := os.Open(originalPath)
	if err != nil {
		return nil, fmt.Errorf("apkpatch: opening archive for snapshot: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(snapshotPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("apkpatch: creating snapshot file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return nil, fmt.Errorf("apkpatch: writing snapshot: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("apkpatch: closing snapshot: %w", err)
	}

	return &Snapshot{TransactionID: transactionID, OriginalPath: originalPath, snapshotPath: snapshotPath}, nil
}

// Rollback restores the snapshot to OriginalPath atomically: write to a
// temp file on the same filesystem, then rename over the original.
func (s *Snapshot) Rollback() error {
	dir := filepath.Dir(s.OriginalPath)
	tmp, err := os.CreateTemp(dir, ".apkpatch-rollback-*")
	if err != nil {
		return fmt.Errorf("apkpatch: creating rollback temp file: %w", err)
	}
	tmpPath := tmp.Name()

	src, err := os.Open(s.snapshotPath)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("apkpatch: opening snapshot for rollback: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		src.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("apkpatch: writing rollback temp file: %w", err)
	}
	src.Close()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("apkpatch: closing rollback temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.OriginalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("apkpatch: renaming rollback temp file into place: %w", err)
	}
	return nil
}

// Commit removes the snapshot file unless retain is true.
func (s *Snapshot) Commit(retain bool) error {
	if retain {
		return nil
	}
	if err := os.Remove(s.snapshotPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("apkpatch: removing snapshot: %w", err)
	}
	return nil
}

// Path returns the on-disk location of the snapshot file.
func (s *Snapshot) Path() string {
	return s.snapshotPath
}
