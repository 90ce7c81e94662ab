// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/apkpatch/apkpatch/internal/log"
)

// Per-entry and aggregate size caps enforced during Load.
const (
	MaxFileSize  int64 = 100 * 1024 * 1024
	MaxTotalSize int64 = 2 * 1024 * 1024 * 1024
)

// ArchiveEntry is one entry of an ArchiveView.
type ArchiveEntry struct {
	Path       string
	Method     uint16
	CRC32      uint32
	Extra      []byte
	Comment    string
	Normalized bool // true if Path differs from the entry's original on-disk name

	uncompressed     []byte
	compressed       []byte // raw, still-compressed bytes; valid when !dirty
	uncompressedSize uint64
	dirty            bool
}

// ArchiveView is an in-memory view over an archive's entries, owned
// exclusively by one pipeline run from Load through Emit.
type ArchiveView struct {
	order   []string
	entries map[string]*ArchiveEntry

	mapped mmap.MMap // non-nil when loaded via LoadFile; unmapped on Close
	logger *log.Helper
}

// NewArchiveView constructs an empty view with the given logger. A nil
// logger installs a discarding one, so callers always have a usable
// *log.Helper.
func NewArchiveView(logger *log.Helper) *ArchiveView {
	if logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(io.Discard), log.FilterLevel(log.LevelFatal)))
	}
	return &ArchiveView{entries: make(map[string]*ArchiveEntry), logger: logger}
}

// LoadFile memory-maps path and loads it as an archive. The mapping is
// held for the lifetime of the view and released by Close.
func LoadFile(path string, logger *log.Helper) (*ArchiveView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	f.Close()
	if err != nil {
		return nil, err
	}
	av, err := Load(data, logger)
	if err != nil {
		_ = data.Unmap()
		return nil, err
	}
	av.mapped = data
	return av, nil
}

// Load parses an archive held entirely in memory.
func Load(data []byte, logger *log.Helper) (*ArchiveView, error) {
	av := NewArchiveView(logger)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var total int64
	for _, f := range zr.File {
		canon, violation := canonicalizePath(f.Name)
		if violation != "" {
			return nil, &PathViolation{Path: f.Name, Reason: violation}
		}

		size := int64(f.UncompressedSize64)
		if size > MaxFileSize {
			return nil, &SizeCapExceeded{Path: f.Name, Size: size, Cap: MaxFileSize}
		}
		total += size
		if total > MaxTotalSize {
			return nil, &SizeCapExceeded{Size: total, Cap: MaxTotalSize}
		}

		rc, err := f.OpenRaw()
		if err != nil {
			return nil, fmt.Errorf("apkpatch: opening raw entry %q: %w", f.Name, err)
		}
		raw, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("apkpatch: reading raw entry %q: %w", f.Name, err)
		}

		entry := &ArchiveEntry{
			Path:             canon,
			Method:           f.Method,
			CRC32:            f.CRC32,
			Extra:            append([]byte(nil), f.Extra...),
			Comment:          f.Comment,
			Normalized:       canon != f.Name,
			compressed:       raw,
			uncompressedSize: f.UncompressedSize64,
		}
		if _, exists := av.entries[canon]; exists {
			av.logger.Warnf("duplicate archive entry path after canonicalization: %s", canon)
		}
		av.entries[canon] = entry
		av.order = append(av.order, canon)
	}

	return av, nil
}

// Close releases the memory-mapped file backing the view, if any.
func (av *ArchiveView) Close() error {
	if av.mapped != nil {
		err := av.mapped.Unmap()
		av.mapped = nil
		return err
	}
	return nil
}

// Exists reports whether path is present in the view.
func (av *ArchiveView) Exists(path string) bool {
	_, ok := av.entries[path]
	return ok
}

// Read returns the decompressed bytes of the entry at path.
func (av *ArchiveView) Read(path string) ([]byte, error) {
	e, ok := av.entries[path]
	if !ok {
		return nil, fmt.Errorf("apkpatch: no such archive entry: %s", path)
	}
	return e.bytes()
}

func (e *ArchiveEntry) bytes() ([]byte, error) {
	if e.dirty {
		return e.uncompressed, nil
	}
	if e.uncompressed != nil {
		return e.uncompressed, nil
	}
	out, err := decompressEntry(e.Method, e.compressed, e.uncompressedSize)
	if err != nil {
		return nil, err
	}
	e.uncompressed = out
	return out, nil
}

// Write replaces the content of the entry at path with data.
func (av *ArchiveView) Write(path string, data []byte) error {
	e, ok := av.entries[path]
	if !ok {
		return fmt.Errorf("apkpatch: no such archive entry: %s", path)
	}
	e.uncompressed = data
	e.dirty = true
	return nil
}

// Paths returns every entry path in load order.
func (av *ArchiveView) Paths() []string {
	return append([]string(nil), av.order...)
}

// ListMatching returns every entry path matching the given glob, using
// doublestar's ** / * / ? semantics.
func (av *ArchiveView) ListMatching(glob string) ([]string, error) {
	var out []string
	for _, p := range av.order {
		ok, err := doublestar.Match(glob, p)
		if err != nil {
			return nil, fmt.Errorf("apkpatch: bad glob %q: %w", glob, err)
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Emit re-serializes the archive, preserving method/extra/comment for
// every entry and entry order as loaded. Untouched entries are
// copied through raw via CreateRaw, which preserves their exact
// compressed bytes, CRC, and therefore any zip-alignment padding stored
// in the Extra field. Entries touched via Write are recompressed with
// their original Method.
func (av *ArchiveView) Emit(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, path := range av.order {
		e := av.entries[path]
		if !e.dirty {
			fh := &zip.FileHeader{
				Name:               path,
				Method:             e.Method,
				Extra:              e.Extra,
				Comment:            e.Comment,
				CRC32:              e.CRC32,
				CompressedSize64:   uint64(len(e.compressed)),
				UncompressedSize64: e.uncompressedSize,
			}
			dst, err := zw.CreateRaw(fh)
			if err != nil {
				return err
			}
			if _, err := dst.Write(e.compressed); err != nil {
				return err
			}
			continue
		}

		fh := &zip.FileHeader{
			Name:    path,
			Method:  e.Method,
			Extra:   e.Extra,
			Comment: e.Comment,
		}
		dst, err := zw.CreateHeader(fh)
		if err != nil {
			return err
		}
		if _, err := dst.Write(e.uncompressed); err != nil {
			return err
		}
	}
	return zw.Close()
}

// EmitBytes is a convenience wrapper around Emit returning the serialized
// archive as a byte slice.
func (av *ArchiveView) EmitBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := av.Emit(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressEntry inflates a raw (still-compressed) entry payload
// according to method.
func decompressEntry(method uint16, raw []byte, uncompressedSize uint64) ([]byte, error) {
	switch method {
	case zip.Store:
		return raw, nil
	case zip.Deflate:
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		buf := bytes.NewBuffer(make([]byte, 0, uncompressedSize))
		if _, err := io.Copy(buf, fr); err != nil {
			return nil, fmt.Errorf("apkpatch: inflating entry: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("apkpatch: unsupported compression method %d", method)
	}
}

// canonicalizePath normalizes an entry path to forward slashes and
// rejects "." or ".." traversal components, control characters, reserved
// characters, and over-long paths or segments. It returns the canonical
// form and, if rejected, a non-empty violation reason.
func canonicalizePath(p string) (string, string) {
	if len(p) == 0 || len(p) > 4096 {
		return "", "path length out of bounds"
	}
	canon := strings.ReplaceAll(p, "\\", "/")
	segments := strings.Split(canon, "/")
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			return "", "path traversal segment"
		}
		if len(seg) > 255 {
			return "", "path segment longer than 255 bytes"
		}
	}
	for _, r := range canon {
		if r == 0 || (r >= 0x01 && r <= 0x1F) || r == 0x7F {
			return "", "control character in path"
		}
		switch r {
		case '<', '>', ':', '"', '|', '?', '*':
			return "", "reserved character in path"
		}
	}
	return canon, ""
}
