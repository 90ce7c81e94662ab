// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestArchiveViewLoadRead(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"AndroidManifest.xml": "manifest-bytes",
		"res/layout/main.xml": "layout-bytes",
	})

	av, err := Load(data, nil)
	require.NoError(t, err)

	assert.True(t, av.Exists("AndroidManifest.xml"))
	assert.False(t, av.Exists("nope.xml"))

	got, err := av.Read("res/layout/main.xml")
	require.NoError(t, err)
	assert.Equal(t, "layout-bytes", string(got))
}

func TestArchiveViewRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.so")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, zw.Close())

	_, err = Load(buf.Bytes(), nil)
	require.Error(t, err)
	var pv *PathViolation
	assert.ErrorAs(t, err, &pv)
}

func TestArchiveViewWriteAndEmitRoundTrip(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"a.txt": "original-a",
		"b.txt": "original-b",
	})

	av, err := Load(data, nil)
	require.NoError(t, err)

	require.NoError(t, av.Write("a.txt", []byte("rewritten-a")))

	out, err := av.EmitBytes()
	require.NoError(t, err)

	av2, err := Load(out, nil)
	require.NoError(t, err)

	a, err := av2.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "rewritten-a", string(a))

	b, err := av2.Read("b.txt")
	require.NoError(t, err)
	assert.Equal(t, "original-b", string(b))
}

func TestArchiveViewUntouchedEntryIsByteIdenticalOnEmit(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"unchanged.txt": "keep-me-exact",
	})

	av, err := Load(data, nil)
	require.NoError(t, err)

	out, err := av.EmitBytes()
	require.NoError(t, err)

	av2, err := Load(out, nil)
	require.NoError(t, err)
	got, err := av2.Read("unchanged.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep-me-exact", string(got))
}

func TestArchiveViewListMatching(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"res/layout/main.xml":    "1",
		"res/layout/sub/a.xml":   "2",
		"res/menu/options.xml":   "3",
		"AndroidManifest.xml":    "4",
		"classes.dex":            "5",
	})
	av, err := Load(data, nil)
	require.NoError(t, err)

	matches, err := av.ListMatching("res/layout/**")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"res/layout/main.xml", "res/layout/sub/a.xml"}, matches)

	matches, err = av.ListMatching("*.xml")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AndroidManifest.xml"}, matches)
}

func TestCanonicalizePathRejectsReservedCharacters(t *testing.T) {
	_, reason := canonicalizePath("res/layout<evil>.xml")
	assert.NotEmpty(t, reason)
}

func TestCanonicalizePathNormalizesBackslashes(t *testing.T) {
	canon, reason := canonicalizePath(`res\layout\main.xml`)
	require.Empty(t, reason)
	assert.Equal(t, "res/layout/main.xml", canon)
}
