// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFixtureLayoutXML constructs a real, valid compiled-XML document
// using the codec's own Emit path (rather than hand-assembled bytes), so
// the pipeline test below exercises genuine parse/rewrite/emit/re-parse
// round trips.
func buildFixtureLayoutXML(t *testing.T, tag string, attrName, attrNS, attrValue string) []byte {
	t.Helper()

	elem := &StartElementEvent{
		NS:   "",
		Name: tag,
		Attributes: []*AttributeEvent{
			{NS: attrNS, Name: attrName, ValueType: TypeString, hasRaw: true, RawValue: attrValue},
		},
	}
	doc := &BinaryXml{
		StringPool: &StringPool{Encoding: EncodingUTF8},
		Events: []Event{
			{Kind: EventStartNamespace, StartNS: &NSEvent{Prefix: "android", URI: androidNS()}},
			{Kind: EventStartElement, StartElem: elem},
			{Kind: EventEndElement, EndElem: &EndElementEvent{Name: tag}},
			{Kind: EventEndNamespace, EndNS: &NSEvent{Prefix: "android", URI: androidNS()}},
		},
	}

	data, err := doc.Emit()
	require.NoError(t, err)
	return data
}

func buildArchiveWithEntry(t *testing.T, path string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(path)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestPipelineRunRewritesLayoutAndCommits(t *testing.T) {
	xmlData := buildFixtureLayoutXML(t, "com.example.app.CustomView", "name", androidNS(), "com.example.app.Fragment")
	archiveData := buildArchiveWithEntry(t, "res/layout/main.xml", xmlData)

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "input.apk")
	outputPath := filepath.Join(dir, "output.apk")
	require.NoError(t, os.WriteFile(archivePath, archiveData, 0o644))

	cfg := DefaultConfig()
	cfg.OwnPackagePrefixes = []string{"com.example.app"}
	cfg.PackageMappings = map[string]string{"com.example.app": "com.renamed.app"}

	p := NewPipeline(cfg, nil)
	p.SnapshotDir = filepath.Join(dir, "snapshots")
	p.ResourceTablePath = "resources.arsc" // absent from this fixture archive

	report, err := p.Run(archivePath, outputPath, nil)
	require.NoError(t, err)
	require.Equal(t, TransactionCommitted, report.Transaction)
	require.Len(t, report.Entries, 1)
	require.Equal(t, "res/layout/main.xml", report.Entries[0].Path)
	require.Len(t, report.Entries[0].Sites, 2) // tag + android:name

	outData, err := os.ReadFile(outputPath)
	require.NoError(t, err)

	av, err := Load(outData, nil)
	require.NoError(t, err)
	rewritten, err := av.Read("res/layout/main.xml")
	require.NoError(t, err)

	doc, err := ParseBinaryXml(rewritten, ValidationLenient)
	require.NoError(t, err)

	var gotTag string
	var gotAttr string
	doc.Walk(&Visitor{
		OnStartElement: func(e *StartElementEvent) { gotTag = e.Name },
		OnAttribute: func(elem *StartElementEvent, attr *AttributeEvent) {
			gotAttr = attr.RawValue
		},
	})
	require.Equal(t, "com.renamed.app.CustomView", gotTag)
	require.Equal(t, "com.renamed.app.Fragment", gotAttr)
}

func TestPipelineRunNoMatchesLeavesEntryByteIdentical(t *testing.T) {
	xmlData := buildFixtureLayoutXML(t, "LinearLayout", "unrelated", "", "plain text")
	archiveData := buildArchiveWithEntry(t, "res/layout/main.xml", xmlData)

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "input.apk")
	outputPath := filepath.Join(dir, "output.apk")
	require.NoError(t, os.WriteFile(archivePath, archiveData, 0o644))

	cfg := DefaultConfig()
	cfg.OwnPackagePrefixes = []string{"com.example.app"}

	p := NewPipeline(cfg, nil)
	p.SnapshotDir = filepath.Join(dir, "snapshots")
	p.ResourceTablePath = "resources.arsc"

	report, err := p.Run(archivePath, outputPath, nil)
	require.NoError(t, err)
	require.Equal(t, TransactionCommitted, report.Transaction)
	require.Empty(t, report.Entries)

	outData, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	av, err := Load(outData, nil)
	require.NoError(t, err)
	got, err := av.Read("res/layout/main.xml")
	require.NoError(t, err)
	require.Equal(t, xmlData, got)
}

func TestPipelineRunRollsBackOnDexMissingClass(t *testing.T) {
	xmlData := buildFixtureLayoutXML(t, "com.example.app.CustomView", "name", androidNS(), "com.example.app.Fragment")
	archiveData := buildArchiveWithEntry(t, "res/layout/main.xml", xmlData)

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "input.apk")
	outputPath := filepath.Join(dir, "output.apk")
	require.NoError(t, os.WriteFile(archivePath, archiveData, 0o644))

	cfg := DefaultConfig()
	cfg.OwnPackagePrefixes = []string{"com.example.app"}
	cfg.ClassMappings = map[string]string{"com.example.app.CustomView": "com.renamed.app.CustomView"}

	p := NewPipeline(cfg, nil)
	p.SnapshotDir = filepath.Join(dir, "snapshots")
	p.ResourceTablePath = "resources.arsc"

	dexClasses := NewDexClassSet([]string{"com.other.Unrelated"})

	report, err := p.Run(archivePath, outputPath, dexClasses)
	require.Error(t, err)
	require.Equal(t, TransactionRolledBack, report.Transaction)

	before, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.Equal(t, archiveData, before)
}
