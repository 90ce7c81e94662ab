// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

// FuzzStringPool exercises the string-pool codec's parse-then-emit round
// trip, following the project's old-style go-fuzz entry-point convention:
// return 1 when the corpus entry is interesting, 0 otherwise.
func FuzzStringPool(data []byte) int {
	pool, _, err := ParseStringPool(data, ValidationLenient)
	if err != nil {
		return 0
	}
	if _, err := pool.Emit(); err != nil {
		return 0
	}
	return 1
}

// FuzzResourceTable exercises the resource-table codec's parse, emit, and
// integrity-check path.
func FuzzResourceTable(data []byte) int {
	rt, err := ParseResourceTable(data, ValidationLenient)
	if err != nil {
		return 0
	}
	out, err := rt.Emit()
	if err != nil {
		return 0
	}
	if err := VerifyIntegrity(rt, out, ValidationLenient); err != nil {
		return 0
	}
	return 1
}

// FuzzBinaryXml exercises the binary-XML codec's parse-then-emit round
// trip and its idempotent-emit contract.
func FuzzBinaryXml(data []byte) int {
	doc, err := ParseBinaryXml(data, ValidationLenient)
	if err != nil {
		return 0
	}
	first, err := doc.Emit()
	if err != nil {
		return 0
	}
	second, err := doc.Emit()
	if err != nil {
		return 0
	}
	if string(first) != string(second) {
		panic("binary-XML emit is not idempotent across repeated calls")
	}
	if _, err := ParseBinaryXml(first, ValidationLenient); err != nil {
		return 0
	}
	return 1
}

// FuzzArchive exercises the archive view's load-then-emit round trip.
func FuzzArchive(data []byte) int {
	av, err := Load(data, nil)
	if err != nil {
		return 0
	}
	defer av.Close()
	if _, err := av.EmitBytes(); err != nil {
		return 0
	}
	return 1
}
