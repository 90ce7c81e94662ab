// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import (
	"fmt"
	"sort"
)

const (
	xmlHeaderSize  = 8
	nodeHeaderSize = 8 // line(4) + comment(4), following the common chunk header
	attrExtSize    = 20
	attrRecordSize = 20

	resValueSize = 8 // size(2)+res0(1)+dataType(1)+data(4)
)

// Attribute value data types recognized by the value_type byte.
const (
	TypeNull      = 0x00
	TypeReference = 0x01
	TypeAttribute = 0x02
	TypeString    = 0x03
	TypeFloat     = 0x04
	TypeDimension = 0x05
	TypeFraction  = 0x06
	TypeIntDec    = 0x10
	TypeIntHex    = 0x11
	TypeIntBool   = 0x12
)

// EventKind tags a binary-XML event.
type EventKind int

// Recognized event kinds.
const (
	EventStartNamespace EventKind = iota
	EventEndNamespace
	EventStartElement
	EventEndElement
	EventCData
)

// NSEvent is a StartNamespace or EndNamespace event.
type NSEvent struct {
	Line   int
	Prefix string
	URI    string
}

// AttributeEvent is one attribute record belonging to a StartElementEvent.
// Attribute events nest inside their parent element rather than appear as
// independent entries in the flat event list, so the pairing between an
// attribute and its element is structural instead of something callers
// must re-derive.
type AttributeEvent struct {
	NS         string
	Name       string
	ResourceID uint32
	RawValue   string // the literal, unresolved string form, "" if absent
	hasRaw     bool
	ValueType  uint8
	Value      uint32
}

// StartElementEvent is a StartElement event together with its attributes.
type StartElementEvent struct {
	Line       int
	NS         string
	Name       string
	Attributes []*AttributeEvent
	idAttr     *AttributeEvent
	classAttr  *AttributeEvent
	styleAttr  *AttributeEvent
}

// EndElementEvent is an EndElement event.
type EndElementEvent struct {
	Line int
	NS   string
	Name string
}

// CDataEvent is a CDATA (text) event. Text is the string-pool-resolved
// body; ValueType/Value are the accompanying typed-value struct, passed
// through unchanged since plain text nodes never carry a rewritable
// typed value.
type CDataEvent struct {
	Line      int
	Text      string
	ValueType uint8
	Value     uint32
}

// Event is one entry in a BinaryXml's ordered event stream.
type Event struct {
	Kind      EventKind
	StartNS   *NSEvent
	EndNS     *NSEvent
	StartElem *StartElementEvent
	EndElem   *EndElementEvent
	CData     *CDataEvent
}

// BinaryXml is a parsed compiled-XML document.
type BinaryXml struct {
	StringPool    *StringPool
	ResourceIDMap []uint32
	Events        []Event
}

// ParseBinaryXml parses a complete binary-XML entry.
func ParseBinaryXml(b []byte, mode ValidationMode) (*BinaryXml, error) {
	h, err := readChunkHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Type != chunkXML {
		return nil, &ParseError{Region: "binxml", Position: 0, Reason: fmt.Sprintf("expected chunk type 0x0003, got 0x%04x", h.Type)}
	}
	if int(h.HeaderSize) != xmlHeaderSize {
		return nil, &ParseError{Region: "binxml", Position: 0, Reason: "unexpected xml header size"}
	}

	doc := &BinaryXml{}
	offset := int(h.HeaderSize)
	end := int(h.Size)

	var elemStack []*StartElementEvent

	for offset < end {
		if offset+8 > end {
			return nil, &ParseError{Region: "binxml.children", Position: int64(offset), Reason: "truncated child chunk header"}
		}
		ch, err := readChunkHeader(b[offset:end])
		if err != nil {
			return nil, &ParseError{Region: "binxml.children", Position: int64(offset), Reason: err.Error()}
		}
		chunkBytes := b[offset : offset+int(ch.Size)]

		switch ch.Type {
		case chunkStringPool:
			if doc.StringPool != nil {
				return nil, &ParseError{Region: "binxml", Position: int64(offset), Reason: "more than one string pool chunk"}
			}
			pool, _, err := ParseStringPool(chunkBytes, mode)
			if err != nil {
				return nil, err
			}
			doc.StringPool = pool

		case chunkXMLResourceMap:
			count := (int(ch.Size) - 8) / 4
			if count < 0 || count > maxSaneCount {
				return nil, &ParseError{Region: "binxml.resmap", Position: int64(offset), Reason: "resource id map count out of range"}
			}
			ids := make([]uint32, count)
			for i := 0; i < count; i++ {
				v, err := readU32(chunkBytes, 8+i*4)
				if err != nil {
					return nil, &ParseError{Region: "binxml.resmap", Position: int64(offset + 8 + i*4), Reason: err.Error()}
				}
				ids[i] = v
			}
			doc.ResourceIDMap = ids

		case chunkXMLStartNS, chunkXMLEndNS:
			if doc.StringPool == nil {
				return nil, &ParseError{Region: "binxml", Position: int64(offset), Reason: "namespace event before string pool"}
			}
			line, _ := readU32(chunkBytes, 8)
			prefixIdx, _ := readU32(chunkBytes, 16)
			uriIdx, _ := readU32(chunkBytes, 20)
			ns := &NSEvent{
				Line:   int(line),
				Prefix: doc.stringAt(int32(prefixIdx)),
				URI:    doc.stringAt(int32(uriIdx)),
			}
			if ch.Type == chunkXMLStartNS {
				doc.Events = append(doc.Events, Event{Kind: EventStartNamespace, StartNS: ns})
			} else {
				doc.Events = append(doc.Events, Event{Kind: EventEndNamespace, EndNS: ns})
			}

		case chunkXMLStartElem:
			if doc.StringPool == nil {
				return nil, &ParseError{Region: "binxml", Position: int64(offset), Reason: "element event before string pool"}
			}
			line, _ := readU32(chunkBytes, 8)
			nsIdx, _ := readU32(chunkBytes, 16)
			nameIdx, _ := readU32(chunkBytes, 20)
			attrStart, _ := readU16(chunkBytes, 24)
			_, _ = readU16(chunkBytes, 26) // attribute_size, always attrRecordSize
			attrCount, _ := readU16(chunkBytes, 28)
			idIndex, _ := readU16(chunkBytes, 30)
			classIndex, _ := readU16(chunkBytes, 32)
			styleIndex, _ := readU16(chunkBytes, 34)

			elem := &StartElementEvent{
				Line: int(line),
				NS:   doc.stringAt(int32(nsIdx)),
				Name: doc.stringAt(int32(nameIdx)),
			}

			// attribute_offset is relative to the end of the line/comment
			// node header, which itself follows the common chunk header.
			attrsStart := chunkHeaderSize + nodeHeaderSize + int(attrStart)
			for i := 0; i < int(attrCount); i++ {
				recOff := attrsStart + i*attrRecordSize
				ansIdx, _ := readU32(chunkBytes, recOff)
				anameIdx, _ := readU32(chunkBytes, recOff+4)
				rawIdx, _ := readU32(chunkBytes, recOff+8)
				dataType, _ := readResValueType(chunkBytes, recOff+12)
				data, _ := readU32(chunkBytes, recOff+16)

				attr := &AttributeEvent{
					NS:        doc.stringAt(int32(ansIdx)),
					Name:      doc.stringAt(int32(anameIdx)),
					ValueType: dataType,
					Value:     data,
				}
				switch {
				case dataType == TypeString:
					// raw_idx and the typed value's string-pool index
					// denote the same string in every well-formed
					// document; normalize to always-present so rewriters
					// have a single field (RawValue) to mutate.
					if int32(rawIdx) != -1 {
						attr.RawValue = doc.stringAt(int32(rawIdx))
					} else {
						attr.RawValue = doc.stringAt(int32(data))
					}
					attr.hasRaw = true
				case int32(rawIdx) != -1:
					attr.RawValue = doc.stringAt(int32(rawIdx))
					attr.hasRaw = true
				}
				if int(anameIdx) < len(doc.ResourceIDMap) {
					attr.ResourceID = doc.ResourceIDMap[anameIdx]
				}
				elem.Attributes = append(elem.Attributes, attr)

				pos := i + 1
				if int(idIndex) == pos {
					elem.idAttr = attr
				}
				if int(classIndex) == pos {
					elem.classAttr = attr
				}
				if int(styleIndex) == pos {
					elem.styleAttr = attr
				}
			}

			doc.Events = append(doc.Events, Event{Kind: EventStartElement, StartElem: elem})
			elemStack = append(elemStack, elem)

		case chunkXMLEndElem:
			line, _ := readU32(chunkBytes, 8)
			nsIdx, _ := readU32(chunkBytes, 16)
			nameIdx, _ := readU32(chunkBytes, 20)
			if len(elemStack) == 0 {
				return nil, &ParseError{Region: "binxml", Position: int64(offset), Reason: "end element without matching start"}
			}
			elemStack = elemStack[:len(elemStack)-1]
			doc.Events = append(doc.Events, Event{Kind: EventEndElement, EndElem: &EndElementEvent{
				Line: int(line),
				NS:   doc.stringAt(int32(nsIdx)),
				Name: doc.stringAt(int32(nameIdx)),
			}})

		case chunkXMLCData:
			line, _ := readU32(chunkBytes, 8)
			textIdx, _ := readU32(chunkBytes, 16)
			dataType, _ := readResValueType(chunkBytes, 20)
			data, _ := readU32(chunkBytes, 24)
			cd := &CDataEvent{
				Line:      int(line),
				Text:      doc.stringAt(int32(textIdx)),
				ValueType: dataType,
				Value:     data,
			}
			doc.Events = append(doc.Events, Event{Kind: EventCData, CData: cd})

		default:
			// Unknown chunk types are surfaced as a parse error rather
			// than silently skipped, since skipping would desynchronize
			// later offsets in malformed input.
			return nil, &ParseError{Region: "binxml.children", Position: int64(offset), Reason: fmt.Sprintf("unrecognized chunk type 0x%04x", ch.Type)}
		}

		offset += int(ch.Size)
	}

	if len(elemStack) != 0 {
		return nil, ErrUnbalancedEvents
	}
	if doc.StringPool == nil {
		return nil, &ParseError{Region: "binxml", Position: int64(h.HeaderSize), Reason: "missing string pool"}
	}
	return doc, nil
}

func (doc *BinaryXml) stringAt(idx int32) string {
	if idx < 0 || int(idx) >= len(doc.StringPool.Strings) {
		return ""
	}
	return doc.StringPool.Strings[idx]
}

// readResValueType reads the dataType byte of a Res_value struct
// (size u16, res0 u8, dataType u8) starting at offset.
func readResValueType(b []byte, offset int) (uint8, error) {
	if offset+4 > len(b) {
		return 0, ErrOutOfBounds
	}
	return b[offset+3], nil
}

// Visitor receives mutable pointers into a BinaryXml's event tree in
// document order and may edit Name/NS/Value/Text fields in place; Walk
// records whatever the visitor leaves behind.
type Visitor struct {
	OnStartNamespace func(e *NSEvent)
	OnEndNamespace   func(e *NSEvent)
	OnStartElement   func(e *StartElementEvent)
	OnAttribute      func(elem *StartElementEvent, attr *AttributeEvent)
	OnText           func(e *CDataEvent)
	OnEndElement     func(e *EndElementEvent)
}

// Walk drives v over doc's event stream in order.
func (doc *BinaryXml) Walk(v *Visitor) {
	for i := range doc.Events {
		e := &doc.Events[i]
		switch e.Kind {
		case EventStartNamespace:
			if v.OnStartNamespace != nil {
				v.OnStartNamespace(e.StartNS)
			}
		case EventEndNamespace:
			if v.OnEndNamespace != nil {
				v.OnEndNamespace(e.EndNS)
			}
		case EventStartElement:
			if v.OnStartElement != nil {
				v.OnStartElement(e.StartElem)
			}
			if v.OnAttribute != nil {
				for _, a := range e.StartElem.Attributes {
					v.OnAttribute(e.StartElem, a)
				}
			}
		case EventEndElement:
			if v.OnEndElement != nil {
				v.OnEndElement(e.EndElem)
			}
		case EventCData:
			if v.OnText != nil {
				v.OnText(e.CData)
			}
		}
	}
}

// stringInterner builds a new pool reusing a fixed reserved prefix of
// strings (the resource-id-bearing attribute-name keys) at their original
// indices, then assigns fresh indices to everything else on demand.
type stringInterner struct {
	strings []string
	index   map[string]int32
}

func newStringInterner(reserved []string) *stringInterner {
	in := &stringInterner{
		strings: append([]string(nil), reserved...),
		index:   make(map[string]int32, len(reserved)*2),
	}
	for i, s := range reserved {
		if _, ok := in.index[s]; !ok {
			in.index[s] = int32(i)
		}
	}
	return in
}

func (in *stringInterner) intern(s string) int32 {
	if idx, ok := in.index[s]; ok {
		return idx
	}
	idx := int32(len(in.strings))
	in.strings = append(in.strings, s)
	in.index[s] = idx
	return idx
}

// prepareEmit computes the full rebuild plan (new pool, new records) as a
// pure function of the document's current state: calling Emit twice
// without mutating doc between calls walks the same tree and produces the
// same plan both times.
type emitPlan struct {
	pool          *StringPool
	resourceIDMap []uint32
	events        []Event
}

func (doc *BinaryXml) prepareEmit() *emitPlan {
	reservedN := len(doc.ResourceIDMap)
	if reservedN > len(doc.StringPool.Strings) {
		reservedN = len(doc.StringPool.Strings)
	}
	in := newStringInterner(doc.StringPool.Strings[:reservedN])

	internOrEmpty := func(s string) int32 {
		return in.intern(s)
	}

	events := make([]Event, len(doc.Events))
	for i, e := range doc.Events {
		switch e.Kind {
		case EventStartNamespace:
			ns := *e.StartNS
			internOrEmpty(ns.Prefix)
			internOrEmpty(ns.URI)
			events[i] = Event{Kind: EventStartNamespace, StartNS: &ns}
		case EventEndNamespace:
			ns := *e.EndNS
			internOrEmpty(ns.Prefix)
			internOrEmpty(ns.URI)
			events[i] = Event{Kind: EventEndNamespace, EndNS: &ns}
		case EventStartElement:
			elem := *e.StartElem
			internOrEmpty(elem.NS)
			internOrEmpty(elem.Name)
			attrs := make([]*AttributeEvent, len(elem.Attributes))
			var idAttr, classAttr, styleAttr *AttributeEvent
			for j, a := range elem.Attributes {
				na := *a
				internOrEmpty(na.NS)
				internOrEmpty(na.Name)
				if na.hasRaw {
					internOrEmpty(na.RawValue)
				}
				attrs[j] = &na
				switch a {
				case e.StartElem.idAttr:
					idAttr = &na
				case e.StartElem.classAttr:
					classAttr = &na
				case e.StartElem.styleAttr:
					styleAttr = &na
				}
			}
			sortAttributes(attrs, idAttr, classAttr, styleAttr)
			elem.Attributes = attrs
			elem.idAttr, elem.classAttr, elem.styleAttr = idAttr, classAttr, styleAttr
			events[i] = Event{Kind: EventStartElement, StartElem: &elem}
		case EventEndElement:
			ee := *e.EndElem
			internOrEmpty(ee.NS)
			internOrEmpty(ee.Name)
			events[i] = Event{Kind: EventEndElement, EndElem: &ee}
		case EventCData:
			cd := *e.CData
			internOrEmpty(cd.Text)
			events[i] = Event{Kind: EventCData, CData: &cd}
		}
	}

	newPool := &StringPool{
		Strings:  in.strings,
		Encoding: doc.StringPool.Encoding,
		Sorted:   doc.StringPool.Sorted,
	}

	return &emitPlan{
		pool:          newPool,
		resourceIDMap: append([]uint32(nil), doc.ResourceIDMap...),
		events:        events,
	}
}

// sortAttributes orders attrs by (resource-id, name-string,
// namespace-string). The id/class/style attribute pointers travel with
// their records, so the 1-based indices are recomputed after the sort.
func sortAttributes(attrs []*AttributeEvent, idAttr, classAttr, styleAttr *AttributeEvent) {
	sort.SliceStable(attrs, func(i, j int) bool {
		a, b := attrs[i], attrs[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.NS < b.NS
	})
}

func attrIndex1Based(attrs []*AttributeEvent, target *AttributeEvent) uint16 {
	if target == nil {
		return 0
	}
	for i, a := range attrs {
		if a == target {
			return uint16(i + 1)
		}
	}
	return 0
}

// Emit re-emits the complete binary-XML document. Emit may be called
// repeatedly without observing destructive state: prepareEmit recomputes
// the plan fresh from doc.Events each time.
func (doc *BinaryXml) Emit() ([]byte, error) {
	plan := doc.prepareEmit()

	poolBytes, err := plan.pool.Emit()
	if err != nil {
		return nil, err
	}

	var resMapBytes []byte
	if len(plan.resourceIDMap) > 0 {
		resMapBytes = make([]byte, 8+len(plan.resourceIDMap)*4)
		writeChunkHeader(resMapBytes, chunkHeader{Type: chunkXMLResourceMap, HeaderSize: 8, Size: uint32(len(resMapBytes))})
		for i, id := range plan.resourceIDMap {
			writeU32(resMapBytes, 8+i*4, id)
		}
	}

	body := append([]byte(nil), poolBytes...)
	body = append(body, resMapBytes...)

	interned := plan.pool.Strings
	indexOf := make(map[string]int32, len(interned))
	for i, s := range interned {
		if _, ok := indexOf[s]; !ok {
			indexOf[s] = int32(i)
		}
	}
	idx := func(s string) uint32 {
		if v, ok := indexOf[s]; ok {
			return uint32(v)
		}
		return 0
	}
	idxOrAbsent := func(s string, has bool) uint32 {
		if !has {
			return 0xFFFFFFFF
		}
		return idx(s)
	}

	for _, e := range plan.events {
		switch e.Kind {
		case EventStartNamespace, EventEndNamespace:
			var ns *NSEvent
			typ := uint16(chunkXMLStartNS)
			if e.Kind == EventStartNamespace {
				ns = e.StartNS
			} else {
				ns = e.EndNS
				typ = chunkXMLEndNS
			}
			rec := make([]byte, chunkHeaderSize+nodeHeaderSize+8)
			writeChunkHeader(rec, chunkHeader{Type: typ, HeaderSize: chunkHeaderSize + nodeHeaderSize, Size: uint32(len(rec))})
			writeU32(rec, 8, uint32(ns.Line))
			writeU32(rec, 12, 0xFFFFFFFF)
			writeU32(rec, 16, idx(ns.Prefix))
			writeU32(rec, 20, idx(ns.URI))
			body = append(body, rec...)

		case EventStartElement:
			elem := e.StartElem
			// ns/name refs and the six attribute ext fields sit between the
			// node header and the attribute records.
			attrsStart := chunkHeaderSize + nodeHeaderSize + attrExtSize
			total := attrsStart + len(elem.Attributes)*attrRecordSize
			rec := make([]byte, total)
			writeChunkHeader(rec, chunkHeader{Type: chunkXMLStartElem, HeaderSize: chunkHeaderSize + nodeHeaderSize, Size: uint32(total)})
			writeU32(rec, 8, uint32(elem.Line))
			writeU32(rec, 12, 0xFFFFFFFF)
			writeU32(rec, 16, idxOrAbsent(elem.NS, elem.NS != ""))
			writeU32(rec, 20, idx(elem.Name))
			writeU16(rec, 24, attrExtSize)
			writeU16(rec, 26, attrRecordSize)
			writeU16(rec, 28, uint16(len(elem.Attributes)))
			writeU16(rec, 30, attrIndex1Based(elem.Attributes, elem.idAttr))
			writeU16(rec, 32, attrIndex1Based(elem.Attributes, elem.classAttr))
			writeU16(rec, 34, attrIndex1Based(elem.Attributes, elem.styleAttr))

			for i, a := range elem.Attributes {
				off := attrsStart + i*attrRecordSize
				writeU32(rec, off, idxOrAbsent(a.NS, a.NS != ""))
				writeU32(rec, off+4, idx(a.Name))
				writeU32(rec, off+8, idxOrAbsent(a.RawValue, a.hasRaw))
				writeU16(rec, off+12, resValueSize)
				rec[off+14] = 0
				rec[off+15] = a.ValueType
				value := a.Value
				if a.ValueType == TypeString {
					value = idx(currentAttrValueString(a))
				}
				writeU32(rec, off+16, value)
			}
			body = append(body, rec...)

		case EventEndElement:
			ee := e.EndElem
			rec := make([]byte, chunkHeaderSize+nodeHeaderSize+8)
			writeChunkHeader(rec, chunkHeader{Type: chunkXMLEndElem, HeaderSize: chunkHeaderSize + nodeHeaderSize, Size: uint32(len(rec))})
			writeU32(rec, 8, uint32(ee.Line))
			writeU32(rec, 12, 0xFFFFFFFF)
			writeU32(rec, 16, idxOrAbsent(ee.NS, ee.NS != ""))
			writeU32(rec, 20, idx(ee.Name))
			body = append(body, rec...)

		case EventCData:
			cd := e.CData
			rec := make([]byte, chunkHeaderSize+nodeHeaderSize+4+resValueSize)
			writeChunkHeader(rec, chunkHeader{Type: chunkXMLCData, HeaderSize: chunkHeaderSize + nodeHeaderSize, Size: uint32(len(rec))})
			writeU32(rec, 8, uint32(cd.Line))
			writeU32(rec, 12, 0xFFFFFFFF)
			writeU32(rec, 16, idx(cd.Text))
			writeU16(rec, 20, resValueSize)
			rec[22] = 0
			rec[23] = cd.ValueType
			writeU32(rec, 24, cd.Value)
			body = append(body, rec...)
		}
	}

	out := make([]byte, xmlHeaderSize+len(body))
	writeChunkHeader(out, chunkHeader{Type: chunkXML, HeaderSize: xmlHeaderSize, Size: uint32(len(out))})
	copy(out[xmlHeaderSize:], body)
	return out, nil
}

func writeU16(b []byte, offset int, v uint16) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
}

// currentAttrValueString resolves a's current TYPE_STRING value. Rewriters
// mutate a.RawValue/a.Value directly; for TYPE_STRING attributes the
// canonical current value lives in a.RawValue, which ParseBinaryXml always
// populates. An attribute without a raw value yields "".
func currentAttrValueString(a *AttributeEvent) string {
	if a.hasRaw {
		return a.RawValue
	}
	return ""
}
