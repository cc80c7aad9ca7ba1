/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bmff

import (
	"bufio"
	"fmt"
	"io"
)

// Reference types used by HEIF still images.
const (
	RefDimg = "dimg" // derived image inputs, in derivation order
	RefThmb = "thmb" // thumbnail of
	RefCdsc = "cdsc" // content description (Exif, XMP)
	RefAuxl = "auxl" // auxiliary image of
	RefBase = "base" // pre-derived coded image bases
	RefIloc = "iloc" // item whose data extents address another item
)

// ItemReferenceBox represents an "iref" box.
type ItemReferenceBox struct {
	FullBox
	ItemRefs []*ItemReferenceEntry
}

// ItemReferenceEntry is one typed reference: a from-item pointing at an
// ordered list of to-items. The entry's box type is the reference type.
type ItemReferenceEntry struct {
	*box
	FromItemID uint16
	Count      uint16
	ToItemIDs  []uint16
}

// NewItemReferenceBox returns an empty reference table.
func NewItemReferenceBox() *ItemReferenceBox {
	return &ItemReferenceBox{FullBox: FullBox{box: newBox("iref")}}
}

// Add appends a reference entry of the given 4-byte type. The to-item order
// is preserved; for RefDimg it is the derivation input order.
func (ib *ItemReferenceBox) Add(referenceType string, fromItemID uint16, toItemIDs ...uint16) *ItemReferenceEntry {
	e := &ItemReferenceEntry{
		box:        newBox(referenceType),
		FromItemID: fromItemID,
		ToItemIDs:  toItemIDs,
		Count:      uint16(len(toItemIDs)),
	}
	ib.ItemRefs = append(ib.ItemRefs, e)
	return e
}

// EntriesByType returns the entries whose reference type matches, in table
// order.
func (ib *ItemReferenceBox) EntriesByType(referenceType string) []*ItemReferenceEntry {
	var out []*ItemReferenceEntry
	for _, e := range ib.ItemRefs {
		if e.Type().EqualString(referenceType) {
			out = append(out, e)
		}
	}
	return out
}

func parseItemReferenceBox(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ib := &ItemReferenceBox{FullBox: fb}

	var itemRefs []Box
	br.parseAppendBoxes(&itemRefs)

	if br.ok() {
		for _, b := range itemRefs {
			e, err := parseItemReferenceEntry(b.(*box), &bufReader{Reader: bufio.NewReader(b.Body())}, ib.Version)
			if err != nil {
				return nil, fmt.Errorf("error parsing ItemReferenceEntry in ItemReferenceBox: %v", err)
			}
			ib.ItemRefs = append(ib.ItemRefs, e)
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ib, nil
}

func parseItemReferenceEntry(outer *box, br *bufReader, version uint8) (*ItemReferenceEntry, error) {
	e := &ItemReferenceEntry{box: outer}

	readID := func() (uint16, error) {
		if version == 0 {
			return br.readUint16()
		}
		id, err := br.readUint32()
		if err == nil && id > 0xFFFF {
			err = fmt.Errorf("iref: item ID %d exceeds the 16-bit item model", id)
			br.err = err
		}
		return uint16(id), err
	}

	e.FromItemID, _ = readID()
	e.Count, _ = br.readUint16()
	for i := 0; br.ok() && i < int(e.Count); i++ {
		id, _ := readID()
		if br.ok() {
			e.ToItemIDs = append(e.ToItemIDs, id)
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return e, nil
}

// WriteTo writes the box in BMFF wire format (version 0, 16-bit item IDs).
func (ib *ItemReferenceBox) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	for _, e := range ib.ItemRefs {
		eb := new(bufWriter)
		eb.writeUint16(e.FromItemID)
		eb.writeUint16(uint16(len(e.ToItemIDs)))
		for _, to := range e.ToItemIDs {
			eb.writeUint16(to)
		}
		if _, err := eb.writeBoxTo(&bw.buf, e.Type()); err != nil {
			return 0, err
		}
	}
	return bw.writeFullBoxTo(w, boxType("iref"), 0, 0)
}
