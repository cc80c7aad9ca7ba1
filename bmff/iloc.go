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
	"errors"
	"fmt"
	"io"
)

// Errors reported by the item location table. They are wrapped with the
// identifying item ID; match with errors.Is.
var (
	ErrDuplicateItem       = errors.New("heif: duplicate item ID")
	ErrItemNotFound        = errors.New("heif: item not found")
	ErrInvalidFieldWidth   = errors.New("heif: invalid iloc field width")
	ErrExtentCountOverflow = errors.New("heif: extent count overflow")
)

// ConstructionMethod selects how an item's base offset and extent offsets
// are interpreted.
type ConstructionMethod uint8

const (
	// FileOffset addresses bytes by absolute file offset.
	FileOffset ConstructionMethod = 0
	// IdatOffset addresses bytes within the meta box's 'idat' payload.
	IdatOffset ConstructionMethod = 1
	// ItemOffset addresses bytes within another item's data; the extent
	// index selects which 'iloc' reference of the item is followed.
	ItemOffset ConstructionMethod = 2
)

func (m ConstructionMethod) String() string {
	switch m {
	case FileOffset:
		return "file"
	case IdatOffset:
		return "idat"
	case ItemOffset:
		return "item"
	}
	return fmt.Sprintf("ConstructionMethod(%d)", uint8(m))
}

// Extent is one contiguous byte run backing part of an item's data. Items
// reassemble from their extents in list order.
type Extent struct {
	// Index is meaningful only in ItemOffset mode: the 1-based position of
	// the 'iloc' reference naming the source item, 0 selecting the first.
	Index  uint64
	Offset uint64
	Length uint64
}

// MaxExtentCount is the format ceiling on extents per item: the on-wire
// extent count is a 16-bit field.
const MaxExtentCount = 65535

// ItemLocationBoxEntry is one item's complete location description.
type ItemLocationBoxEntry struct {
	ItemID             uint16
	ConstructionMethod ConstructionMethod
	DataReferenceIndex uint16
	BaseOffset         uint64
	Extents            []Extent
}

// AddExtent appends ext, preserving insertion order. Exceeding
// MaxExtentCount fails with ErrExtentCountOverflow.
func (e *ItemLocationBoxEntry) AddExtent(ext Extent) error {
	if len(e.Extents) >= MaxExtentCount {
		return fmt.Errorf("iloc item %d: %w", e.ItemID, ErrExtentCountOverflow)
	}
	e.Extents = append(e.Extents, ext)
	return nil
}

// ExtentCount returns the number of extents as the 16-bit count the wire
// format uses.
func (e *ItemLocationBoxEntry) ExtentCount() uint16 {
	return uint16(len(e.Extents))
}

// ItemLocationBox is the 'iloc' box: an ordered table of per-item location
// entries plus the four field widths its wire form uses. Entries keep their
// insertion order; item IDs are unique within a table.
//
// Methods on ItemLocationBox are not safe for concurrent use.
type ItemLocationBox struct {
	FullBox

	offsetSize, lengthSize, baseOffsetSize, indexSize uint8 // bytes, each 0, 4 or 8

	Items []ItemLocationBoxEntry
}

// NewItemLocationBox returns an empty location table that encodes with the
// given version (0, 1 or 2). Field widths default to 4-byte offsets, lengths
// and base offsets with no extent index field.
func NewItemLocationBox(version uint8) *ItemLocationBox {
	return &ItemLocationBox{
		FullBox:        FullBox{box: newBox("iloc"), Version: version},
		offsetSize:     4,
		lengthSize:     4,
		baseOffsetSize: 4,
	}
}

// SetFieldSizes sets the four wire field widths in bytes. Each must be 0, 4
// or 8; 0 omits the field from the wire entirely. The index width is written
// only by versions 1 and 2.
func (b *ItemLocationBox) SetFieldSizes(offset, length, baseOffset, index uint8) error {
	for _, s := range [...]uint8{offset, length, baseOffset, index} {
		if s != 0 && s != 4 && s != 8 {
			return fmt.Errorf("%w: %d bytes", ErrInvalidFieldWidth, s)
		}
	}
	b.offsetSize, b.lengthSize, b.baseOffsetSize, b.indexSize = offset, length, baseOffset, index
	return nil
}

// FieldSizes returns the four wire field widths in bytes.
func (b *ItemLocationBox) FieldSizes() (offset, length, baseOffset, index uint8) {
	return b.offsetSize, b.lengthSize, b.baseOffsetSize, b.indexSize
}

func (b *ItemLocationBox) findItem(itemID uint16) int {
	for i := range b.Items {
		if b.Items[i].ItemID == itemID {
			return i
		}
	}
	return -1
}

// HasItemIDEntry reports whether the table holds an entry for itemID.
func (b *ItemLocationBox) HasItemIDEntry(itemID uint16) bool {
	return b.findItem(itemID) >= 0
}

// AddLocation inserts entry. An entry with the same item ID already present
// fails with ErrDuplicateItem and leaves the table unchanged.
func (b *ItemLocationBox) AddLocation(entry ItemLocationBoxEntry) error {
	if b.HasItemIDEntry(entry.ItemID) {
		return fmt.Errorf("iloc item %d: %w", entry.ItemID, ErrDuplicateItem)
	}
	if len(entry.Extents) > MaxExtentCount {
		return fmt.Errorf("iloc item %d: %w", entry.ItemID, ErrExtentCountOverflow)
	}
	b.Items = append(b.Items, entry)
	return nil
}

// AddExtent appends ext to the entry for itemID. The entry must already
// exist; a missing item fails with ErrItemNotFound and adds nothing.
func (b *ItemLocationBox) AddExtent(itemID uint16, ext Extent) error {
	i := b.findItem(itemID)
	if i < 0 {
		return fmt.Errorf("iloc item %d: %w", itemID, ErrItemNotFound)
	}
	return b.Items[i].AddExtent(ext)
}

// SetItemDataReferenceIndex updates the data reference index of an existing
// entry. A missing item fails with ErrItemNotFound; the entry is never
// created implicitly.
func (b *ItemLocationBox) SetItemDataReferenceIndex(itemID, dataReferenceIndex uint16) error {
	i := b.findItem(itemID)
	if i < 0 {
		return fmt.Errorf("iloc item %d: %w", itemID, ErrItemNotFound)
	}
	b.Items[i].DataReferenceIndex = dataReferenceIndex
	return nil
}

// ItemLocationForID returns the entry for itemID, or ErrItemNotFound. The
// returned entry is owned by the table and remains valid until the table is
// next modified.
func (b *ItemLocationBox) ItemLocationForID(itemID uint16) (*ItemLocationBoxEntry, error) {
	i := b.findItem(itemID)
	if i < 0 {
		return nil, fmt.Errorf("iloc item %d: %w", itemID, ErrItemNotFound)
	}
	return &b.Items[i], nil
}

// indexGate reports whether entries with the given construction method carry
// per-extent index fields in this table's wire form.
func (b *ItemLocationBox) indexGate(version uint8, method ConstructionMethod) bool {
	return version >= 1 && b.indexSize > 0 && method == ItemOffset
}

// WriteTo writes the box in BMFF wire format using the table's version and
// field widths. Values that do not fit their configured width, and
// construction methods version 0 cannot express, are errors.
func (b *ItemLocationBox) WriteTo(w io.Writer) (int64, error) {
	version := b.Version
	if version > 2 {
		return 0, fmt.Errorf("iloc: unsupported version %d", version)
	}
	if version < 2 && len(b.Items) > 0xFFFF {
		return 0, fmt.Errorf("iloc: %d items exceed the 16-bit item count of version %d", len(b.Items), version)
	}

	bw := new(bufWriter)
	bw.writeUint8(b.offsetSize<<4 | b.lengthSize)
	if version >= 1 {
		bw.writeUint8(b.baseOffsetSize<<4 | b.indexSize)
	} else {
		bw.writeUint8(b.baseOffsetSize << 4) // low nibble reserved
	}
	if version == 2 {
		bw.writeUint32(uint32(len(b.Items)))
	} else {
		bw.writeUint16(uint16(len(b.Items)))
	}

	for i := range b.Items {
		ent := &b.Items[i]
		if version == 2 {
			bw.writeUint32(uint32(ent.ItemID))
		} else {
			bw.writeUint16(ent.ItemID)
		}
		if version >= 1 {
			bw.writeUint16(uint16(ent.ConstructionMethod) & 15) // 12 reserved bits + method
		} else if ent.ConstructionMethod != FileOffset {
			return 0, fmt.Errorf("iloc item %d: construction method %v requires version 1 or 2", ent.ItemID, ent.ConstructionMethod)
		}
		bw.writeUint16(ent.DataReferenceIndex)
		if !fitsField(ent.BaseOffset, b.baseOffsetSize) {
			return 0, fmt.Errorf("iloc item %d: base offset %d does not fit %d-byte field", ent.ItemID, ent.BaseOffset, b.baseOffsetSize)
		}
		bw.writeUintN(ent.BaseOffset, b.baseOffsetSize)
		if len(ent.Extents) > MaxExtentCount {
			return 0, fmt.Errorf("iloc item %d: %w", ent.ItemID, ErrExtentCountOverflow)
		}
		bw.writeUint16(uint16(len(ent.Extents)))
		withIndex := b.indexGate(version, ent.ConstructionMethod)
		for _, ext := range ent.Extents {
			if withIndex {
				if !fitsField(ext.Index, b.indexSize) {
					return 0, fmt.Errorf("iloc item %d: extent index %d does not fit %d-byte field", ent.ItemID, ext.Index, b.indexSize)
				}
				bw.writeUintN(ext.Index, b.indexSize)
			}
			if !fitsField(ext.Offset, b.offsetSize) {
				return 0, fmt.Errorf("iloc item %d: extent offset %d does not fit %d-byte field", ent.ItemID, ext.Offset, b.offsetSize)
			}
			if !fitsField(ext.Length, b.lengthSize) {
				return 0, fmt.Errorf("iloc item %d: extent length %d does not fit %d-byte field", ent.ItemID, ext.Length, b.lengthSize)
			}
			bw.writeUintN(ext.Offset, b.offsetSize)
			bw.writeUintN(ext.Length, b.lengthSize)
		}
	}
	return bw.writeFullBoxTo(w, boxType("iloc"), version, 0)
}

// fieldWidth validates a width nibble from the wire.
func fieldWidth(nibble uint8, name string) (uint8, error) {
	switch nibble {
	case 0, 4, 8:
		return nibble, nil
	}
	return 0, fmt.Errorf("%w: %s size %d", ErrInvalidFieldWidth, name, nibble)
}

func parseItemLocationBox(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	if fb.Version > 2 {
		return nil, fmt.Errorf("iloc: unsupported version %d", fb.Version)
	}
	ilb := &ItemLocationBox{FullBox: fb}

	buf, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	if ilb.offsetSize, err = fieldWidth(buf[0]>>4, "offset"); err != nil {
		return nil, err
	}
	if ilb.lengthSize, err = fieldWidth(buf[0]&15, "length"); err != nil {
		return nil, err
	}
	if ilb.baseOffsetSize, err = fieldWidth(buf[1]>>4, "base offset"); err != nil {
		return nil, err
	}
	if fb.Version >= 1 {
		if ilb.indexSize, err = fieldWidth(buf[1]&15, "index"); err != nil {
			return nil, err
		}
	}
	// Version 0 leaves the low nibble reserved; ignore it.
	br.Discard(2)

	var itemCount uint32
	if fb.Version == 2 {
		itemCount, _ = br.readUint32()
	} else {
		c, _ := br.readUint16()
		itemCount = uint32(c)
	}

	for i := uint32(0); br.ok() && i < itemCount; i++ {
		var ent ItemLocationBoxEntry
		if fb.Version == 2 {
			id, _ := br.readUint32()
			if id > 0xFFFF {
				return nil, fmt.Errorf("iloc: item ID %d exceeds the 16-bit item model", id)
			}
			ent.ItemID = uint16(id)
		} else {
			ent.ItemID, _ = br.readUint16()
		}
		if fb.Version >= 1 {
			cmeth, _ := br.readUint16()
			ent.ConstructionMethod = ConstructionMethod(cmeth & 15)
		}
		ent.DataReferenceIndex, _ = br.readUint16()
		bo, _ := br.readUintN(ilb.baseOffsetSize * 8)
		ent.BaseOffset = bo
		extentCount, _ := br.readUint16()
		withIndex := ilb.indexGate(fb.Version, ent.ConstructionMethod)
		for j := 0; br.ok() && j < int(extentCount); j++ {
			var ext Extent
			if withIndex {
				ext.Index, _ = br.readUintN(ilb.indexSize * 8)
			}
			ext.Offset, _ = br.readUintN(ilb.offsetSize * 8)
			ext.Length, _ = br.readUintN(ilb.lengthSize * 8)
			if br.err != nil {
				return nil, br.err
			}
			ent.Extents = append(ent.Extents, ext)
		}
		if !br.ok() {
			break
		}
		if err := ilb.AddLocation(ent); err != nil {
			return nil, err
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ilb, nil
}
