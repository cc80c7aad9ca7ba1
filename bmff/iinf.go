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
	"fmt"
	"io"
)

// infeFlagHidden marks an item that is not intended for standalone display,
// such as the input tiles of a grid.
const infeFlagHidden = 1

// ItemInfoEntry represents an "infe" box.
type ItemInfoEntry struct {
	FullBox

	ItemID          uint16
	ProtectionIndex uint16
	ItemType        string // always 4 bytes

	Name string

	// If Type == "mime":
	ContentType     string
	ContentEncoding string

	// If Type == "uri ":
	ItemURIType string
}

// NewItemInfoEntry returns an entry that encodes as a version 2 'infe' box.
func NewItemInfoEntry(itemID uint16, itemType string) *ItemInfoEntry {
	return &ItemInfoEntry{
		FullBox:  FullBox{box: newBox("infe"), Version: 2},
		ItemID:   itemID,
		ItemType: itemType,
	}
}

// Hidden reports whether the item is flagged as not for standalone display.
func (ie *ItemInfoEntry) Hidden() bool { return ie.Flags&infeFlagHidden != 0 }

// SetHidden sets or clears the hidden flag.
func (ie *ItemInfoEntry) SetHidden(hidden bool) {
	if hidden {
		ie.Flags |= infeFlagHidden
	} else {
		ie.Flags &^= infeFlagHidden
	}
}

func parseItemInfoEntry(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ie := &ItemInfoEntry{FullBox: fb}
	switch fb.Version {
	case 2:
		ie.ItemID, _ = br.readUint16()
	case 3:
		id, _ := br.readUint32()
		if br.ok() && id > 0xFFFF {
			return nil, fmt.Errorf("infe: item ID %d exceeds the 16-bit item model", id)
		}
		ie.ItemID = uint16(id)
	default:
		return nil, fmt.Errorf("infe: unsupported version %d", fb.Version)
	}
	ie.ProtectionIndex, _ = br.readUint16()
	if !br.ok() {
		return nil, br.err
	}
	buf, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	ie.ItemType = string(buf[:4])
	br.Discard(4)
	ie.Name, _ = br.readString()

	switch ie.ItemType {
	case "mime":
		ie.ContentType, _ = br.readString()
		if br.anyRemain() {
			ie.ContentEncoding, _ = br.readString()
		}
	case "uri ":
		ie.ItemURIType, _ = br.readString()
	default:
		// hvc1, grid, iovl, Exif and friends carry no extra fields.
	}
	if !br.ok() {
		return nil, br.err
	}
	return ie, nil
}

// WriteTo writes the box in BMFF wire format (version 2).
func (ie *ItemInfoEntry) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeUint16(ie.ItemID)
	bw.writeUint16(ie.ProtectionIndex)
	bw.writeBrand(ie.ItemType)
	bw.writeString(ie.Name)
	switch ie.ItemType {
	case "mime":
		bw.writeString(ie.ContentType)
		if ie.ContentEncoding != "" {
			bw.writeString(ie.ContentEncoding)
		}
	case "uri ":
		bw.writeString(ie.ItemURIType)
	}
	return bw.writeFullBoxTo(w, boxType("infe"), 2, ie.Flags)
}

// ItemInfoBox represents an "iinf" box.
type ItemInfoBox struct {
	FullBox
	Count     uint32
	ItemInfos []*ItemInfoEntry
}

// NewItemInfoBox returns an empty item info table.
func NewItemInfoBox() *ItemInfoBox {
	return &ItemInfoBox{FullBox: FullBox{box: newBox("iinf")}}
}

// Add appends an entry. Entries keep their insertion order.
func (ib *ItemInfoBox) Add(ie *ItemInfoEntry) {
	ib.ItemInfos = append(ib.ItemInfos, ie)
	ib.Count = uint32(len(ib.ItemInfos))
}

// EntryByID returns the first entry for itemID and whether one exists.
func (ib *ItemInfoBox) EntryByID(itemID uint16) (*ItemInfoEntry, bool) {
	for _, ie := range ib.ItemInfos {
		if ie.ItemID == itemID {
			return ie, true
		}
	}
	return nil, false
}

func parseItemInfoBox(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ib := &ItemInfoBox{FullBox: fb}

	if ib.Version >= 1 {
		ib.Count, _ = br.readUint32()
	} else {
		count, _ := br.readUint16()
		ib.Count = uint32(count)
	}

	var itemInfos []Box
	br.parseAppendBoxes(&itemInfos)
	if br.ok() {
		for _, b := range itemInfos {
			pb, err := b.Parse()
			if err == ErrUnknownBox {
				// Skip unknown boxes so files with stray children still read.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("error parsing ItemInfoEntry in ItemInfoBox: %v", err)
			}
			if iie, ok := pb.(*ItemInfoEntry); ok {
				ib.ItemInfos = append(ib.ItemInfos, iie)
			}
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ib, nil
}

// WriteTo writes the box in BMFF wire format: a version 0 'iinf' whose
// entries encode as version 2 'infe' children.
func (ib *ItemInfoBox) WriteTo(w io.Writer) (int64, error) {
	if len(ib.ItemInfos) > 0xFFFF {
		return 0, fmt.Errorf("iinf: %d entries exceed the 16-bit entry count", len(ib.ItemInfos))
	}
	bw := new(bufWriter)
	bw.writeUint16(uint16(len(ib.ItemInfos)))
	for _, ie := range ib.ItemInfos {
		bw.writeBoxChild(ie)
	}
	return bw.writeFullBoxTo(w, boxType("iinf"), 0, 0)
}
