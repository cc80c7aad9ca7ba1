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

// HEIF: ipco
type ItemPropertyContainerBox struct {
	*box
	Properties []Box // of ItemProperty or ItemFullProperty
}

// NewItemPropertyContainerBox returns an empty property container.
func NewItemPropertyContainerBox() *ItemPropertyContainerBox {
	return &ItemPropertyContainerBox{box: newBox("ipco")}
}

func parseItemPropertyContainerBox(outer *box, br *bufReader) (Box, error) {
	ipc := &ItemPropertyContainerBox{box: outer}
	return ipc, br.parseAppendBoxes(&ipc.Properties)
}

// writeRawBox re-frames a box whose body was slurped during parsing, for
// boxes this package has no encoder for.
func writeRawBox(w io.Writer, b Box) (int64, error) {
	gen, ok := b.(*box)
	if !ok || gen.slurp == nil {
		return 0, fmt.Errorf("box %q cannot be written back", b.Type())
	}
	bw := new(bufWriter)
	bw.writeBytes(gen.slurp)
	return bw.writeBoxTo(w, gen.boxType)
}

// WriteTo writes the box in BMFF wire format. Properties that implement
// io.WriterTo are re-encoded; parsed boxes without an encoder are written
// back from their original bytes.
func (ipc *ItemPropertyContainerBox) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	for _, p := range ipc.Properties {
		if wt, ok := p.(io.WriterTo); ok {
			bw.writeBoxChild(wt)
			continue
		}
		if _, err := writeRawBox(&bw.buf, p); err != nil {
			return 0, err
		}
	}
	return bw.writeBoxTo(w, boxType("ipco"))
}

// HEIF: iprp
type ItemPropertiesBox struct {
	*box
	PropertyContainer *ItemPropertyContainerBox
	Associations      []*ItemPropertyAssociation // at least 1
}

// NewItemPropertiesBox returns an 'iprp' with an empty container and a
// single empty association table.
func NewItemPropertiesBox() *ItemPropertiesBox {
	return &ItemPropertiesBox{
		box:               newBox("iprp"),
		PropertyContainer: NewItemPropertyContainerBox(),
		Associations: []*ItemPropertyAssociation{
			{FullBox: FullBox{box: newBox("ipma")}},
		},
	}
}

func parseItemPropertiesBox(outer *box, br *bufReader) (Box, error) {
	ip := &ItemPropertiesBox{
		box: outer,
	}

	var boxes []Box
	err := br.parseAppendBoxes(&boxes)
	if err != nil {
		return nil, err
	}
	if len(boxes) < 2 {
		return nil, fmt.Errorf("expect at least 2 boxes in children; got %d", len(boxes))
	}

	cb, err := boxes[0].Parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse first box, %q: %v", boxes[0].Type(), err)
	}

	var ok bool
	ip.PropertyContainer, ok = cb.(*ItemPropertyContainerBox)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T for ItemPropertiesBox.PropertyContainer", cb)
	}

	// Association boxes
	ip.Associations = make([]*ItemPropertyAssociation, 0, len(boxes)-1)
	for _, box := range boxes[1:] {
		boxp, err := box.Parse()
		if err != nil {
			return nil, fmt.Errorf("failed to parse association box: %v", err)
		}
		ipa, ok := boxp.(*ItemPropertyAssociation)
		if !ok {
			return nil, fmt.Errorf("unexpected box %q instead of ItemPropertyAssociation", boxp.Type())
		}
		ip.Associations = append(ip.Associations, ipa)
	}
	return ip, nil
}

// WriteTo writes the box in BMFF wire format: the property container
// followed by the association tables.
func (ip *ItemPropertiesBox) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeBoxChild(ip.PropertyContainer)
	for _, a := range ip.Associations {
		bw.writeBoxChild(a)
	}
	return bw.writeBoxTo(w, boxType("iprp"))
}

type ItemPropertyAssociation struct {
	FullBox
	EntryCount uint32
	Entries    []ItemPropertyAssociationItem
}

// not a box
type ItemProperty struct {
	Essential bool
	Index     uint16 // 1-based into the ipco container; 0 means no property
}

// not a box
type ItemPropertyAssociationItem struct {
	ItemID            uint16
	AssociationsCount int            // as declared
	Associations      []ItemProperty // as parsed
}

// Associate appends a property association for itemID. Repeated calls for
// the same item extend its association list in call order.
func (ipa *ItemPropertyAssociation) Associate(itemID uint16, propertyIndex uint16, essential bool) {
	prop := ItemProperty{Essential: essential, Index: propertyIndex}
	for i := range ipa.Entries {
		if ipa.Entries[i].ItemID == itemID {
			ipa.Entries[i].Associations = append(ipa.Entries[i].Associations, prop)
			ipa.Entries[i].AssociationsCount = len(ipa.Entries[i].Associations)
			return
		}
	}
	ipa.Entries = append(ipa.Entries, ItemPropertyAssociationItem{
		ItemID:            itemID,
		AssociationsCount: 1,
		Associations:      []ItemProperty{prop},
	})
	ipa.EntryCount = uint32(len(ipa.Entries))
}

func parseItemPropertyAssociation(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ipa := &ItemPropertyAssociation{FullBox: fb}
	count, _ := br.readUint32()
	ipa.EntryCount = count

	for i := uint64(0); i < uint64(count) && br.ok(); i++ {
		var itemID uint32
		if fb.Version < 1 {
			itemID16, _ := br.readUint16()
			itemID = uint32(itemID16)
		} else {
			itemID, _ = br.readUint32()
			if br.ok() && itemID > 0xFFFF {
				return nil, fmt.Errorf("ipma: item ID %d exceeds the 16-bit item model", itemID)
			}
		}
		assocCount, _ := br.readUint8()
		ipai := ItemPropertyAssociationItem{
			ItemID:            uint16(itemID),
			AssociationsCount: int(assocCount),
		}
		for j := 0; j < int(assocCount) && br.ok(); j++ {
			first, _ := br.readUint8()
			essential := first&(1<<7) != 0
			first &^= byte(1 << 7)

			var index uint16
			if fb.Flags&1 != 0 {
				second, _ := br.readUint8()
				index = uint16(first)<<8 | uint16(second)
			} else {
				index = uint16(first)
			}
			ipai.Associations = append(ipai.Associations, ItemProperty{
				Essential: essential,
				Index:     index,
			})
		}
		ipa.Entries = append(ipa.Entries, ipai)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ipa, nil
}

// WriteTo writes the box in BMFF wire format (version 0). Flags bit 0 is set
// automatically when any property index needs 15 bits.
func (ipa *ItemPropertyAssociation) WriteTo(w io.Writer) (int64, error) {
	var flags uint32
	for _, e := range ipa.Entries {
		if len(e.Associations) > 0xFF {
			return 0, fmt.Errorf("ipma item %d: %d associations exceed the 8-bit count", e.ItemID, len(e.Associations))
		}
		for _, a := range e.Associations {
			if a.Index > 0x7FFF {
				return 0, fmt.Errorf("ipma item %d: property index %d exceeds 15 bits", e.ItemID, a.Index)
			}
			if a.Index > 0x7F {
				flags = 1
			}
		}
	}

	bw := new(bufWriter)
	bw.writeUint32(uint32(len(ipa.Entries)))
	for _, e := range ipa.Entries {
		bw.writeUint16(e.ItemID)
		bw.writeUint8(uint8(len(e.Associations)))
		for _, a := range e.Associations {
			var essential uint16
			if a.Essential {
				essential = 1
			}
			if flags&1 != 0 {
				bw.writeUint16(essential<<15 | a.Index)
			} else {
				bw.writeUint8(uint8(essential<<7) | uint8(a.Index))
			}
		}
	}
	return bw.writeFullBoxTo(w, boxType("ipma"), 0, flags)
}

type ImageSpatialExtentsProperty struct {
	FullBox
	ImageWidth  uint32
	ImageHeight uint32
}

// NewImageSpatialExtents returns an 'ispe' property with the given pixel
// dimensions.
func NewImageSpatialExtents(width, height uint32) *ImageSpatialExtentsProperty {
	return &ImageSpatialExtentsProperty{
		FullBox:     FullBox{box: newBox("ispe")},
		ImageWidth:  width,
		ImageHeight: height,
	}
}

func parseImageSpatialExtentsProperty(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	w, err := br.readUint32()
	if err != nil {
		return nil, err
	}
	h, err := br.readUint32()
	if err != nil {
		return nil, err
	}
	return &ImageSpatialExtentsProperty{
		FullBox:     fb,
		ImageWidth:  w,
		ImageHeight: h,
	}, nil
}

// WriteTo writes the box in BMFF wire format.
func (p *ImageSpatialExtentsProperty) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeUint32(p.ImageWidth)
	bw.writeUint32(p.ImageHeight)
	return bw.writeFullBoxTo(w, boxType("ispe"), 0, 0)
}

// ImageRotation is a HEIF "irot" rotation property.
type ImageRotation struct {
	*box
	Angle uint8 // 1 means 90 degrees counter-clockwise, 2 means 180 counter-clockwise
}

// NewImageRotation returns an 'irot' property. Angle counts 90 degree
// counter-clockwise steps, 0-3.
func NewImageRotation(angle uint8) *ImageRotation {
	return &ImageRotation{box: newBox("irot"), Angle: angle & 3}
}

func parseImageRotation(gen *box, br *bufReader) (Box, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	return &ImageRotation{box: gen, Angle: v & 3}, nil
}

// WriteTo writes the box in BMFF wire format.
func (p *ImageRotation) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeUint8(p.Angle & 3)
	return bw.writeBoxTo(w, boxType("irot"))
}

// ImageMirror is a HEIF "imir" mirror property.
const (
	MirrorVertical   uint8 = 0
	MirrorHorizontal uint8 = 1
)

type ImageMirror struct {
	*box
	Mirror uint8
}

// NewImageMirror returns an 'imir' property.
func NewImageMirror(mirror uint8) *ImageMirror {
	return &ImageMirror{box: newBox("imir"), Mirror: mirror & 1}
}

func parseImageMirror(gen *box, br *bufReader) (Box, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	return &ImageMirror{box: gen, Mirror: v & 1}, nil
}

// WriteTo writes the box in BMFF wire format.
func (p *ImageMirror) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeUint8(p.Mirror & 1)
	return bw.writeBoxTo(w, boxType("imir"))
}

// CleanAperture is a "clap" property: the fractional crop window of an
// image. Each dimension is a numerator/denominator pair.
type CleanAperture struct {
	*box
	WidthN, WidthD       uint32
	HeightN, HeightD     uint32
	HorizOffN, HorizOffD uint32
	VertOffN, VertOffD   uint32
}

// NewCleanAperture returns an empty 'clap' property; callers fill the
// fractional fields.
func NewCleanAperture() *CleanAperture {
	return &CleanAperture{box: newBox("clap")}
}

func parseCleanAperture(gen *box, br *bufReader) (Box, error) {
	ca := &CleanAperture{box: gen}
	for _, dst := range []*uint32{
		&ca.WidthN, &ca.WidthD,
		&ca.HeightN, &ca.HeightD,
		&ca.HorizOffN, &ca.HorizOffD,
		&ca.VertOffN, &ca.VertOffD,
	} {
		*dst, _ = br.readUint32()
	}
	if !br.ok() {
		return nil, br.err
	}
	return ca, nil
}

// WriteTo writes the box in BMFF wire format.
func (ca *CleanAperture) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	for _, v := range []uint32{
		ca.WidthN, ca.WidthD,
		ca.HeightN, ca.HeightD,
		ca.HorizOffN, ca.HorizOffD,
		ca.VertOffN, ca.VertOffD,
	} {
		bw.writeUint32(v)
	}
	return bw.writeBoxTo(w, boxType("clap"))
}

// RelativeLocation is an "rloc" property: the position of an image within a
// larger canvas, used with the 'tbas' reference.
type RelativeLocation struct {
	FullBox
	HorizontalOffset uint32
	VerticalOffset   uint32
}

// NewRelativeLocation returns an 'rloc' property with the given position.
func NewRelativeLocation(horizontal, vertical uint32) *RelativeLocation {
	return &RelativeLocation{
		FullBox:          FullBox{box: newBox("rloc")},
		HorizontalOffset: horizontal,
		VerticalOffset:   vertical,
	}
}

func parseRelativeLocation(gen *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	rl := &RelativeLocation{FullBox: fb}
	rl.HorizontalOffset, _ = br.readUint32()
	rl.VerticalOffset, _ = br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	return rl, nil
}

// WriteTo writes the box in BMFF wire format.
func (rl *RelativeLocation) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeUint32(rl.HorizontalOffset)
	bw.writeUint32(rl.VerticalOffset)
	return bw.writeFullBoxTo(w, boxType("rloc"), 0, 0)
}
