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

// Package heif reads and writes HEIF still-image containers, as found in
// Apple HEIC images. This package does not decode coded images; it reads
// item metadata and payload bytes, and the writer subpackage assembles
// files from already-encoded payloads.
//
// This package is a work in progress and makes no API compatibility
// promises.
package heif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/qqlizhn/heif/bmff"
)

// File represents a HEIF file.
//
// Methods on File should not be called concurrently.
type File struct {
	ra io.ReaderAt

	// Populated lazily, by getMeta:
	metaErr error
	meta    *BoxMeta
}

// BoxMeta contains the low-level BMFF metadata boxes.
type BoxMeta struct {
	FileType      *bmff.FileTypeBox
	Handler       *bmff.HandlerBox
	PrimaryItem   *bmff.PrimaryItemBox
	ItemInfo      *bmff.ItemInfoBox
	Properties    *bmff.ItemPropertiesBox
	ItemLocation  *bmff.ItemLocationBox
	ItemData      *bmff.ItemDataBox
	ItemReference *bmff.ItemReferenceBox
}

// EXIFItemID returns the item ID of the EXIF part, or 0 if not found.
func (m *BoxMeta) EXIFItemID() uint16 {
	if m.ItemInfo == nil {
		return 0
	}
	for _, ife := range m.ItemInfo.ItemInfos {
		if ife.ItemType == "Exif" {
			return ife.ItemID
		}
	}
	return 0
}

// Item represents an item in a HEIF file.
type Item struct {
	f *File

	ID         uint16
	Info       *bmff.ItemInfoEntry
	Location   *bmff.ItemLocationBoxEntry // location in file
	Properties []bmff.Box
	References []*bmff.ItemReferenceEntry
}

func (item *Item) Reference(name string) *bmff.ItemReferenceEntry {
	for _, r := range item.References {
		if name == r.Type().String() {
			return r
		}
	}
	return nil
}

// SpatialExtents returns the item's spatial extents property values, if present,
// not correcting from any camera rotation metadata.
func (it *Item) SpatialExtents() (width, height int, ok bool) {
	for _, p := range it.Properties {
		if p, ok := p.(*bmff.ImageSpatialExtentsProperty); ok {
			return int(p.ImageWidth), int(p.ImageHeight), true
		}
	}
	return
}

// HevcConfig returns the hvcC box
func (it *Item) HevcConfig() (b *bmff.ItemHevcConfigBox, ok bool) {
	for _, p := range it.Properties {
		if p, ok := p.(*bmff.ItemHevcConfigBox); ok {
			return p, true
		}
	}
	return
}

// Rotations returns the number of 90 degree rotations counter-clockwise that this
// image should be rendered at, in the range [0,3].
func (it *Item) Rotations() int {
	for _, p := range it.Properties {
		if p, ok := p.(*bmff.ImageRotation); ok {
			return int(p.Angle)
		}
	}
	return 0
}

// Mirror returns the mirroring axis: 0 = vertical, 1 = horizontal
func (it *Item) Mirror() int {
	for _, p := range it.Properties {
		if p, ok := p.(*bmff.ImageMirror); ok {
			return int(p.Mirror)
		}
	}
	return 0
}

// VisualDimensions returns the item's width and height after correcting
// for any rotations.
func (it *Item) VisualDimensions() (width, height int, ok bool) {
	width, height, ok = it.SpatialExtents()
	for i := 0; i < it.Rotations(); i++ {
		width, height = height, width
	}
	return
}

// Open returns a handle to access a HEIF file.
func Open(f io.ReaderAt) *File {
	return &File{ra: f}
}

// ErrNoEXIF is returned by File.EXIF when a file does not contain an EXIF item.
var ErrNoEXIF = errors.New("heif: no EXIF found")

// ErrUnknownItem is returned by File.ItemByID for unknown items.
var ErrUnknownItem = errors.New("heif: unknown item")

// EXIF returns the raw EXIF data from the file, positioned at the TIFF
// header. The error is ErrNoEXIF if the file did not contain EXIF.
//
// The raw EXIF data can be parsed by the
// github.com/rwcarlsen/goexif/exif package's Decode function.
func (f *File) EXIF() ([]byte, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	exifID := meta.EXIFItemID()
	if exifID == 0 {
		return nil, ErrNoEXIF
	}
	it, err := f.ItemByID(exifID)
	if err != nil {
		return nil, err
	}

	data, err := f.ItemData(it)
	if err != nil {
		return nil, err
	}

	// An EXIF item starts with a u32 offset from the end of that field to
	// the TIFF header, usually 0.
	if len(data) < 4 {
		return nil, fmt.Errorf("heif: EXIF item of %d bytes is too short", len(data))
	}
	off := 4 + uint64(binary.BigEndian.Uint32(data[:4]))
	if off > uint64(len(data)) {
		return nil, fmt.Errorf("heif: EXIF TIFF header offset %d is out of bounds", off)
	}
	return data[off:], nil
}

// itemOffsetDepthLimit bounds ItemOffset chains: a file whose items address
// each other in a cycle fails instead of recursing forever.
const itemOffsetDepthLimit = 8

// GetItemData returns the item's payload bytes, reassembling extents in
// list order. Content encoding declared in the item's info entry is not
// undone; see ItemData.
func (f *File) GetItemData(it *Item) ([]byte, error) {
	return f.itemData(it, 0)
}

func (f *File) itemData(it *Item, depth int) ([]byte, error) {
	loc := it.Location
	if loc == nil {
		return nil, fmt.Errorf("heif: item %d has no location", it.ID)
	}
	if len(loc.Extents) == 0 {
		return nil, fmt.Errorf("heif: item %d has no extents", it.ID)
	}

	const maxSize = 200 << 20 // 200MB cap it for sanity
	var total uint64
	for _, ext := range loc.Extents {
		// Checked per extent, so the running sum stays under the cap and
		// cannot wrap.
		if ext.Length > maxSize-total {
			return nil, fmt.Errorf("heif: declared size exceeds threshold of %d bytes", maxSize)
		}
		total += ext.Length
	}

	data := make([]byte, 0, total)
	for _, ext := range loc.Extents {
		part, err := f.readExtent(it, loc, ext, depth)
		if err != nil {
			return nil, err
		}
		data = append(data, part...)
	}
	return data, nil
}

func (f *File) readExtent(it *Item, loc *bmff.ItemLocationBoxEntry, ext bmff.Extent, depth int) ([]byte, error) {
	pos := loc.BaseOffset + ext.Offset
	if pos < ext.Offset { // wrapped
		return nil, fmt.Errorf("heif: item %d extent offset %d+%d overflows", it.ID, loc.BaseOffset, ext.Offset)
	}
	switch loc.ConstructionMethod {
	case bmff.FileOffset:
		buf := make([]byte, ext.Length)
		n, err := f.ra.ReadAt(buf, int64(pos))
		if err != nil {
			log.Printf("heif: read %d bytes (expected %d at %d): %v", n, ext.Length, pos, err)
			return nil, err
		}
		return buf, nil

	case bmff.IdatOffset:
		if f.meta.ItemData == nil {
			return nil, fmt.Errorf("heif: item %d addresses idat but the file has none", it.ID)
		}
		idat := f.meta.ItemData.Data
		if pos > uint64(len(idat)) || ext.Length > uint64(len(idat))-pos {
			return nil, fmt.Errorf("heif: item %d extent %d+%d is outside the %d-byte idat", it.ID, pos, ext.Length, len(idat))
		}
		return idat[pos : pos+ext.Length], nil

	case bmff.ItemOffset:
		if depth >= itemOffsetDepthLimit {
			return nil, fmt.Errorf("heif: item %d: item offset chain deeper than %d", it.ID, itemOffsetDepthLimit)
		}
		refs := it.Reference(bmff.RefIloc)
		if refs == nil || len(refs.ToItemIDs) == 0 {
			return nil, fmt.Errorf("heif: item %d uses item construction but has no 'iloc' references", it.ID)
		}
		// The extent index is 1-based; 0 selects the first reference.
		idx := ext.Index
		if idx == 0 {
			idx = 1
		}
		if idx > uint64(len(refs.ToItemIDs)) {
			return nil, fmt.Errorf("heif: item %d extent index %d exceeds its %d 'iloc' references", it.ID, idx, len(refs.ToItemIDs))
		}
		src, err := f.ItemByID(refs.ToItemIDs[idx-1])
		if err != nil {
			return nil, err
		}
		srcData, err := f.itemData(src, depth+1)
		if err != nil {
			return nil, err
		}
		if pos > uint64(len(srcData)) || ext.Length > uint64(len(srcData))-pos {
			return nil, fmt.Errorf("heif: item %d extent %d+%d is outside item %d's %d bytes", it.ID, pos, ext.Length, src.ID, len(srcData))
		}
		return srcData[pos : pos+ext.Length], nil
	}
	return nil, fmt.Errorf("heif: item %d has unsupported construction method %v", it.ID, loc.ConstructionMethod)
}

// ItemData returns the item's payload with any content encoding declared in
// its info entry ("gzip" or "deflate") undone.
func (f *File) ItemData(it *Item) ([]byte, error) {
	data, err := f.GetItemData(it)
	if err != nil {
		return nil, err
	}
	if it.Info == nil {
		return data, nil
	}
	switch it.Info.ContentEncoding {
	case "":
		return data, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("heif: item %d gzip: %v", it.ID, err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		zr := flate.NewReader(bytes.NewReader(data))
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return nil, fmt.Errorf("heif: item %d has unsupported content encoding %q", it.ID, it.Info.ContentEncoding)
}

func (f *File) setMetaErr(err error) error {
	if err != nil {
		f.metaErr = err
	}
	return err
}

func (f *File) getMeta() (*BoxMeta, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta != nil {
		return f.meta, nil
	}
	const assumedMaxSize = 5 << 40 // arbitrary
	sr := io.NewSectionReader(f.ra, 0, assumedMaxSize)
	bmr := bmff.NewReader(sr)

	meta := &BoxMeta{}

	pbox, err := bmr.ReadAndParseBox(bmff.TypeFtyp)
	if err != nil {
		return nil, f.setMetaErr(err)
	}
	meta.FileType = pbox.(*bmff.FileTypeBox)

	pbox, err = bmr.ReadAndParseBox(bmff.TypeMeta)
	if err != nil {
		return nil, f.setMetaErr(err)
	}
	metabox := pbox.(*bmff.MetaBox)

	for _, box := range metabox.Children {
		boxp, err := box.Parse()
		if err == bmff.ErrUnknownBox {
			continue
		}
		if err != nil {
			return nil, f.setMetaErr(err)
		}
		switch v := boxp.(type) {
		case *bmff.HandlerBox:
			meta.Handler = v
		case *bmff.PrimaryItemBox:
			meta.PrimaryItem = v
		case *bmff.ItemInfoBox:
			meta.ItemInfo = v
		case *bmff.ItemPropertiesBox:
			meta.Properties = v
		case *bmff.ItemLocationBox:
			meta.ItemLocation = v
		case *bmff.ItemDataBox:
			meta.ItemData = v
		case *bmff.ItemReferenceBox:
			meta.ItemReference = v
		}
	}

	f.meta = meta
	return f.meta, nil
}

// Meta returns the file's parsed metadata boxes.
func (f *File) Meta() (*BoxMeta, error) {
	return f.getMeta()
}

// PrimaryItem returns the HEIF file's primary item.
func (f *File) PrimaryItem() (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	if meta.PrimaryItem == nil {
		return nil, errors.New("heif: HEIF file lacks primary item box")
	}
	return f.ItemByID(meta.PrimaryItem.ItemID)
}

// Items returns all items the file declares, in info entry order.
func (f *File) Items() ([]*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	if meta.ItemInfo == nil {
		return nil, nil
	}
	items := make([]*Item, 0, len(meta.ItemInfo.ItemInfos))
	for _, iie := range meta.ItemInfo.ItemInfos {
		it, err := f.ItemByID(iie.ItemID)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// ItemByID by returns the file's Item of a given ID.
// If the ID is unknown, the returned error is ErrUnknownItem.
func (f *File) ItemByID(id uint16) (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	it := &Item{
		f:  f,
		ID: id,
	}
	if meta.ItemLocation != nil {
		if ilbe, err := meta.ItemLocation.ItemLocationForID(id); err == nil {
			shallowCopy := *ilbe
			it.Location = &shallowCopy
		}
	}

	if meta.ItemReference != nil {
		for _, ir := range meta.ItemReference.ItemRefs {
			if ir.FromItemID == id {
				it.References = append(it.References, ir)
			}
		}
	}

	if meta.ItemInfo != nil {
		if iie, ok := meta.ItemInfo.EntryByID(id); ok {
			it.Info = iie
		}
	}
	if it.Info == nil {
		return nil, ErrUnknownItem
	}
	if meta.Properties != nil {
		allProps := meta.Properties.PropertyContainer.Properties
		for _, ipa := range meta.Properties.Associations {
			// Files in the wild carry one association table; if several
			// are present the first one naming the item wins.
			if len(it.Properties) > 0 {
				break
			}

			for _, ipai := range ipa.Entries {
				if ipai.ItemID != id {
					continue
				}
				for _, ass := range ipai.Associations {
					if ass.Index != 0 && int(ass.Index) <= len(allProps) {
						box := allProps[ass.Index-1]
						boxp, err := box.Parse()
						if err == nil {
							box = boxp
						}
						it.Properties = append(it.Properties, box)
					}
				}
			}
		}
	}
	return it, nil
}
