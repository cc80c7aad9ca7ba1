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

package heif

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/qqlizhn/heif/bmff"
)

// Grid returns the parsed payload of a 'grid' derived item and its input
// tile item IDs in row-major order. The input count is checked against the
// declared rows and columns.
func (it *Item) Grid() (bmff.ImageGrid, []uint16, error) {
	var grid bmff.ImageGrid
	if it.Info == nil || it.Info.ItemType != "grid" {
		return grid, nil, fmt.Errorf("heif: item %d is not a grid", it.ID)
	}
	data, err := it.f.ItemData(it)
	if err != nil {
		return grid, nil, err
	}
	if err := grid.UnmarshalBinary(data); err != nil {
		return grid, nil, err
	}
	dimg := it.Reference(bmff.RefDimg)
	if dimg == nil {
		return grid, nil, fmt.Errorf("heif: grid item %d has no 'dimg' references", it.ID)
	}
	if want := grid.Rows() * grid.Columns(); len(dimg.ToItemIDs) != want {
		return grid, nil, fmt.Errorf("heif: grid item %d has %d tiles, wants %d", it.ID, len(dimg.ToItemIDs), want)
	}
	return grid, dimg.ToItemIDs, nil
}

// Overlay returns the parsed payload of an 'iovl' derived item and its
// input item IDs. The payload must carry one offset pair per input.
func (it *Item) Overlay() (bmff.ImageOverlay, []uint16, error) {
	var overlay bmff.ImageOverlay
	if it.Info == nil || it.Info.ItemType != "iovl" {
		return overlay, nil, fmt.Errorf("heif: item %d is not an overlay", it.ID)
	}
	data, err := it.f.ItemData(it)
	if err != nil {
		return overlay, nil, err
	}
	if err := overlay.UnmarshalBinary(data); err != nil {
		return overlay, nil, err
	}
	dimg := it.Reference(bmff.RefDimg)
	if dimg == nil {
		return overlay, nil, fmt.Errorf("heif: overlay item %d has no 'dimg' references", it.ID)
	}
	if len(overlay.Offsets) != len(dimg.ToItemIDs) {
		return overlay, nil, fmt.Errorf("heif: overlay item %d has %d offsets for %d inputs", it.ID, len(overlay.Offsets), len(dimg.ToItemIDs))
	}
	return overlay, dimg.ToItemIDs, nil
}

// IdentitySource returns the source item ID of an 'iden' derived item and
// whether the item is one. An identity derivation carries no payload: its
// meaning is the source image plus the item's transformative properties.
func (it *Item) IdentitySource() (uint16, bool) {
	if it.Info == nil || it.Info.ItemType != "iden" {
		return 0, false
	}
	dimg := it.Reference(bmff.RefDimg)
	if dimg == nil || len(dimg.ToItemIDs) != 1 {
		return 0, false
	}
	return dimg.ToItemIDs[0], true
}

// ExtractExif reads the EXIF block of the HEIF file in ra.
func ExtractExif(ra io.ReaderAt) ([]byte, error) {
	hf := Open(ra)
	return hf.EXIF()
}

// DecodeConfig returns the dimensions of the primary image without decoding
// any pixels.
func DecodeConfig(r io.Reader) (image.Config, error) {
	var config image.Config

	ra, err := asReaderAt(r)
	if err != nil {
		return config, err
	}

	hf := Open(ra)

	it, err := hf.PrimaryItem()
	if err != nil {
		return config, err
	}

	width, height, ok := it.SpatialExtents()
	if !ok {
		return config, fmt.Errorf("heif: primary item has no dimensions")
	}

	config = image.Config{
		ColorModel: color.YCbCrModel,
		Width:      width,
		Height:     height,
	}
	return config, nil
}

func asReaderAt(r io.Reader) (io.ReaderAt, error) {
	if ra, ok := r.(io.ReaderAt); ok {
		return ra, nil
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(b), nil
}
