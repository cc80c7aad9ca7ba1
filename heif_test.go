package heif

import (
	"bytes"
	"errors"
	"image/color"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/qqlizhn/heif/bmff"
	"github.com/qqlizhn/heif/writer"
)

// fixture is a complete file assembled by the writer subpackage: four hidden
// tiles composed into a grid, an identity rotation and an overlay derived
// from them, a thumbnail, an EXIF block and a gzip-compressed XMP packet.
type fixture struct {
	data []byte

	tileIDs                            []uint16
	gridID, thumbID, idenID, overlayID uint16
	exifID, xmpID                      uint16
	tilePayloads                       [][]byte
	exif, xmp                          []byte
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		exif: []byte{'M', 'M', 0, 0x2a, 0, 0, 0, 8},
		xmp:  []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"></x:xmpmeta>`),
	}

	w := writer.NewWriter()
	for i := 0; i < 4; i++ {
		payload := bytes.Repeat([]byte{0x40 + byte(i)}, 24)
		id, err := w.AddImage(payload, writer.ImageOptions{
			Context: 1,
			Width:   512,
			Height:  512,
			Hidden:  true,
		})
		if err != nil {
			t.Fatal(err)
		}
		fx.tilePayloads = append(fx.tilePayloads, payload)
		fx.tileIDs = append(fx.tileIDs, id)
	}

	err := w.AddDerivations(writer.Derivations{
		Grids: []writer.GridConfig{{
			Context:      2,
			Rows:         2,
			Columns:      2,
			OutputWidth:  1000,
			OutputHeight: 800,
			Inputs: []writer.Ref{
				{Context: 1, Index: 1},
				{Context: 1, Index: 2},
				{Context: 1, Index: 3},
				{Context: 1, Index: 4},
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	gridID, ok := w.ContextItem(2, 1)
	if !ok {
		t.Fatal("grid item not registered under its context")
	}
	fx.gridID = gridID

	fx.thumbID, err = w.AddThumbnail(bytes.Repeat([]byte{0x7f}, 16), gridID, writer.ImageOptions{
		Width:  100,
		Height: 80,
	})
	if err != nil {
		t.Fatal(err)
	}

	rot := uint16(90)
	err = w.AddDerivations(writer.Derivations{
		Identities: []writer.IdentityConfig{{
			Context:  3,
			Source:   writer.Ref{Context: 2, Index: 1},
			Rotation: &rot,
			Mirror:   "horizontal",
		}},
		Overlays: []writer.OverlayConfig{{
			Context:      4,
			CanvasFill:   [4]uint16{65535, 65535, 65535, 65535},
			OutputWidth:  600,
			OutputHeight: 400,
			Inputs: []writer.OverlayInput{
				{Context: 1, Index: 1},
				{Context: 1, Index: 2, Horizontal: 88, Vertical: -12},
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fx.idenID, ok = w.ContextItem(3, 1); !ok {
		t.Fatal("identity item not registered under its context")
	}
	if fx.overlayID, ok = w.ContextItem(4, 1); !ok {
		t.Fatal("overlay item not registered under its context")
	}

	if fx.exifID, err = w.AddExif(gridID, fx.exif); err != nil {
		t.Fatal(err)
	}
	if fx.xmpID, err = w.AddXMP(gridID, fx.xmp, true); err != nil {
		t.Fatal(err)
	}
	w.SetPrimaryItem(gridID)

	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	fx.data = buf.Bytes()
	return fx
}

func TestPrimaryAndItems(t *testing.T) {
	fx := buildFixture(t)
	f := Open(bytes.NewReader(fx.data))

	primary, err := f.PrimaryItem()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := primary.ID, fx.gridID; got != want {
		t.Errorf("primary item ID = %d, want %d", got, want)
	}
	if got, want := primary.Info.ItemType, "grid"; got != want {
		t.Errorf("primary item type = %q, want %q", got, want)
	}

	items, err := f.Items()
	if err != nil {
		t.Fatal(err)
	}
	var gotIDs []uint16
	for _, it := range items {
		gotIDs = append(gotIDs, it.ID)
	}
	wantIDs := append([]uint16(nil), fx.tileIDs...)
	wantIDs = append(wantIDs, fx.gridID, fx.thumbID, fx.idenID, fx.overlayID, fx.exifID, fx.xmpID)
	if diff := cmp.Diff(wantIDs, gotIDs); diff != "" {
		t.Errorf("item ID order mismatch (-want +got):\n%s", diff)
	}

	if !items[0].Info.Hidden() {
		t.Error("grid tile not flagged hidden")
	}
	if primary.Info.Hidden() {
		t.Error("grid flagged hidden")
	}
}

func TestGridItem(t *testing.T) {
	fx := buildFixture(t)
	f := Open(bytes.NewReader(fx.data))

	it, err := f.PrimaryItem()
	if err != nil {
		t.Fatal(err)
	}
	grid, tiles, err := it.Grid()
	if err != nil {
		t.Fatal(err)
	}
	want := bmff.ImageGrid{
		RowsMinusOne:    1,
		ColumnsMinusOne: 1,
		OutputWidth:     1000,
		OutputHeight:    800,
	}
	if diff := cmp.Diff(want, grid); diff != "" {
		t.Errorf("grid payload mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fx.tileIDs, tiles); diff != "" {
		t.Errorf("grid tile IDs mismatch (-want +got):\n%s", diff)
	}

	tile, err := f.ItemByID(fx.tileIDs[2])
	if err != nil {
		t.Fatal(err)
	}
	data, err := f.GetItemData(tile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, fx.tilePayloads[2]) {
		t.Errorf("tile payload = %x, want %x", data, fx.tilePayloads[2])
	}

	if _, _, err := tile.Grid(); err == nil || !strings.Contains(err.Error(), "not a grid") {
		t.Errorf("Grid on a coded image: err = %v, want not-a-grid error", err)
	}
}

func TestOverlayItem(t *testing.T) {
	fx := buildFixture(t)
	f := Open(bytes.NewReader(fx.data))

	it, err := f.ItemByID(fx.overlayID)
	if err != nil {
		t.Fatal(err)
	}
	overlay, inputs, err := it.Overlay()
	if err != nil {
		t.Fatal(err)
	}
	want := bmff.ImageOverlay{
		CanvasFill:   [4]uint16{65535, 65535, 65535, 65535},
		OutputWidth:  600,
		OutputHeight: 400,
		Offsets: []bmff.OverlayOffset{
			{Horizontal: 0, Vertical: 0},
			{Horizontal: 88, Vertical: -12},
		},
	}
	if diff := cmp.Diff(want, overlay); diff != "" {
		t.Errorf("overlay payload mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fx.tileIDs[:2], inputs); diff != "" {
		t.Errorf("overlay input IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestIdentityItem(t *testing.T) {
	fx := buildFixture(t)
	f := Open(bytes.NewReader(fx.data))

	it, err := f.ItemByID(fx.idenID)
	if err != nil {
		t.Fatal(err)
	}
	src, ok := it.IdentitySource()
	if !ok {
		t.Fatal("identity item not recognized")
	}
	if got, want := src, fx.gridID; got != want {
		t.Errorf("identity source = %d, want %d", got, want)
	}
	if got, want := it.Rotations(), 1; got != want {
		t.Errorf("Rotations = %d, want %d", got, want)
	}
	if got, want := it.Mirror(), int(bmff.MirrorHorizontal); got != want {
		t.Errorf("Mirror = %d, want %d", got, want)
	}

	// The identity item shares its source's extents; one 90 degree rotation
	// swaps the visual dimensions.
	w, h, ok := it.SpatialExtents()
	if !ok || w != 1000 || h != 800 {
		t.Errorf("SpatialExtents = %d x %d (%v), want 1000 x 800", w, h, ok)
	}
	w, h, ok = it.VisualDimensions()
	if !ok || w != 800 || h != 1000 {
		t.Errorf("VisualDimensions = %d x %d (%v), want 800 x 1000", w, h, ok)
	}

	grid, err := f.ItemByID(fx.gridID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := grid.IdentitySource(); ok {
		t.Error("grid item reported as identity derivation")
	}
}

func TestEXIF(t *testing.T) {
	fx := buildFixture(t)
	f := Open(bytes.NewReader(fx.data))

	got, err := f.EXIF()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fx.exif) {
		t.Errorf("EXIF = %x, want %x", got, fx.exif)
	}

	got, err = ExtractExif(bytes.NewReader(fx.data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fx.exif) {
		t.Errorf("ExtractExif = %x, want %x", got, fx.exif)
	}

	exifItem, err := f.ItemByID(fx.exifID)
	if err != nil {
		t.Fatal(err)
	}
	cdsc := exifItem.Reference("cdsc")
	if cdsc == nil {
		t.Fatal("EXIF item has no cdsc reference")
	}
	if diff := cmp.Diff([]uint16{fx.gridID}, cdsc.ToItemIDs); diff != "" {
		t.Errorf("cdsc targets mismatch (-want +got):\n%s", diff)
	}

	thumb, err := f.ItemByID(fx.thumbID)
	if err != nil {
		t.Fatal(err)
	}
	thmb := thumb.Reference("thmb")
	if thmb == nil {
		t.Fatal("thumbnail has no thmb reference")
	}
	if diff := cmp.Diff([]uint16{fx.gridID}, thmb.ToItemIDs); diff != "" {
		t.Errorf("thmb targets mismatch (-want +got):\n%s", diff)
	}
}

func TestEXIFMissing(t *testing.T) {
	w := writer.NewWriter()
	id, err := w.AddImage([]byte{1, 2, 3}, writer.ImageOptions{Width: 8, Height: 8})
	if err != nil {
		t.Fatal(err)
	}
	w.SetPrimaryItem(id)
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	f := Open(bytes.NewReader(buf.Bytes()))
	if _, err := f.EXIF(); !errors.Is(err, ErrNoEXIF) {
		t.Errorf("EXIF on a file without one: err = %v, want ErrNoEXIF", err)
	}
}

func TestXMPContentEncoding(t *testing.T) {
	fx := buildFixture(t)
	f := Open(bytes.NewReader(fx.data))

	it, err := f.ItemByID(fx.xmpID)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := it.Info.ContentType, "application/rdf+xml"; got != want {
		t.Errorf("content type = %q, want %q", got, want)
	}
	if got, want := it.Info.ContentEncoding, "gzip"; got != want {
		t.Errorf("content encoding = %q, want %q", got, want)
	}
	if it.Location == nil || it.Location.ConstructionMethod != bmff.IdatOffset {
		t.Fatalf("XMP location = %+v, want idat construction", it.Location)
	}

	raw, err := f.GetItemData(it)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Errorf("raw XMP payload does not start with the gzip magic: %x", raw[:2])
	}
	if bytes.Equal(raw, fx.xmp) {
		t.Error("GetItemData undid the content encoding")
	}

	decoded, err := f.ItemData(it)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, fx.xmp) {
		t.Errorf("ItemData = %q, want %q", decoded, fx.xmp)
	}
}

func TestDecodeConfig(t *testing.T) {
	fx := buildFixture(t)

	config, err := DecodeConfig(bytes.NewReader(fx.data))
	if err != nil {
		t.Fatal(err)
	}
	if config.Width != 1000 || config.Height != 800 {
		t.Errorf("DecodeConfig = %d x %d, want 1000 x 800", config.Width, config.Height)
	}
	if config.ColorModel != color.YCbCrModel {
		t.Error("unexpected color model")
	}
}

func TestItemByIDUnknown(t *testing.T) {
	fx := buildFixture(t)
	f := Open(bytes.NewReader(fx.data))

	if _, err := f.ItemByID(99); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("ItemByID(99): err = %v, want ErrUnknownItem", err)
	}
}

// composeFile builds a file directly from metadata boxes, bypassing the
// writer, for layouts the writer never produces.
func composeFile(t *testing.T, children ...io.WriterTo) []byte {
	t.Helper()
	ftyp := &bmff.FileTypeBox{
		MajorBrand:   "mif1",
		MinorVersion: "\x00\x00\x00\x00",
		Compatible:   []string{"mif1"},
	}
	var buf bytes.Buffer
	if _, err := ftyp.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := bmff.WriteMetaBox(&buf, children...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMultiExtentItemData(t *testing.T) {
	iinf := bmff.NewItemInfoBox()
	iinf.Add(bmff.NewItemInfoEntry(1, "hvc1"))

	idat := bmff.NewItemDataBox()
	idat.AppendBytes([]byte("ABCDxxxxEFGH"))

	iloc := bmff.NewItemLocationBox(1)
	err := iloc.AddLocation(bmff.ItemLocationBoxEntry{
		ItemID:             1,
		ConstructionMethod: bmff.IdatOffset,
		Extents: []bmff.Extent{
			{Offset: 0, Length: 4},
			{Offset: 8, Length: 4},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	f := Open(bytes.NewReader(composeFile(t, iinf, iloc, idat)))
	it, err := f.ItemByID(1)
	if err != nil {
		t.Fatal(err)
	}
	data, err := f.GetItemData(it)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "ABCDEFGH"; got != want {
		t.Errorf("reassembled data = %q, want %q", got, want)
	}
}

func TestItemOffsetConstruction(t *testing.T) {
	iinf := bmff.NewItemInfoBox()
	for id := uint16(1); id <= 5; id++ {
		iinf.Add(bmff.NewItemInfoEntry(id, "hvc1"))
	}

	idat := bmff.NewItemDataBox()
	idat.AppendBytes([]byte("0123456789"))

	iloc := bmff.NewItemLocationBox(1)
	if err := iloc.SetFieldSizes(4, 4, 4, 4); err != nil {
		t.Fatal(err)
	}
	entries := []bmff.ItemLocationBoxEntry{
		{ItemID: 1, ConstructionMethod: bmff.IdatOffset, Extents: []bmff.Extent{{Offset: 0, Length: 10}}},
		// Index 1 names the first iloc reference explicitly.
		{ItemID: 2, ConstructionMethod: bmff.ItemOffset, Extents: []bmff.Extent{{Index: 1, Offset: 5, Length: 5}}},
		// Index 0 selects the first reference as well.
		{ItemID: 3, ConstructionMethod: bmff.ItemOffset, Extents: []bmff.Extent{{Offset: 0, Length: 5}}},
		// Past the end of the source item's data.
		{ItemID: 4, ConstructionMethod: bmff.ItemOffset, Extents: []bmff.Extent{{Index: 1, Offset: 8, Length: 5}}},
		// Addresses itself.
		{ItemID: 5, ConstructionMethod: bmff.ItemOffset, Extents: []bmff.Extent{{Index: 1, Offset: 0, Length: 1}}},
	}
	for _, e := range entries {
		if err := iloc.AddLocation(e); err != nil {
			t.Fatal(err)
		}
	}

	iref := bmff.NewItemReferenceBox()
	iref.Add(bmff.RefIloc, 2, 1)
	iref.Add(bmff.RefIloc, 3, 1)
	iref.Add(bmff.RefIloc, 4, 1)
	iref.Add(bmff.RefIloc, 5, 5)

	f := Open(bytes.NewReader(composeFile(t, iinf, iref, iloc, idat)))

	for _, tt := range []struct {
		id   uint16
		want string
	}{
		{2, "56789"},
		{3, "01234"},
	} {
		it, err := f.ItemByID(tt.id)
		if err != nil {
			t.Fatal(err)
		}
		data, err := f.GetItemData(it)
		if err != nil {
			t.Fatalf("item %d: %v", tt.id, err)
		}
		if string(data) != tt.want {
			t.Errorf("item %d data = %q, want %q", tt.id, data, tt.want)
		}
	}

	it, err := f.ItemByID(4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.GetItemData(it); err == nil || !strings.Contains(err.Error(), "outside") {
		t.Errorf("out-of-bounds extent: err = %v, want bounds error", err)
	}

	it, err = f.ItemByID(5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.GetItemData(it); err == nil || !strings.Contains(err.Error(), "deeper than") {
		t.Errorf("self-referential item: err = %v, want depth error", err)
	}
}

// Extent lengths that sum past the range of uint64 still trip the
// declared-size cap.
func TestItemDataSizeCap(t *testing.T) {
	iinf := bmff.NewItemInfoBox()
	iinf.Add(bmff.NewItemInfoEntry(1, "hvc1"))

	iloc := bmff.NewItemLocationBox(1)
	if err := iloc.SetFieldSizes(8, 8, 8, 0); err != nil {
		t.Fatal(err)
	}
	err := iloc.AddLocation(bmff.ItemLocationBoxEntry{
		ItemID: 1,
		Extents: []bmff.Extent{
			{Offset: 0, Length: 1 << 63},
			{Offset: 0, Length: 1 << 63},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	f := Open(bytes.NewReader(composeFile(t, iinf, iloc)))
	it, err := f.ItemByID(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.GetItemData(it); err == nil || !strings.Contains(err.Error(), "threshold") {
		t.Errorf("declared 2^64 bytes: err = %v, want size cap error", err)
	}
}

func TestExtentOffsetOverflow(t *testing.T) {
	iinf := bmff.NewItemInfoBox()
	for id := uint16(1); id <= 4; id++ {
		iinf.Add(bmff.NewItemInfoEntry(id, "hvc1"))
	}

	idat := bmff.NewItemDataBox()
	idat.AppendBytes([]byte("0123456789ABCDEF"))

	iloc := bmff.NewItemLocationBox(1)
	if err := iloc.SetFieldSizes(8, 8, 8, 4); err != nil {
		t.Fatal(err)
	}
	entries := []bmff.ItemLocationBoxEntry{
		{ItemID: 1, ConstructionMethod: bmff.IdatOffset, Extents: []bmff.Extent{{Offset: 0, Length: 16}}},
		// Offset plus length wraps to a small in-range sum.
		{ItemID: 2, ConstructionMethod: bmff.IdatOffset, Extents: []bmff.Extent{{Offset: 0xFFFFFFFFFFFFFFF8, Length: 16}}},
		// Base offset plus extent offset wraps.
		{ItemID: 3, ConstructionMethod: bmff.IdatOffset, BaseOffset: 0xFFFFFFFFFFFFFFF8, Extents: []bmff.Extent{{Offset: 16, Length: 1}}},
		// The same wrap through an extent borrowed from item 1.
		{ItemID: 4, ConstructionMethod: bmff.ItemOffset, Extents: []bmff.Extent{{Index: 1, Offset: 0xFFFFFFFFFFFFFFF8, Length: 16}}},
	}
	for _, e := range entries {
		if err := iloc.AddLocation(e); err != nil {
			t.Fatal(err)
		}
	}

	iref := bmff.NewItemReferenceBox()
	iref.Add(bmff.RefIloc, 4, 1)

	f := Open(bytes.NewReader(composeFile(t, iinf, iref, iloc, idat)))

	it, err := f.ItemByID(1)
	if err != nil {
		t.Fatal(err)
	}
	data, err := f.GetItemData(it)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "0123456789ABCDEF" {
		t.Errorf("item 1 data = %q", data)
	}

	for _, tt := range []struct {
		id   uint16
		want string
	}{
		{2, "outside"},
		{3, "overflows"},
		{4, "outside"},
	} {
		it, err := f.ItemByID(tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.GetItemData(it); err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("item %d: err = %v, want %q in the error", tt.id, err, tt.want)
		}
	}
}

func TestEXIFHeaderOffset(t *testing.T) {
	tiff := []byte{'I', 'I', 0x2a, 0, 8, 0, 0, 0}

	build := func(payload []byte) *File {
		iinf := bmff.NewItemInfoBox()
		iinf.Add(bmff.NewItemInfoEntry(1, "Exif"))
		idat := bmff.NewItemDataBox()
		idat.AppendBytes(payload)
		iloc := bmff.NewItemLocationBox(1)
		err := iloc.AddLocation(bmff.ItemLocationBoxEntry{
			ItemID:             1,
			ConstructionMethod: bmff.IdatOffset,
			Extents:            []bmff.Extent{{Offset: 0, Length: uint64(len(payload))}},
		})
		if err != nil {
			t.Fatal(err)
		}
		return Open(bytes.NewReader(composeFile(t, iinf, iloc, idat)))
	}

	// A nonzero header offset skips filler between the offset field and the
	// TIFF header.
	payload := append([]byte{0, 0, 0, 4, 'f', 'i', 'l', 'l'}, tiff...)
	got, err := build(payload).EXIF()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, tiff) {
		t.Errorf("EXIF = %x, want %x", got, tiff)
	}

	if _, err := build([]byte{0, 0, 0, 200}).EXIF(); err == nil || !strings.Contains(err.Error(), "out of bounds") {
		t.Errorf("oversized header offset: err = %v, want bounds error", err)
	}
}
