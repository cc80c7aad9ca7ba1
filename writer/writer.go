// Package writer assembles HEIF still-image files from already-encoded
// payloads: coded images, their metadata, and derived images (identity
// transforms, grids, overlays) declared as a configuration.
//
// A Writer is single-use: populate it, then serialize once with WriteTo.
// Any failure while populating poisons the writer and WriteTo refuses to
// emit the inconsistent container.
package writer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/qqlizhn/heif/bmff"
)

// Errors reported while building the derivation graph.
var (
	ErrUnresolvedReference = errors.New("heif: unresolved context reference")
	ErrArityMismatch       = errors.New("heif: parallel list length mismatch")
)

// Ref is a symbolic handle to an image: the context it was registered under
// and its 1-based position within that context.
type Ref struct {
	Context uint32 `yaml:"context" json:"context"`
	Index   uint32 `yaml:"index" json:"index"`
}

func (r Ref) String() string { return fmt.Sprintf("(%d,%d)", r.Context, r.Index) }

// Writer builds one HEIF file in memory.
//
// Methods on Writer must not be called concurrently.
type Writer struct {
	majorBrand string
	compatible []string

	iinf *bmff.ItemInfoBox
	iloc *bmff.ItemLocationBox
	iref *bmff.ItemReferenceBox
	iprp *bmff.ItemPropertiesBox
	idat *bmff.ItemDataBox
	mdat *bmff.MediaDataBox

	primary uint16
	nextID  uint16

	// contexts maps a configuration context ID to the item IDs registered
	// under it, in registration order. Index 1 is the first item.
	contexts map[uint32][]uint16

	err error // sticky; a failed build must not be serialized
}

// NewWriter returns an empty writer with HEIF still-image defaults.
func NewWriter() *Writer {
	iloc := bmff.NewItemLocationBox(1)
	return &Writer{
		majorBrand: "heic",
		compatible: []string{"mif1", "heic"},
		iinf:       bmff.NewItemInfoBox(),
		iloc:       iloc,
		iref:       bmff.NewItemReferenceBox(),
		iprp:       bmff.NewItemPropertiesBox(),
		idat:       bmff.NewItemDataBox(),
		mdat:       &bmff.MediaDataBox{},
		nextID:     1,
		contexts:   make(map[uint32][]uint16),
	}
}

// SetBrands overrides the 'ftyp' brands.
func (w *Writer) SetBrands(major string, compatible ...string) {
	w.majorBrand = major
	w.compatible = compatible
}

// fail records the first error and returns err unchanged.
func (w *Writer) fail(err error) error {
	if err != nil && w.err == nil {
		w.err = err
	}
	return err
}

// Err returns the first error recorded while populating the writer.
func (w *Writer) Err() error { return w.err }

func (w *Writer) allocItemID() (uint16, error) {
	if w.nextID == 0 {
		return 0, w.fail(errors.New("heif: item IDs exhausted"))
	}
	id := w.nextID
	w.nextID++
	return id, nil
}

// registerContextItem appends an item to a context's ordered image list.
// Context 0 means "not addressable by reference" and is ignored.
func (w *Writer) registerContextItem(context uint32, itemID uint16) {
	if context == 0 {
		return
	}
	w.contexts[context] = append(w.contexts[context], itemID)
}

// ContextItem resolves a context and 1-based index to an item ID.
func (w *Writer) ContextItem(context, index uint32) (uint16, bool) {
	ids := w.contexts[context]
	if index == 0 || index > uint32(len(ids)) {
		return 0, false
	}
	return ids[index-1], true
}

// SetPrimaryItem marks the item presented by default.
func (w *Writer) SetPrimaryItem(itemID uint16) { w.primary = itemID }

// AddReference appends a typed reference entry.
func (w *Writer) AddReference(referenceType string, fromItemID uint16, toItemIDs ...uint16) {
	w.iref.Add(referenceType, fromItemID, toItemIDs...)
}

// addProperty appends a property box to the container and returns its
// 1-based association index.
func (w *Writer) addProperty(p bmff.Box) (uint16, error) {
	ipco := w.iprp.PropertyContainer
	if len(ipco.Properties) >= 0x7FFF {
		return 0, w.fail(errors.New("heif: property container full"))
	}
	ipco.Properties = append(ipco.Properties, p)
	return uint16(len(ipco.Properties)), nil
}

// associateProperty links an item to a property container index.
func (w *Writer) associateProperty(itemID, propertyIndex uint16, essential bool) {
	w.iprp.Associations[0].Associate(itemID, propertyIndex, essential)
}

// ispeIndex returns the association index of an 'ispe' with the given
// dimensions, adding one if the container has none.
func (w *Writer) ispeIndex(width, height uint32) (uint16, error) {
	for i, p := range w.iprp.PropertyContainer.Properties {
		if ispe, ok := p.(*bmff.ImageSpatialExtentsProperty); ok &&
			ispe.ImageWidth == width && ispe.ImageHeight == height {
			return uint16(i + 1), nil
		}
	}
	return w.addProperty(bmff.NewImageSpatialExtents(width, height))
}

// itemIspeIndex returns the 'ispe' association index already linked to an
// item, or 0 if the item has none.
func (w *Writer) itemIspeIndex(itemID uint16) uint16 {
	props := w.iprp.PropertyContainer.Properties
	for _, e := range w.iprp.Associations[0].Entries {
		if e.ItemID != itemID {
			continue
		}
		for _, a := range e.Associations {
			if a.Index == 0 || int(a.Index) > len(props) {
				continue
			}
			if props[a.Index-1].Type().EqualString("ispe") {
				return a.Index
			}
		}
	}
	return 0
}

// ImageOptions describes a coded image handed to AddImage.
type ImageOptions struct {
	// Context registers the image for symbolic references from derived
	// image configurations. Zero leaves it unaddressable.
	Context uint32

	Width, Height uint32

	// CodecType is the item type of the coded payload; "hvc1" by default.
	CodecType string
	// CodecConfig is the decoder configuration record ('hvcC' payload for
	// hvc1, 'av1C' for av01), stored as an essential property.
	CodecConfig []byte

	// Hidden excludes the image from standalone display, as with grid
	// tiles.
	Hidden bool

	Name string
}

func codecConfigBoxType(codecType string) string {
	if codecType == "av01" {
		return "av1C"
	}
	return "hvcC"
}

// AddImage stores an already-encoded image payload and returns its item ID.
func (w *Writer) AddImage(data []byte, opt ImageOptions) (uint16, error) {
	if w.err != nil {
		return 0, w.err
	}
	id, err := w.allocItemID()
	if err != nil {
		return 0, err
	}
	codecType := opt.CodecType
	if codecType == "" {
		codecType = "hvc1"
	}

	offset, length := w.mdat.AppendBytes(data)
	if err := w.iloc.AddLocation(bmff.ItemLocationBoxEntry{
		ItemID:             id,
		ConstructionMethod: bmff.FileOffset,
		Extents:            []bmff.Extent{{Offset: offset, Length: length}},
	}); err != nil {
		return 0, w.fail(err)
	}

	ie := bmff.NewItemInfoEntry(id, codecType)
	ie.Name = opt.Name
	ie.SetHidden(opt.Hidden)
	w.iinf.Add(ie)

	if opt.Width != 0 || opt.Height != 0 {
		idx, err := w.ispeIndex(opt.Width, opt.Height)
		if err != nil {
			return 0, err
		}
		w.associateProperty(id, idx, false)
	}
	if len(opt.CodecConfig) > 0 {
		idx, err := w.addProperty(bmff.NewRawProperty(codecConfigBoxType(codecType), opt.CodecConfig))
		if err != nil {
			return 0, err
		}
		w.associateProperty(id, idx, true)
	}

	w.registerContextItem(opt.Context, id)
	return id, nil
}

// AddThumbnail stores a thumbnail image and links it to its master with a
// 'thmb' reference.
func (w *Writer) AddThumbnail(data []byte, masterID uint16, opt ImageOptions) (uint16, error) {
	id, err := w.AddImage(data, opt)
	if err != nil {
		return 0, err
	}
	w.AddReference(bmff.RefThmb, id, masterID)
	return id, nil
}

// AddExif stores an EXIF block describing imageID. The payload is prefixed
// with the standard zero TIFF header offset.
func (w *Writer) AddExif(imageID uint16, exif []byte) (uint16, error) {
	if w.err != nil {
		return 0, w.err
	}
	id, err := w.allocItemID()
	if err != nil {
		return 0, err
	}
	payload := append([]byte{0, 0, 0, 0}, exif...)
	offset, length := w.mdat.AppendBytes(payload)
	if err := w.iloc.AddLocation(bmff.ItemLocationBoxEntry{
		ItemID:             id,
		ConstructionMethod: bmff.FileOffset,
		Extents:            []bmff.Extent{{Offset: offset, Length: length}},
	}); err != nil {
		return 0, w.fail(err)
	}
	w.iinf.Add(bmff.NewItemInfoEntry(id, "Exif"))
	w.AddReference(bmff.RefCdsc, id, imageID)
	return id, nil
}

// AddXMP stores an XMP packet describing imageID inside the metadata box's
// 'idat' container, gzip-compressed when compress is set.
func (w *Writer) AddXMP(imageID uint16, xmp []byte, compress bool) (uint16, error) {
	if w.err != nil {
		return 0, w.err
	}
	id, err := w.allocItemID()
	if err != nil {
		return 0, err
	}

	data := xmp
	if compress {
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return 0, w.fail(err)
		}
		if _, err := zw.Write(xmp); err != nil {
			return 0, w.fail(err)
		}
		if err := zw.Close(); err != nil {
			return 0, w.fail(err)
		}
		data = buf.Bytes()
	}

	offset, length := w.idat.AppendBytes(data)
	if err := w.iloc.AddLocation(bmff.ItemLocationBoxEntry{
		ItemID:             id,
		ConstructionMethod: bmff.IdatOffset,
		Extents:            []bmff.Extent{{Offset: offset, Length: length}},
	}); err != nil {
		return 0, w.fail(err)
	}

	ie := bmff.NewItemInfoEntry(id, "mime")
	ie.ContentType = "application/rdf+xml"
	if compress {
		ie.ContentEncoding = "gzip"
	}
	w.iinf.Add(ie)
	w.AddReference(bmff.RefCdsc, id, imageID)
	return id, nil
}

// writeMeta serializes the 'meta' box with the writer's current state.
func (w *Writer) writeMeta(out io.Writer) (int64, error) {
	hdlr := &bmff.HandlerBox{HandlerType: "pict"}
	pitm := &bmff.PrimaryItemBox{ItemID: w.primary}

	children := []io.WriterTo{
		hdlr,
		writerToFunc(bmff.WriteSelfContainedDataInformation),
		pitm,
		w.iinf,
	}
	if len(w.iref.ItemRefs) > 0 {
		children = append(children, w.iref)
	}
	if len(w.iprp.PropertyContainer.Properties) > 0 {
		children = append(children, w.iprp)
	}
	if len(w.iloc.Items) > 0 {
		children = append(children, w.iloc)
	}
	if len(w.idat.Data) > 0 {
		children = append(children, w.idat)
	}
	return bmff.WriteMetaBox(out, children...)
}

// writerToFunc adapts a serialization function to io.WriterTo.
type writerToFunc func(io.Writer) (int64, error)

func (f writerToFunc) WriteTo(w io.Writer) (int64, error) { return f(w) }

// WriteTo serializes the file: 'ftyp', 'meta', then 'mdat'. Item locations
// collected as payload-relative offsets are rebased onto the final mdat
// position; the meta box size does not change between the two passes
// because location field widths are fixed.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	if w.err != nil {
		return 0, fmt.Errorf("refusing to serialize a failed build: %w", w.err)
	}
	if w.primary == 0 {
		return 0, errors.New("heif: no primary item set")
	}

	ftyp := &bmff.FileTypeBox{
		MajorBrand:   w.majorBrand,
		MinorVersion: "\x00\x00\x00\x00",
		Compatible:   w.compatible,
	}
	var ftypBuf, metaBuf bytes.Buffer
	if _, err := ftyp.WriteTo(&ftypBuf); err != nil {
		return 0, err
	}
	if _, err := w.writeMeta(&metaBuf); err != nil {
		return 0, err
	}

	if w.mdat.Len() > 0 {
		mdatStart := int64(ftypBuf.Len() + metaBuf.Len())
		dataOffset := uint64(w.mdat.DataOffset(mdatStart))
		for i := range w.iloc.Items {
			if w.iloc.Items[i].ConstructionMethod == bmff.FileOffset {
				w.iloc.Items[i].BaseOffset = dataOffset
			}
		}
		metaBuf.Reset()
		if _, err := w.writeMeta(&metaBuf); err != nil {
			return 0, err
		}
	}

	var n int64
	for _, buf := range []*bytes.Buffer{&ftypBuf, &metaBuf} {
		nn, err := buf.WriteTo(out)
		n += nn
		if err != nil {
			return n, err
		}
	}
	if w.mdat.Len() > 0 {
		nn, err := w.mdat.WriteTo(out)
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
