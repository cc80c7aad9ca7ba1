package writer

import (
	"fmt"

	"github.com/qqlizhn/heif/bmff"
)

// Derivations declares the derived images of one build pass. Inputs are
// named symbolically by Ref; a reference may only point at a context
// populated before the pass or declared earlier in the same pass.
type Derivations struct {
	Identities  []IdentityConfig   `yaml:"identities,omitempty" json:"identities,omitempty"`
	Grids       []GridConfig       `yaml:"grids,omitempty" json:"grids,omitempty"`
	Overlays    []OverlayConfig    `yaml:"overlays,omitempty" json:"overlays,omitempty"`
	PreDeriveds []PreDerivedConfig `yaml:"pre_derived,omitempty" json:"pre_derived,omitempty"`
}

func (d Derivations) empty() bool {
	return len(d.Identities) == 0 && len(d.Grids) == 0 &&
		len(d.Overlays) == 0 && len(d.PreDeriveds) == 0
}

// IdentityConfig declares an 'iden' item: the source image presented with
// transformative properties applied. The output has no payload of its own.
type IdentityConfig struct {
	Context uint32 `yaml:"context" json:"context"`
	Source  Ref    `yaml:"source" json:"source"`

	// Rotation is in degrees anti-clockwise; a multiple of 90.
	Rotation *uint16 `yaml:"rotation,omitempty" json:"rotation,omitempty"`
	// Mirror is "vertical" (around a vertical axis) or "horizontal".
	Mirror string `yaml:"mirror,omitempty" json:"mirror,omitempty"`

	Crop     *CropConfig     `yaml:"crop,omitempty" json:"crop,omitempty"`
	Position *PositionConfig `yaml:"position,omitempty" json:"position,omitempty"`
}

// CropConfig is a clean-aperture crop with pixel-exact bounds.
type CropConfig struct {
	Width            uint32 `yaml:"width" json:"width"`
	Height           uint32 `yaml:"height" json:"height"`
	HorizontalOffset uint32 `yaml:"horizontal_offset" json:"horizontal_offset"`
	VerticalOffset   uint32 `yaml:"vertical_offset" json:"vertical_offset"`
}

// PositionConfig places an image on a reconstruction canvas ('rloc').
type PositionConfig struct {
	Horizontal uint32 `yaml:"horizontal" json:"horizontal"`
	Vertical   uint32 `yaml:"vertical" json:"vertical"`
}

// GridConfig declares a 'grid' item assembling input images row-major into
// rows×columns cells cropped to the output dimensions.
type GridConfig struct {
	Context      uint32 `yaml:"context" json:"context"`
	Rows         uint16 `yaml:"rows" json:"rows"`
	Columns      uint16 `yaml:"columns" json:"columns"`
	OutputWidth  uint32 `yaml:"output_width" json:"output_width"`
	OutputHeight uint32 `yaml:"output_height" json:"output_height"`

	// Inputs are the tile images in row-major order; exactly Rows*Columns.
	Inputs []Ref `yaml:"inputs" json:"inputs"`
}

// OverlayConfig declares an 'iovl' item compositing input images onto a
// filled canvas at per-input offsets.
type OverlayConfig struct {
	Context      uint32    `yaml:"context" json:"context"`
	CanvasFill   [4]uint16 `yaml:"canvas_fill" json:"canvas_fill"` // RGBA
	OutputWidth  uint32    `yaml:"output_width" json:"output_width"`
	OutputHeight uint32    `yaml:"output_height" json:"output_height"`

	Inputs []OverlayInput `yaml:"inputs" json:"inputs"`
}

// OverlayInput is one composited image and its canvas position. Offsets may
// be negative to shift an input partly off the canvas.
type OverlayInput struct {
	Context    uint32 `yaml:"context" json:"context"`
	Index      uint32 `yaml:"index" json:"index"`
	Horizontal int32  `yaml:"horizontal" json:"horizontal"`
	Vertical   int32  `yaml:"vertical" json:"vertical"`
}

// PreDerivedConfig links an already-coded pre-derived image (an HDR merge,
// for example) to the base images it was derived from with 'base'
// references. It introduces no new item.
type PreDerivedConfig struct {
	Source Ref   `yaml:"source" json:"source"`
	Bases  []Ref `yaml:"bases" json:"bases"`
}

// derivationInfo carries one declared derivation through the build pass:
// its inputs in declared order, the allocated output item, and the inputs
// resolved to item IDs.
type derivationInfo struct {
	context  uint32
	itemType string // "iden", "grid" or "iovl"
	refs     []Ref
	itemID   uint16
	resolved []uint16

	// payload is the serialized grid or overlay descriptor; identity
	// derivations carry none and get no location entry.
	payload       []byte
	payloadOffset uint64
	payloadLength uint64

	// transforms are associated essential and in order; identity only.
	transforms []bmff.Box

	width, height uint32 // grid and overlay output extents
}

// derivationPass owns the reference index for the duration of one
// AddDerivations call.
type derivationPass struct {
	w     *Writer
	infos []*derivationInfo

	// contextPos records where each context was declared: -1 for contexts
	// populated before the pass, otherwise the declaring derivation's
	// position. A reference must point strictly backwards.
	contextPos map[uint32]int
	refIndex   map[Ref]uint16
}

// AddDerivations builds the declared derived images: identity items first,
// then grid and overlay descriptors into the shared media store, then one
// reference-resolution step, then emission of references, properties,
// entries and locations in declaration order. A failed call poisons the
// writer; WriteTo will refuse to serialize the half-built table.
func (w *Writer) AddDerivations(cfg Derivations) error {
	if w.err != nil {
		return w.err
	}
	if cfg.empty() {
		return nil
	}
	p := &derivationPass{
		w:          w,
		contextPos: make(map[uint32]int),
		refIndex:   make(map[Ref]uint16),
	}
	if err := p.processIdentityDerivations(cfg.Identities); err != nil {
		return w.fail(err)
	}
	if err := p.processImageDerivations(cfg.Grids, cfg.Overlays); err != nil {
		return w.fail(err)
	}
	if err := p.buildReferenceIndex(); err != nil {
		return w.fail(err)
	}
	if err := p.resolveReferences(); err != nil {
		return w.fail(err)
	}
	for _, info := range p.infos {
		if err := p.emit(info); err != nil {
			return w.fail(err)
		}
	}
	if err := p.resolvePreDerived(cfg.PreDeriveds); err != nil {
		return w.fail(err)
	}
	return nil
}

// processIdentityDerivations allocates an item per identity declaration and
// records its transformative properties. No payload is produced.
func (p *derivationPass) processIdentityDerivations(configs []IdentityConfig) error {
	for _, c := range configs {
		transforms, err := identityTransforms(c)
		if err != nil {
			return err
		}
		id, err := p.w.allocItemID()
		if err != nil {
			return err
		}
		p.infos = append(p.infos, &derivationInfo{
			context:    c.Context,
			itemType:   "iden",
			refs:       []Ref{c.Source},
			itemID:     id,
			transforms: transforms,
		})
	}
	return nil
}

// identityTransforms builds the property boxes of one identity declaration
// in the order they must be applied: crop, then rotation, then mirror, then
// canvas position.
func identityTransforms(c IdentityConfig) ([]bmff.Box, error) {
	var props []bmff.Box
	if c.Crop != nil {
		cl := bmff.NewCleanAperture()
		cl.WidthN, cl.WidthD = c.Crop.Width, 1
		cl.HeightN, cl.HeightD = c.Crop.Height, 1
		cl.HorizOffN, cl.HorizOffD = c.Crop.HorizontalOffset, 1
		cl.VertOffN, cl.VertOffD = c.Crop.VerticalOffset, 1
		props = append(props, cl)
	}
	if c.Rotation != nil {
		if *c.Rotation%90 != 0 || *c.Rotation >= 360 {
			return nil, fmt.Errorf("heif: identity context %d: rotation %d is not 0, 90, 180 or 270", c.Context, *c.Rotation)
		}
		props = append(props, bmff.NewImageRotation(uint8(*c.Rotation/90)))
	}
	switch c.Mirror {
	case "":
	case "vertical":
		props = append(props, bmff.NewImageMirror(bmff.MirrorVertical))
	case "horizontal":
		props = append(props, bmff.NewImageMirror(bmff.MirrorHorizontal))
	default:
		return nil, fmt.Errorf("heif: identity context %d: mirror %q is not \"vertical\" or \"horizontal\"", c.Context, c.Mirror)
	}
	if c.Position != nil {
		props = append(props, bmff.NewRelativeLocation(c.Position.Horizontal, c.Position.Vertical))
	}
	return props, nil
}

// processImageDerivations serializes each grid and overlay descriptor and
// appends it to the shared media store exactly once. The payload offset is
// remembered for the location entry emitted later.
func (p *derivationPass) processImageDerivations(grids []GridConfig, overlays []OverlayConfig) error {
	for _, c := range grids {
		if c.Rows < 1 || c.Rows > 256 || c.Columns < 1 || c.Columns > 256 {
			return fmt.Errorf("heif: grid context %d: %d columns x %d rows outside 1..256", c.Context, c.Columns, c.Rows)
		}
		if want := int(c.Rows) * int(c.Columns); len(c.Inputs) != want {
			return fmt.Errorf("heif: grid context %d: %d inputs for a %dx%d grid, want %d", c.Context, len(c.Inputs), c.Columns, c.Rows, want)
		}
		g := bmff.ImageGrid{
			RowsMinusOne:    uint8(c.Rows - 1),
			ColumnsMinusOne: uint8(c.Columns - 1),
			OutputWidth:     c.OutputWidth,
			OutputHeight:    c.OutputHeight,
		}
		payload, err := g.MarshalBinary()
		if err != nil {
			return fmt.Errorf("heif: grid context %d: %v", c.Context, err)
		}
		if err := p.appendImageDerivation("grid", c.Context, payload, c.Inputs, c.OutputWidth, c.OutputHeight); err != nil {
			return err
		}
	}
	for _, c := range overlays {
		ov := bmff.ImageOverlay{
			CanvasFill:   c.CanvasFill,
			OutputWidth:  c.OutputWidth,
			OutputHeight: c.OutputHeight,
		}
		refs := make([]Ref, len(c.Inputs))
		for i, in := range c.Inputs {
			ov.Offsets = append(ov.Offsets, bmff.OverlayOffset{
				Horizontal: in.Horizontal,
				Vertical:   in.Vertical,
			})
			refs[i] = Ref{Context: in.Context, Index: in.Index}
		}
		payload, err := ov.MarshalBinary()
		if err != nil {
			return fmt.Errorf("heif: overlay context %d: %v", c.Context, err)
		}
		if err := p.appendImageDerivation("iovl", c.Context, payload, refs, c.OutputWidth, c.OutputHeight); err != nil {
			return err
		}
	}
	return nil
}

func (p *derivationPass) appendImageDerivation(itemType string, context uint32, payload []byte, refs []Ref, width, height uint32) error {
	id, err := p.w.allocItemID()
	if err != nil {
		return err
	}
	offset, length := p.w.mdat.AppendBytes(payload)
	p.infos = append(p.infos, &derivationInfo{
		context:       context,
		itemType:      itemType,
		refs:          refs,
		itemID:        id,
		payload:       payload,
		payloadOffset: offset,
		payloadLength: length,
		width:         width,
		height:        height,
	})
	return nil
}

// buildReferenceIndex maps every (context, index) pair to its item ID:
// first the images registered before the pass, then each derivation's
// output. Contexts must be distinct.
func (p *derivationPass) buildReferenceIndex() error {
	for context, ids := range p.w.contexts {
		p.contextPos[context] = -1
		for i, id := range ids {
			p.refIndex[Ref{Context: context, Index: uint32(i + 1)}] = id
		}
	}
	for pos, info := range p.infos {
		if info.context == 0 {
			return fmt.Errorf("heif: %s derivation needs a nonzero context", info.itemType)
		}
		if _, dup := p.contextPos[info.context]; dup {
			return fmt.Errorf("heif: context %d declared more than once", info.context)
		}
		p.contextPos[info.context] = pos
		p.refIndex[Ref{Context: info.context, Index: 1}] = info.itemID
	}
	return nil
}

// resolve maps one symbolic reference made by the derivation at pos to an
// item ID. References resolve strictly backwards: a context declared at or
// after pos is unresolved even though the pass has already allocated it.
func (p *derivationPass) resolve(pos int, r Ref) (uint16, error) {
	declPos, known := p.contextPos[r.Context]
	if known && declPos < pos {
		if id, ok := p.refIndex[r]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("reference %s: %w", r, ErrUnresolvedReference)
}

func (p *derivationPass) resolveReferences() error {
	for pos, info := range p.infos {
		info.resolved = make([]uint16, len(info.refs))
		for i, r := range info.refs {
			id, err := p.resolve(pos, r)
			if err != nil {
				return fmt.Errorf("%s derivation for context %d: %w", info.itemType, info.context, err)
			}
			info.resolved[i] = id
		}
	}
	return nil
}

// emit writes one derivation's effects: the item entry, ordered 'dimg'
// references, the location of its payload, and its properties. Identity
// items share their source's spatial extents and carry no location.
func (p *derivationPass) emit(info *derivationInfo) error {
	w := p.w

	w.iinf.Add(bmff.NewItemInfoEntry(info.itemID, info.itemType))
	w.AddReference(bmff.RefDimg, info.itemID, info.resolved...)

	if info.payload != nil {
		if err := w.iloc.AddLocation(bmff.ItemLocationBoxEntry{
			ItemID:             info.itemID,
			ConstructionMethod: bmff.FileOffset,
			Extents: []bmff.Extent{{
				Offset: info.payloadOffset,
				Length: info.payloadLength,
			}},
		}); err != nil {
			return err
		}
	}

	if info.itemType == "iden" {
		if err := p.linkIspeProperties(info.resolved[:1], []uint16{info.itemID}); err != nil {
			return err
		}
		for _, tp := range info.transforms {
			idx, err := w.addProperty(tp)
			if err != nil {
				return err
			}
			w.associateProperty(info.itemID, idx, true)
		}
	} else {
		idx, err := w.ispeIndex(info.width, info.height)
		if err != nil {
			return err
		}
		w.associateProperty(info.itemID, idx, false)
	}

	w.registerContextItem(info.context, info.itemID)
	return nil
}

// linkIspeProperties associates each from-item's spatial extents property
// with the corresponding to-item. The lists run in parallel; on a length
// mismatch nothing is associated.
func (p *derivationPass) linkIspeProperties(fromItems, toItems []uint16) error {
	if len(fromItems) != len(toItems) {
		return fmt.Errorf("%d source items vs %d derived items: %w", len(fromItems), len(toItems), ErrArityMismatch)
	}
	idxs := make([]uint16, len(fromItems))
	for i, from := range fromItems {
		idx := p.w.itemIspeIndex(from)
		if idx == 0 {
			return fmt.Errorf("heif: item %d has no spatial extents to share", from)
		}
		idxs[i] = idx
	}
	for i, to := range toItems {
		p.w.associateProperty(to, idxs[i], false)
	}
	return nil
}

// insertBaseReferences emits one 'base' reference entry per pre-derived
// image. The two lists run in parallel and must pair 1:1.
func (p *derivationPass) insertBaseReferences(preItems []uint16, baseItems [][]uint16) error {
	if len(preItems) != len(baseItems) {
		return fmt.Errorf("%d pre-derived images vs %d base lists: %w", len(preItems), len(baseItems), ErrArityMismatch)
	}
	for i, pre := range preItems {
		p.w.AddReference(bmff.RefBase, pre, baseItems[i]...)
	}
	return nil
}

// resolvePreDerived resolves each pre-derived declaration and links it to
// its bases. Pre-derived images are existing coded items; every context is
// visible to them.
func (p *derivationPass) resolvePreDerived(configs []PreDerivedConfig) error {
	pos := len(p.infos)
	preItems := make([]uint16, 0, len(configs))
	baseItems := make([][]uint16, 0, len(configs))
	for _, c := range configs {
		pre, err := p.resolve(pos, c.Source)
		if err != nil {
			return fmt.Errorf("pre-derived image: %w", err)
		}
		bases := make([]uint16, len(c.Bases))
		for i, r := range c.Bases {
			id, err := p.resolve(pos, r)
			if err != nil {
				return fmt.Errorf("pre-derived image %s: base: %w", c.Source, err)
			}
			bases[i] = id
		}
		preItems = append(preItems, pre)
		baseItems = append(baseItems, bases)
	}
	return p.insertBaseReferences(preItems, baseItems)
}
