package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/qqlizhn/heif/bmff"
)

// Content is the on-disk build configuration for one HEIF file: the coded
// source images, the derived images composed from them, descriptive
// metadata, and the primary selection. Authored as YAML or as JSON extended
// with comments and trailing commas.
type Content struct {
	Brands  *BrandsConfig  `yaml:"brands,omitempty" json:"brands,omitempty"`
	Sources []SourceConfig `yaml:"sources" json:"sources"`
	Derived Derivations    `yaml:"derived,omitempty" json:"derived,omitempty"`
	Exif    []ExifConfig   `yaml:"exif,omitempty" json:"exif,omitempty"`
	XMP     []XMPConfig    `yaml:"xmp,omitempty" json:"xmp,omitempty"`

	// Primary names the image presented by default; it may point at a
	// source or at a derived image.
	Primary Ref `yaml:"primary" json:"primary"`
}

// BrandsConfig overrides the 'ftyp' brands.
type BrandsConfig struct {
	Major      string   `yaml:"major" json:"major"`
	Compatible []string `yaml:"compatible" json:"compatible"`
}

// SourceConfig is one already-encoded image payload.
type SourceConfig struct {
	File    string `yaml:"file" json:"file"`
	Context uint32 `yaml:"context,omitempty" json:"context,omitempty"`
	Width   uint32 `yaml:"width" json:"width"`
	Height  uint32 `yaml:"height" json:"height"`

	// Codec is the item type of the payload; "hvc1" by default.
	Codec string `yaml:"codec,omitempty" json:"codec,omitempty"`
	// CodecConfig is a file holding the raw decoder configuration record.
	CodecConfig string `yaml:"codec_config,omitempty" json:"codec_config,omitempty"`

	Hidden bool   `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`

	// ThumbnailOf links this image to its master with a 'thmb' reference.
	ThumbnailOf *Ref `yaml:"thumbnail_of,omitempty" json:"thumbnail_of,omitempty"`
}

// ExifConfig attaches an EXIF block to an image.
type ExifConfig struct {
	File   string `yaml:"file" json:"file"`
	Target Ref    `yaml:"target" json:"target"`
}

// XMPConfig attaches an XMP packet to an image.
type XMPConfig struct {
	File     string `yaml:"file" json:"file"`
	Target   Ref    `yaml:"target" json:"target"`
	Compress bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// LoadContent reads a build configuration from disk. Files ending in .yaml
// or .yml parse as YAML, everything else as commented JSON.
func LoadContent(path string) (*Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	c, err := ParseContent(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseContent unmarshals and validates a build configuration. The
// extension selects the format as in LoadContent.
func ParseContent(data []byte, ext string) (*Content, error) {
	var c Content
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing content config: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &c); err != nil {
			return nil, fmt.Errorf("parsing content config: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration shape: files named, contexts distinct
// between sources and derivations, a primary selected. Reference
// resolution happens later, when the graph is built.
func (c *Content) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("heif: content declares no source images")
	}
	var declared []uint32
	for i, s := range c.Sources {
		if s.File == "" {
			return fmt.Errorf("heif: source %d: no file", i)
		}
		if s.Context != 0 && !slices.Contains(declared, s.Context) {
			declared = append(declared, s.Context)
		}
	}
	derivedContext := func(kind string, context uint32) error {
		if context == 0 {
			return fmt.Errorf("heif: %s derivation needs a nonzero context", kind)
		}
		if slices.Contains(declared, context) {
			return fmt.Errorf("heif: context %d declared more than once", context)
		}
		declared = append(declared, context)
		return nil
	}
	for _, d := range c.Derived.Identities {
		if err := derivedContext("identity", d.Context); err != nil {
			return err
		}
	}
	for _, d := range c.Derived.Grids {
		if err := derivedContext("grid", d.Context); err != nil {
			return err
		}
	}
	for _, d := range c.Derived.Overlays {
		if err := derivedContext("overlay", d.Context); err != nil {
			return err
		}
		if len(d.Inputs) == 0 {
			return fmt.Errorf("heif: overlay context %d: no inputs", d.Context)
		}
	}
	for i, m := range c.Exif {
		if m.File == "" {
			return fmt.Errorf("heif: exif %d: no file", i)
		}
	}
	for i, m := range c.XMP {
		if m.File == "" {
			return fmt.Errorf("heif: xmp %d: no file", i)
		}
	}
	if c.Primary.Context == 0 {
		return errors.New("heif: no primary image selected")
	}
	return nil
}

// Build assembles a Writer from the configuration. Payload paths resolve
// relative to dir.
func (c *Content) Build(dir string) (*Writer, error) {
	w := NewWriter()
	if c.Brands != nil {
		w.SetBrands(c.Brands.Major, c.Brands.Compatible...)
	}

	type thumbLink struct {
		id     uint16
		master Ref
	}
	var thumbs []thumbLink
	for _, s := range c.Sources {
		data, err := os.ReadFile(filepath.Join(dir, s.File))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.File, err)
		}
		var codecConfig []byte
		if s.CodecConfig != "" {
			codecConfig, err = os.ReadFile(filepath.Join(dir, s.CodecConfig))
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", s.CodecConfig, err)
			}
		}
		id, err := w.AddImage(data, ImageOptions{
			Context:     s.Context,
			Width:       s.Width,
			Height:      s.Height,
			CodecType:   s.Codec,
			CodecConfig: codecConfig,
			Hidden:      s.Hidden,
			Name:        s.Name,
		})
		if err != nil {
			return nil, err
		}
		if s.ThumbnailOf != nil {
			thumbs = append(thumbs, thumbLink{id: id, master: *s.ThumbnailOf})
		}
	}
	for _, t := range thumbs {
		master, ok := w.ContextItem(t.master.Context, t.master.Index)
		if !ok {
			return nil, w.fail(fmt.Errorf("thumbnail master %s: %w", t.master, ErrUnresolvedReference))
		}
		w.AddReference(bmff.RefThmb, t.id, master)
	}

	if err := w.AddDerivations(c.Derived); err != nil {
		return nil, err
	}

	for _, m := range c.Exif {
		target, ok := w.ContextItem(m.Target.Context, m.Target.Index)
		if !ok {
			return nil, w.fail(fmt.Errorf("exif target %s: %w", m.Target, ErrUnresolvedReference))
		}
		data, err := os.ReadFile(filepath.Join(dir, m.File))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", m.File, err)
		}
		if _, err := w.AddExif(target, data); err != nil {
			return nil, err
		}
	}
	for _, m := range c.XMP {
		target, ok := w.ContextItem(m.Target.Context, m.Target.Index)
		if !ok {
			return nil, w.fail(fmt.Errorf("xmp target %s: %w", m.Target, ErrUnresolvedReference))
		}
		data, err := os.ReadFile(filepath.Join(dir, m.File))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", m.File, err)
		}
		if _, err := w.AddXMP(target, data, m.Compress); err != nil {
			return nil, err
		}
	}

	primary, ok := w.ContextItem(c.Primary.Context, c.Primary.Index)
	if !ok {
		return nil, w.fail(fmt.Errorf("primary image %s: %w", c.Primary, ErrUnresolvedReference))
	}
	w.SetPrimaryItem(primary)
	return w, nil
}
