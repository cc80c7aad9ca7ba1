package writer

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/qqlizhn/heif/bmff"
)

func TestParseContentYAML(t *testing.T) {
	doc := `
sources:
  - file: tile.hvc
    context: 1
    width: 512
    height: 512
    hidden: true
  - file: thumb.hvc
    context: 4
    width: 64
    height: 64
    thumbnail_of: {context: 2, index: 1}
derived:
  identities:
    - context: 3
      source: {context: 2, index: 1}
      rotation: 270
      crop: {width: 500, height: 500, horizontal_offset: 6, vertical_offset: 6}
  grids:
    - context: 2
      rows: 1
      columns: 1
      output_width: 512
      output_height: 512
      inputs:
        - {context: 1, index: 1}
exif:
  - file: meta.exif
    target: {context: 1, index: 1}
primary: {context: 3, index: 1}
`
	c, err := ParseContent([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}

	rot := uint16(270)
	want := &Content{
		Sources: []SourceConfig{
			{File: "tile.hvc", Context: 1, Width: 512, Height: 512, Hidden: true},
			{File: "thumb.hvc", Context: 4, Width: 64, Height: 64,
				ThumbnailOf: &Ref{Context: 2, Index: 1}},
		},
		Derived: Derivations{
			Identities: []IdentityConfig{{
				Context:  3,
				Source:   Ref{Context: 2, Index: 1},
				Rotation: &rot,
				Crop:     &CropConfig{Width: 500, Height: 500, HorizontalOffset: 6, VerticalOffset: 6},
			}},
			Grids: []GridConfig{{
				Context: 2, Rows: 1, Columns: 1,
				OutputWidth: 512, OutputHeight: 512,
				Inputs: []Ref{{Context: 1, Index: 1}},
			}},
		},
		Exif:    []ExifConfig{{File: "meta.exif", Target: Ref{Context: 1, Index: 1}}},
		Primary: Ref{Context: 3, Index: 1},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("parsed content mismatch (-want +got):\n%s", diff)
	}
}

func TestParseContentJSONC(t *testing.T) {
	doc := `{
	// the composited result is the primary image
	"sources": [
		{"file": "a.hvc", "context": 1, "width": 64, "height": 64},
	],
	"derived": {
		"overlays": [{
			"context": 2,
			"canvas_fill": [65535, 65535, 65535, 0],
			"output_width": 100,
			"output_height": 100,
			"inputs": [
				{"context": 1, "index": 1, "horizontal": -5, "vertical": 5},
			],
		}],
	},
	"primary": {"context": 2, "index": 1},
}`
	c, err := ParseContent([]byte(doc), ".jsonc")
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}
	if len(c.Derived.Overlays) != 1 {
		t.Fatalf("got %d overlays, want 1", len(c.Derived.Overlays))
	}
	ov := c.Derived.Overlays[0]
	if ov.CanvasFill != [4]uint16{65535, 65535, 65535, 0} {
		t.Errorf("canvas fill = %v", ov.CanvasFill)
	}
	if len(ov.Inputs) != 1 || ov.Inputs[0].Horizontal != -5 || ov.Inputs[0].Vertical != 5 {
		t.Errorf("overlay inputs = %+v", ov.Inputs)
	}
}

func TestValidateErrors(t *testing.T) {
	src := func() []SourceConfig {
		return []SourceConfig{{File: "a.hvc", Context: 1, Width: 8, Height: 8}}
	}
	primary := Ref{Context: 1, Index: 1}
	tests := []struct {
		name string
		c    Content
		want string
	}{
		{
			name: "no sources",
			c:    Content{Primary: primary},
			want: "no source images",
		},
		{
			name: "source without file",
			c:    Content{Sources: []SourceConfig{{Context: 1}}, Primary: primary},
			want: "no file",
		},
		{
			name: "derivation reuses source context",
			c: Content{
				Sources: src(),
				Derived: Derivations{Identities: []IdentityConfig{{Context: 1, Source: primary}}},
				Primary: primary,
			},
			want: "declared more than once",
		},
		{
			name: "derivation without context",
			c: Content{
				Sources: src(),
				Derived: Derivations{Grids: []GridConfig{{Rows: 1, Columns: 1}}},
				Primary: primary,
			},
			want: "nonzero context",
		},
		{
			name: "overlay without inputs",
			c: Content{
				Sources: src(),
				Derived: Derivations{Overlays: []OverlayConfig{{Context: 2}}},
				Primary: primary,
			},
			want: "no inputs",
		},
		{
			name: "no primary",
			c:    Content{Sources: src()},
			want: "no primary",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestBuildFromConfig(t *testing.T) {
	dir := t.TempDir()
	tile := bytes.Repeat([]byte{0x11, 0x22}, 40)
	for name, data := range map[string][]byte{
		"tile.hvc":  tile,
		"thumb.hvc": []byte("thumbnail"),
		"meta.exif": {0x4D, 0x4D, 0, 0x2A},
	} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	doc := `
sources:
  - file: tile.hvc
    context: 1
    width: 512
    height: 512
    hidden: true
  - file: thumb.hvc
    context: 4
    width: 64
    height: 64
    thumbnail_of: {context: 1, index: 1}
derived:
  grids:
    - context: 2
      rows: 1
      columns: 1
      output_width: 512
      output_height: 512
      inputs:
        - {context: 1, index: 1}
exif:
  - file: meta.exif
    target: {context: 1, index: 1}
primary: {context: 2, index: 1}
`
	c, err := ParseContent([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}
	w, err := c.Build(dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	data := serializeFile(t, w)
	mb := parseMeta(t, data)

	// tile=1, thumb=2, grid=3, exif=4
	pitm := findChild(t, mb, "pitm").(*bmff.PrimaryItemBox)
	if pitm.ItemID != 3 {
		t.Errorf("primary item = %d, want the grid (3)", pitm.ItemID)
	}
	iinf := findChild(t, mb, "iinf").(*bmff.ItemInfoBox)
	if len(iinf.ItemInfos) != 4 {
		t.Fatalf("got %d items, want 4", len(iinf.ItemInfos))
	}
	if entry, ok := iinf.EntryByID(3); !ok || entry.ItemType != "grid" {
		t.Errorf("item 3 = %+v, want grid", entry)
	}

	thmb := findChild(t, mb, "iref").(*bmff.ItemReferenceBox).EntriesByType(bmff.RefThmb)
	if len(thmb) != 1 || thmb[0].FromItemID != 2 || thmb[0].ToItemIDs[0] != 1 {
		t.Errorf("thmb = %+v, want 2 -> [1]", thmb)
	}

	loc, err := findChild(t, mb, "iloc").(*bmff.ItemLocationBox).ItemLocationForID(1)
	if err != nil {
		t.Fatalf("tile location: %v", err)
	}
	start := loc.BaseOffset + loc.Extents[0].Offset
	if got := data[start : start+loc.Extents[0].Length]; !bytes.Equal(got, tile) {
		t.Error("tile payload does not round-trip through the file")
	}
}

func TestBuildUnresolvedPrimary(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.hvc"), []byte{1}, 0o644); err != nil {
		t.Fatal(err)
	}
	c := &Content{
		Sources: []SourceConfig{{File: "a.hvc", Context: 1, Width: 8, Height: 8}},
		Primary: Ref{Context: 9, Index: 1},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := c.Build(dir); err == nil {
		t.Fatal("Build resolved a primary that names no image")
	}
}
