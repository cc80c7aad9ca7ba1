// heifinfo prints the structure of a HEIF still-image file: its brands,
// every item with its payload location and properties, the derivation
// relationships between items, and optionally the decoded EXIF tags.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	"github.com/spf13/pflag"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/qqlizhn/heif"
	"github.com/qqlizhn/heif/bmff"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "heifinfo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var withExif bool
	flags := pflag.NewFlagSet("heifinfo", pflag.ContinueOnError)
	flags.BoolVar(&withExif, "exif", false, "decode and print the EXIF tags")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: heifinfo [--exif] <file>")
	}
	path := flags.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hf := heif.Open(f)
	meta, err := hf.Meta()
	if err != nil {
		return err
	}

	ft := meta.FileType
	fmt.Printf("%s: %s, compatible %s\n", path, ft.MajorBrand, strings.Join(ft.Compatible, " "))
	if meta.PrimaryItem != nil {
		fmt.Printf("primary item: %d\n", meta.PrimaryItem.ItemID)
	}

	items, err := hf.Items()
	if err != nil {
		return err
	}
	for _, it := range items {
		printItem(it)
	}
	printReferenceSummary(items)

	if withExif {
		return printExif(hf)
	}
	return nil
}

func printItem(it *heif.Item) {
	line := fmt.Sprintf("item %d: %s", it.ID, it.Info.ItemType)
	if it.Info.Name != "" {
		line += fmt.Sprintf(" %q", it.Info.Name)
	}
	if it.Info.ContentType != "" {
		line += ", " + it.Info.ContentType
		if it.Info.ContentEncoding != "" {
			line += " (" + it.Info.ContentEncoding + ")"
		}
	}
	if loc := it.Location; loc != nil {
		var total uint64
		for _, ext := range loc.Extents {
			total += ext.Length
		}
		line += fmt.Sprintf(", %d bytes (%v", total, loc.ConstructionMethod)
		if len(loc.Extents) > 1 {
			line += fmt.Sprintf(", %d extents", len(loc.Extents))
		}
		line += ")"
	}
	if it.Info.Hidden() {
		line += ", hidden"
	}
	fmt.Println(line)

	for _, p := range it.Properties {
		fmt.Printf("\t%s\n", propertyLabel(p))
	}
	for _, r := range it.References {
		fmt.Printf("\t%s -> %v\n", r.Type(), r.ToItemIDs)
	}

	switch it.Info.ItemType {
	case "hvc1":
		if hvcc, ok := it.HevcConfig(); ok {
			fmt.Printf("\tparameter set header: %d bytes\n", len(hvcc.AsHeader()))
		}
	case "grid":
		if grid, tiles, err := it.Grid(); err == nil {
			fmt.Printf("\t%dx%d tile layout, output %dx%d, tiles %v\n",
				grid.Columns(), grid.Rows(), grid.OutputWidth, grid.OutputHeight, tiles)
		}
	case "iovl":
		if overlay, inputs, err := it.Overlay(); err == nil {
			fmt.Printf("\tcanvas %dx%d, fill %v, inputs %v at %v\n",
				overlay.OutputWidth, overlay.OutputHeight, overlay.CanvasFill, inputs, overlay.Offsets)
		}
	case "iden":
		if src, ok := it.IdentitySource(); ok {
			fmt.Printf("\tpresents item %d\n", src)
		}
	}
}

func propertyLabel(p bmff.Box) string {
	switch p := p.(type) {
	case *bmff.ImageSpatialExtentsProperty:
		return fmt.Sprintf("ispe %dx%d", p.ImageWidth, p.ImageHeight)
	case *bmff.ImageRotation:
		return fmt.Sprintf("irot %d degrees", int(p.Angle)*90)
	case *bmff.ImageMirror:
		if p.Mirror == bmff.MirrorHorizontal {
			return "imir horizontal"
		}
		return "imir vertical"
	case *bmff.CleanAperture:
		return fmt.Sprintf("clap %d/%d x %d/%d at %d/%d, %d/%d",
			p.WidthN, p.WidthD, p.HeightN, p.HeightD,
			p.HorizOffN, p.HorizOffD, p.VertOffN, p.VertOffD)
	case *bmff.RelativeLocation:
		return fmt.Sprintf("rloc %d, %d", p.HorizontalOffset, p.VerticalOffset)
	}
	return p.Type().String()
}

func printReferenceSummary(items []*heif.Item) {
	counts := make(map[string]int)
	for _, it := range items {
		for _, r := range it.References {
			counts[r.Type().String()]++
		}
	}
	if len(counts) == 0 {
		return
	}
	types := maps.Keys(counts)
	slices.Sort(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	fmt.Printf("references: %s\n", strings.Join(parts, " "))
}

// exifCollector accumulates formatted tag lines; goexif's Walk visits tags
// in map order, so the lines are sorted before printing.
type exifCollector struct {
	lines []string
}

func (c *exifCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	c.lines = append(c.lines, fmt.Sprintf("%-32s %s", name, tag.String()))
	return nil
}

func printExif(hf *heif.File) error {
	raw, err := hf.EXIF()
	if errors.Is(err, heif.ErrNoEXIF) {
		fmt.Println("no EXIF block")
		return nil
	}
	if err != nil {
		return err
	}
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decoding EXIF: %v", err)
	}
	var c exifCollector
	if err := x.Walk(&c); err != nil {
		return err
	}
	slices.Sort(c.lines)
	for _, line := range c.lines {
		fmt.Println(line)
	}
	return nil
}
