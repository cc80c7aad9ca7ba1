// heifwrite assembles a HEIF still-image file from a content configuration:
// already-encoded source images, derived images (grids, overlays, identity
// transforms), thumbnails and metadata, declared in YAML or JSONC. Relative
// file paths in the configuration resolve against the configuration file's
// directory.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/qqlizhn/heif/writer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "heifwrite: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var output string
	flags := pflag.NewFlagSet("heifwrite", pflag.ContinueOnError)
	flags.StringVarP(&output, "output", "o", "out.heic", "output file path")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: heifwrite [-o out.heic] <content.yaml>")
	}
	path := flags.Arg(0)

	content, err := writer.LoadContent(path)
	if err != nil {
		return err
	}
	w, err := content.Build(filepath.Dir(path))
	if err != nil {
		return err
	}

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	n, err := w.WriteTo(out)
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes\n", output, n)
	return nil
}
