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
	"encoding/binary"
	"fmt"
)

// Derived image payloads are not boxes: a 'grid' or 'iovl' item's data is
// one of these structures, and its inputs are the item's 'dimg' references
// in order. Both encode with 16-bit output fields when the values fit and
// set flags bit 0 to switch to 32-bit fields otherwise.

// ImageGrid is the payload of a 'grid' derived item: inputs tile a
// rows x columns canvas in row-major order, cropped to the output size.
type ImageGrid struct {
	RowsMinusOne    uint8
	ColumnsMinusOne uint8
	OutputWidth     uint32
	OutputHeight    uint32
}

// Rows returns the tile row count (1-256).
func (g *ImageGrid) Rows() int { return int(g.RowsMinusOne) + 1 }

// Columns returns the tile column count (1-256).
func (g *ImageGrid) Columns() int { return int(g.ColumnsMinusOne) + 1 }

// MarshalBinary implements encoding.BinaryMarshaler.
func (g *ImageGrid) MarshalBinary() ([]byte, error) {
	wide := g.OutputWidth > 0xFFFF || g.OutputHeight > 0xFFFF
	bw := new(bufWriter)
	bw.writeUint8(0) // version
	if wide {
		bw.writeUint8(1)
	} else {
		bw.writeUint8(0)
	}
	bw.writeUint8(g.RowsMinusOne)
	bw.writeUint8(g.ColumnsMinusOne)
	if wide {
		bw.writeUint32(g.OutputWidth)
		bw.writeUint32(g.OutputHeight)
	} else {
		bw.writeUint16(uint16(g.OutputWidth))
		bw.writeUint16(uint16(g.OutputHeight))
	}
	if !bw.ok() {
		return nil, bw.err
	}
	return bw.buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (g *ImageGrid) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("grid payload too short: %d bytes", len(data))
	}
	if data[0] != 0 {
		return fmt.Errorf("grid payload: unsupported version %d", data[0])
	}
	flags := data[1]
	g.RowsMinusOne = data[2]
	g.ColumnsMinusOne = data[3]
	if flags&1 != 0 {
		if len(data) < 12 {
			return fmt.Errorf("grid payload too short: %d bytes", len(data))
		}
		g.OutputWidth = binary.BigEndian.Uint32(data[4:8])
		g.OutputHeight = binary.BigEndian.Uint32(data[8:12])
	} else {
		g.OutputWidth = uint32(binary.BigEndian.Uint16(data[4:6]))
		g.OutputHeight = uint32(binary.BigEndian.Uint16(data[6:8]))
	}
	return nil
}

// OverlayOffset places one overlay input on the canvas. Offsets are from the
// canvas top-left corner and may be negative.
type OverlayOffset struct {
	Horizontal int32
	Vertical   int32
}

// ImageOverlay is the payload of an 'iovl' derived item: inputs composite
// onto a filled canvas, one offset pair per 'dimg' reference in order. The
// payload stores no input count; it is implied by the reference list.
type ImageOverlay struct {
	CanvasFill   [4]uint16 // RGBA, 16 bits per channel
	OutputWidth  uint32
	OutputHeight uint32
	Offsets      []OverlayOffset
}

func (o *ImageOverlay) wide() bool {
	if o.OutputWidth > 0xFFFF || o.OutputHeight > 0xFFFF {
		return true
	}
	for _, off := range o.Offsets {
		if off.Horizontal < -0x8000 || off.Horizontal > 0x7FFF ||
			off.Vertical < -0x8000 || off.Vertical > 0x7FFF {
			return true
		}
	}
	return false
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (o *ImageOverlay) MarshalBinary() ([]byte, error) {
	wide := o.wide()
	bw := new(bufWriter)
	bw.writeUint8(0) // version
	if wide {
		bw.writeUint8(1)
	} else {
		bw.writeUint8(0)
	}
	for _, c := range o.CanvasFill {
		bw.writeUint16(c)
	}
	if wide {
		bw.writeUint32(o.OutputWidth)
		bw.writeUint32(o.OutputHeight)
		for _, off := range o.Offsets {
			bw.writeUint32(uint32(off.Horizontal))
			bw.writeUint32(uint32(off.Vertical))
		}
	} else {
		bw.writeUint16(uint16(o.OutputWidth))
		bw.writeUint16(uint16(o.OutputHeight))
		for _, off := range o.Offsets {
			bw.writeUint16(uint16(int16(off.Horizontal)))
			bw.writeUint16(uint16(int16(off.Vertical)))
		}
	}
	if !bw.ok() {
		return nil, bw.err
	}
	return bw.buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The offset pair
// count is derived from the payload length.
func (o *ImageOverlay) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("overlay payload too short: %d bytes", len(data))
	}
	if data[0] != 0 {
		return fmt.Errorf("overlay payload: unsupported version %d", data[0])
	}
	fs := 2
	if data[1]&1 != 0 {
		fs = 4
	}
	head := 2 + 8 + 2*fs
	if len(data) < head {
		return fmt.Errorf("overlay payload too short: %d bytes", len(data))
	}
	for i := range o.CanvasFill {
		o.CanvasFill[i] = binary.BigEndian.Uint16(data[2+2*i:])
	}
	rdu := func(off int) uint32 {
		if fs == 4 {
			return binary.BigEndian.Uint32(data[off:])
		}
		return uint32(binary.BigEndian.Uint16(data[off:]))
	}
	rd := func(off int) int32 {
		if fs == 4 {
			return int32(binary.BigEndian.Uint32(data[off:]))
		}
		return int32(int16(binary.BigEndian.Uint16(data[off:])))
	}
	o.OutputWidth = rdu(10)
	o.OutputHeight = rdu(10 + fs)
	rest := data[head:]
	if len(rest)%(2*fs) != 0 {
		return fmt.Errorf("overlay payload: %d trailing bytes are not whole offset pairs", len(rest))
	}
	o.Offsets = nil
	for off := 0; off < len(rest); off += 2 * fs {
		o.Offsets = append(o.Offsets, OverlayOffset{
			Horizontal: rd(head + off),
			Vertical:   rd(head + off + fs),
		})
	}
	return nil
}
