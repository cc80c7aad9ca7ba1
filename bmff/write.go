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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// bufWriter accumulates a box payload in big-endian wire order. It is the
// write-side counterpart of bufReader: errors are sticky, and a payload is
// only framed into a box once every field has been written cleanly.
// The zero value is ready to use.
type bufWriter struct {
	buf bytes.Buffer
	err error // sticky error
}

// ok reports whether all previous writes have been error-free.
func (bw *bufWriter) ok() bool { return bw.err == nil }

func (bw *bufWriter) writeUint8(v uint8) {
	if bw.err != nil {
		return
	}
	bw.buf.WriteByte(v)
}

func (bw *bufWriter) writeUint16(v uint16) {
	if bw.err != nil {
		return
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	bw.buf.Write(b[:])
}

func (bw *bufWriter) writeUint32(v uint32) {
	if bw.err != nil {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	bw.buf.Write(b[:])
}

func (bw *bufWriter) writeUint64(v uint64) {
	if bw.err != nil {
		return
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	bw.buf.Write(b[:])
}

// writeUintN writes v as an nbyte-byte big-endian field. A width of 0 writes
// nothing; v must then be 0. Values that do not fit the field are an error,
// never a silent truncation.
func (bw *bufWriter) writeUintN(v uint64, nbyte uint8) {
	if bw.err != nil {
		return
	}
	if !fitsField(v, nbyte) {
		bw.err = fmt.Errorf("value %d does not fit a %d-byte field", v, nbyte)
		return
	}
	switch nbyte {
	case 0:
	case 1:
		bw.writeUint8(uint8(v))
	case 2:
		bw.writeUint16(uint16(v))
	case 4:
		bw.writeUint32(uint32(v))
	case 8:
		bw.writeUint64(v)
	default:
		bw.err = fmt.Errorf("invalid uintn write size %d", nbyte)
	}
}

func (bw *bufWriter) writeBytes(p []byte) {
	if bw.err != nil {
		return
	}
	bw.buf.Write(p)
}

// writeString writes a NUL-terminated string.
func (bw *bufWriter) writeString(s string) {
	if bw.err != nil {
		return
	}
	bw.buf.WriteString(s)
	bw.buf.WriteByte(0)
}

// writeBrand writes a 4-character code.
func (bw *bufWriter) writeBrand(s string) {
	if bw.err != nil {
		return
	}
	if len(s) != 4 {
		bw.err = fmt.Errorf("4cc %q is not 4 bytes", s)
		return
	}
	bw.buf.WriteString(s)
}

// writeBoxChild serializes a child box into the payload.
func (bw *bufWriter) writeBoxChild(child io.WriterTo) {
	if bw.err != nil {
		return
	}
	if _, err := child.WriteTo(&bw.buf); err != nil {
		bw.err = err
	}
}

// writeBoxTo frames the accumulated payload as a box of type typ and writes
// it to w, returning the number of bytes written. Boxes too large for the
// 32-bit size field use the 64-bit largesize form.
func (bw *bufWriter) writeBoxTo(w io.Writer, typ BoxType) (int64, error) {
	if bw.err != nil {
		return 0, bw.err
	}
	payload := bw.buf.Bytes()
	size := uint64(len(payload)) + 8
	var hdr []byte
	if size > math.MaxUint32 {
		hdr = make([]byte, 16)
		binary.BigEndian.PutUint32(hdr[:4], 1)
		copy(hdr[4:8], typ[:])
		binary.BigEndian.PutUint64(hdr[8:], size+8)
	} else {
		hdr = make([]byte, 8)
		binary.BigEndian.PutUint32(hdr[:4], uint32(size))
		copy(hdr[4:8], typ[:])
	}
	n1, err := w.Write(hdr)
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(payload)
	return int64(n1 + n2), err
}

// writeFullBoxTo frames the accumulated payload as a FullBox of type typ
// with the given version and 24-bit flags.
func (bw *bufWriter) writeFullBoxTo(w io.Writer, typ BoxType, version uint8, flags uint32) (int64, error) {
	if bw.err != nil {
		return 0, bw.err
	}
	body := new(bufWriter)
	body.writeUint32(uint32(version)<<24 | flags&0x00FFFFFF)
	body.writeBytes(bw.buf.Bytes())
	return body.writeBoxTo(w, typ)
}

// fitsField reports whether v is representable in an nbyte-byte unsigned
// field. A 0-byte field holds only the implicit value 0.
func fitsField(v uint64, nbyte uint8) bool {
	switch nbyte {
	case 0:
		return v == 0
	case 1:
		return v <= math.MaxUint8
	case 2:
		return v <= math.MaxUint16
	case 4:
		return v <= math.MaxUint32
	case 8:
		return true
	}
	return false
}

// MediaDataBox accumulates item payload bytes for an 'mdat' box. Offsets
// handed out by AppendBytes are relative to the payload start; the absolute
// position of the payload is only known once the preceding boxes have been
// serialized (see DataOffset).
type MediaDataBox struct {
	data []byte
}

// AppendBytes adds p to the box payload and returns the payload-relative
// offset and length of the stored run. Successive calls return
// non-overlapping ranges in append order.
func (m *MediaDataBox) AppendBytes(p []byte) (offset, length uint64) {
	offset = uint64(len(m.data))
	m.data = append(m.data, p...)
	return offset, uint64(len(p))
}

// Len returns the current payload length.
func (m *MediaDataBox) Len() int { return len(m.data) }

// DataOffset returns the absolute file offset of the first payload byte,
// given the file offset at which the box itself will be written. It accounts
// for the largesize header form of oversized boxes.
func (m *MediaDataBox) DataOffset(boxStart int64) int64 {
	if uint64(len(m.data))+8 > math.MaxUint32 {
		return boxStart + 16
	}
	return boxStart + 8
}

// WriteTo writes the box in BMFF wire format.
func (m *MediaDataBox) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeBytes(m.data)
	return bw.writeBoxTo(w, TypeMdat)
}
