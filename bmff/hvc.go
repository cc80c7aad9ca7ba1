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

import "io"

// Codec configuration properties ('hvcC', 'av1C') parse into decomposed
// fields for readers but re-encode from their original bytes: the parse is
// lossy (reserved fields are dropped) and encoders hand the writer finished
// configuration records anyway. Writer-constructed codec configs use
// RawProperty.

// RawProperty carries a property as opaque bytes under a 4-byte box type.
type RawProperty struct {
	*box
	Data []byte
}

// NewRawProperty returns a property that frames data under the given type.
func NewRawProperty(typ string, data []byte) *RawProperty {
	return &RawProperty{box: newBox(typ), Data: data}
}

// WriteTo writes the box in BMFF wire format.
func (p *RawProperty) WriteTo(w io.Writer) (int64, error) {
	bw := new(bufWriter)
	bw.writeBytes(p.Data)
	return bw.writeBoxTo(w, p.boxType)
}

// ItemHevcConfigBox is a HEIF "hvcC" property
type hevcConfig struct {
	version                          uint8
	generalProfileSpace              uint8
	generalTierFlag                  uint8
	generalProfileIdc                uint8
	generalProfileCompatibilityFlags uint32

	generalLevelIdc uint8

	minSpatialSegmentationIdc uint16
	parallelismType           uint8
	chromaFormat              uint8
	bitDepthLuma              uint8
	bitDepthChroma            uint8
	avgFrameRate              uint16

	constantFrameRate uint8
	numTemporalLayers uint8
	temporalIdNested  uint8
}

type hevcNalArray struct {
	completeness uint8
	unitType     uint8
	units        [][]byte
}

type ItemHevcConfigBox struct {
	*box
	config   hevcConfig
	nalArray []*hevcNalArray
}

// AsHeader returns the parameter set NAL units in Annex B length-prefixed
// form, as decoders expect them ahead of the image payload.
func (ib *ItemHevcConfigBox) AsHeader() []byte {
	var out []byte
	for _, na := range ib.nalArray {
		for _, unit := range na.units {
			n := len(unit)
			out = append(out, byte((n>>24)&0xff))
			out = append(out, byte((n>>16)&0xff))
			out = append(out, byte((n>>8)&0xff))
			out = append(out, byte((n>>0)&0xff))
			out = append(out, unit...)
		}
	}

	return out
}

// WriteTo writes back the original box bytes.
func (ib *ItemHevcConfigBox) WriteTo(w io.Writer) (int64, error) {
	return writeRawBox(w, ib.box)
}

func parseItemHevcConfigBox(gen *box, br *bufReader) (Box, error) {
	ib := &ItemHevcConfigBox{box: gen}

	c := &ib.config
	c.version, _ = br.readUint8()

	ch, _ := br.readUint8()
	c.generalProfileSpace = (ch >> 6) & 3
	c.generalTierFlag = (ch >> 5) & 1
	c.generalProfileIdc = ch & 0x1F

	c.generalProfileCompatibilityFlags, _ = br.readUint32()

	for i := 0; i < 6; i++ { // general_constraint_indicator_flags
		ch, _ = br.readUint8()
	}

	c.generalLevelIdc, _ = br.readUint8()
	c.minSpatialSegmentationIdc, _ = br.readUint16()
	c.parallelismType, _ = br.readUint8()
	c.chromaFormat, _ = br.readUint8()
	c.bitDepthLuma, _ = br.readUint8()
	c.bitDepthChroma, _ = br.readUint8()
	c.avgFrameRate, _ = br.readUint16()

	ch, _ = br.readUint8()
	c.constantFrameRate = (ch >> 6) & 0x03
	c.numTemporalLayers = (ch >> 3) & 0x07
	c.temporalIdNested = (ch >> 2) & 1

	numArrays, err := br.readUint8()
	if err != nil {
		return nil, err
	}

	for i := 0; i < int(numArrays); i++ {
		ch, _ := br.readUint8()

		na := &hevcNalArray{}
		na.completeness = (ch >> 6) & 1
		na.unitType = ch & 0x3F

		numUnits, _ := br.readUint16()
		for j := 0; j < int(numUnits); j++ {
			size, _ := br.readUint16()
			if size == 0 { // ignore empty NAL units
				continue
			}

			unit := make([]byte, size)
			if _, err := io.ReadFull(br, unit); err != nil {
				return nil, err
			}
			na.units = append(na.units, unit)
		}

		ib.nalArray = append(ib.nalArray, na)
	}

	if !br.ok() {
		return nil, br.err
	}

	return ib, nil
}

type av1Config struct {
	marker                           uint8  // must be 1
	version                          uint8  // must be 1
	seqProfile                       uint8  // 3 bits
	seqLevelIdx0                     uint8  // 5 bits
	seqTier0                         uint8  // 1 bit
	highBitdepth                     uint8  // 1 bit
	twelveBit                        uint8  // 1 bit
	monochrome                       uint8  // 1 bit
	chromaSubsamplingX               uint8  // 1 bit
	chromaSubsamplingY               uint8  // 1 bit
	chromaSamplePosition             uint8  // 2 bits
	initialPresentationDelayPresent  uint8  // 1 bit
	initialPresentationDelayMinusOne uint8  // 4 bits (optional)
	configOBUs                       []byte // remaining bytes
}

type ItemAv1ConfigBox struct {
	*box
	config av1Config
}

// WriteTo writes back the original box bytes.
func (ib *ItemAv1ConfigBox) WriteTo(w io.Writer) (int64, error) {
	return writeRawBox(w, ib.box)
}

func parseItemAv1ConfigBox(gen *box, br *bufReader) (Box, error) {
	ib := &ItemAv1ConfigBox{box: gen}

	c := &ib.config

	firstByte, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	c.marker = (firstByte >> 7) & 1
	c.version = firstByte & 0x7F

	secondByte, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	c.seqProfile = (secondByte >> 5) & 0x07
	c.seqLevelIdx0 = secondByte & 0x1F

	thirdByte, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	c.seqTier0 = (thirdByte >> 7) & 1
	c.highBitdepth = (thirdByte >> 6) & 1
	c.twelveBit = (thirdByte >> 5) & 1
	c.monochrome = (thirdByte >> 4) & 1
	c.chromaSubsamplingX = (thirdByte >> 3) & 1
	c.chromaSubsamplingY = (thirdByte >> 2) & 1
	c.chromaSamplePosition = thirdByte & 0x03

	fourthByte, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	c.initialPresentationDelayPresent = (fourthByte >> 4) & 1
	if c.initialPresentationDelayPresent == 1 {
		c.initialPresentationDelayMinusOne = fourthByte & 0x0F
	}

	c.configOBUs, err = io.ReadAll(br)
	if err != nil {
		return nil, err
	}

	if !br.ok() {
		return nil, br.err
	}
	return ib, nil
}
