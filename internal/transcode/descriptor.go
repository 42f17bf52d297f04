// Package transcode decides when received pixel data must be re-encoded
// for a destination and extracts frames from the raw pixel stream.
package transcode

import (
	"encoding/binary"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/internal/dcm"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// ImageDescriptor summarizes the pixel module of a dataset.
type ImageDescriptor struct {
	Rows                      int
	Columns                   int
	Samples                   int
	BitsAllocated             int
	BitsStored                int
	Frames                    int
	PhotometricInterpretation string
	PaletteLUT                *dicom.Dataset
}

// FrameLength returns the byte length of one native frame.
func (d *ImageDescriptor) FrameLength() int {
	if d.PhotometricInterpretation == "YBR_FULL_422" && d.Samples == 3 {
		// 4:2:2 chroma subsampling stores two samples per pixel
		return d.Rows * d.Columns * 2 * (d.BitsAllocated / 8)
	}
	return d.Rows * d.Columns * d.Samples * (d.BitsAllocated / 8)
}

var paletteLUTTags = []tag.Tag{
	{Group: 0x0028, Element: 0x1101}, // RedPaletteColorLookupTableDescriptor
	{Group: 0x0028, Element: 0x1102},
	{Group: 0x0028, Element: 0x1103},
	{Group: 0x0028, Element: 0x1201}, // RedPaletteColorLookupTableData
	{Group: 0x0028, Element: 0x1202},
	{Group: 0x0028, Element: 0x1203},
}

// DescriptorFromDataset reads the pixel module attributes.
func DescriptorFromDataset(ds *dicom.Dataset) (*ImageDescriptor, error) {
	rows, ok := dcm.FindInt(ds, tag.Rows)
	if !ok {
		return nil, fmt.Errorf("dataset has no Rows attribute")
	}
	cols, ok := dcm.FindInt(ds, tag.Columns)
	if !ok {
		return nil, fmt.Errorf("dataset has no Columns attribute")
	}

	desc := &ImageDescriptor{
		Rows:                      rows,
		Columns:                   cols,
		Samples:                   1,
		BitsAllocated:             8,
		BitsStored:                8,
		Frames:                    1,
		PhotometricInterpretation: "MONOCHROME2",
	}
	if v, ok := dcm.FindInt(ds, tag.SamplesPerPixel); ok {
		desc.Samples = v
	}
	if v, ok := dcm.FindInt(ds, tag.BitsAllocated); ok {
		desc.BitsAllocated = v
	}
	if v, ok := dcm.FindInt(ds, tag.BitsStored); ok {
		desc.BitsStored = v
	}
	if v, ok := dcm.FindInt(ds, tag.NumberOfFrames); ok && v > 0 {
		desc.Frames = v
	}
	if v := dcm.FindString(ds, tag.PhotometricInterpretation); v != "" {
		desc.PhotometricInterpretation = v
	}

	var lut []*dicom.Element
	for _, t := range paletteLUTTags {
		if el, err := ds.FindElementByTag(t); err == nil && el != nil {
			lut = append(lut, el)
		}
	}
	if len(lut) > 0 {
		desc.PaletteLUT = &dicom.Dataset{Elements: lut}
	}

	return desc, nil
}

// FrameSource provides per-frame access to pixel data together with the
// descriptor needed to interpret it.
type FrameSource interface {
	Descriptor() *ImageDescriptor
	FrameBytes(index int) ([]byte, error)
	TransferSyntax() string
	PaletteColorLookupTable() *dicom.Dataset
}

// rawPixelData extracts the unprocessed PixelData value bytes.
func rawPixelData(ds *dicom.Dataset) ([]byte, bool) {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return nil, false
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, false
	}
	if info.IntentionallyUnprocessed {
		return info.UnprocessedValueData, true
	}
	return nil, false
}

// splitFragments parses an encapsulated pixel stream into the basic
// offset table and the fragments that follow it.
func splitFragments(data []byte) (bot []byte, fragments [][]byte, err error) {
	offset := 0
	first := true
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if group == 0xFFFE && element == 0xE0DD {
			break // sequence delimitation
		}
		if group != 0xFFFE || element != 0xE000 {
			return nil, nil, fmt.Errorf("unexpected item tag (%04x,%04x) in pixel stream", group, element)
		}
		end := offset + 8 + int(length)
		if end > len(data) {
			return nil, nil, fmt.Errorf("pixel fragment exceeds stream length")
		}
		value := data[offset+8 : end]
		if first {
			bot = value
			first = false
		} else {
			fragments = append(fragments, value)
		}
		offset = end
	}
	if first {
		return nil, nil, fmt.Errorf("pixel stream has no basic offset table item")
	}
	return bot, fragments, nil
}

type byteFrameSource struct {
	desc   *ImageDescriptor
	tsuid  string
	frames [][]byte
}

func (s *byteFrameSource) Descriptor() *ImageDescriptor { return s.desc }
func (s *byteFrameSource) TransferSyntax() string       { return s.tsuid }
func (s *byteFrameSource) PaletteColorLookupTable() *dicom.Dataset {
	return s.desc.PaletteLUT
}

func (s *byteFrameSource) FrameBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(s.frames) {
		return nil, fmt.Errorf("frame %d out of range (%d frames)", index, len(s.frames))
	}
	return s.frames[index], nil
}

type nativeFrameSource struct {
	desc  *ImageDescriptor
	tsuid string
	data  []byte
}

func (s *nativeFrameSource) Descriptor() *ImageDescriptor { return s.desc }
func (s *nativeFrameSource) TransferSyntax() string       { return s.tsuid }
func (s *nativeFrameSource) PaletteColorLookupTable() *dicom.Dataset {
	return s.desc.PaletteLUT
}

func (s *nativeFrameSource) FrameBytes(index int) ([]byte, error) {
	length := s.desc.FrameLength()
	start := index * length
	end := start + length
	if index < 0 || end > len(s.data) {
		return nil, fmt.Errorf("frame out of the stream limit")
	}
	return s.data[start:end], nil
}

// jpegFrameStarts returns the indexes of fragments that begin a JPEG
// bitstream (SOI marker).
func jpegFrameStarts(fragments [][]byte) []int {
	var starts []int
	for i, f := range fragments {
		if len(f) >= 2 && f[0] == 0xFF && f[1] == 0xD8 {
			starts = append(starts, i)
		}
	}
	return starts
}

func concat(fragments [][]byte) []byte {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}

// NewFrameSource builds a frame source over the dataset's raw pixel
// stream for the given inbound transfer syntax.
func NewFrameSource(ds *dicom.Dataset, tsuid string) (FrameSource, error) {
	desc, err := DescriptorFromDataset(ds)
	if err != nil {
		return nil, err
	}
	raw, ok := rawPixelData(ds)
	if !ok {
		return nil, fmt.Errorf("dataset has no raw pixel data")
	}

	if types.IsNativeSyntax(tsuid) {
		if desc.Frames*desc.FrameLength() > len(raw) {
			return nil, fmt.Errorf("frame out of the stream limit")
		}
		return &nativeFrameSource{desc: desc, tsuid: tsuid, data: raw}, nil
	}

	_, fragments, err := splitFragments(raw)
	if err != nil {
		return nil, err
	}

	if desc.Frames <= 1 {
		// All fragments after the basic offset table form the frame.
		return &byteFrameSource{desc: desc, tsuid: tsuid, frames: [][]byte{concat(fragments)}}, nil
	}

	if tsuid == types.RLELossless {
		if len(fragments) < desc.Frames {
			return nil, fmt.Errorf("cannot match all the fragments to all the frames")
		}
		return &byteFrameSource{desc: desc, tsuid: tsuid, frames: fragments[:desc.Frames]}, nil
	}

	starts := jpegFrameStarts(fragments)
	if len(starts) != desc.Frames {
		return nil, fmt.Errorf("cannot match all the fragments to all the frames")
	}
	frames := make([][]byte, desc.Frames)
	for i, start := range starts {
		end := len(fragments)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		frames[i] = concat(fragments[start:end])
	}
	return &byteFrameSource{desc: desc, tsuid: tsuid, frames: frames}, nil
}
