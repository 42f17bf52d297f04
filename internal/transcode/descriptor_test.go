package transcode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

func TestFrameLength(t *testing.T) {
	tests := []struct {
		name string
		desc ImageDescriptor
		want int
	}{
		{
			name: "8-bit grayscale",
			desc: ImageDescriptor{Rows: 4, Columns: 4, Samples: 1, BitsAllocated: 8, PhotometricInterpretation: "MONOCHROME2"},
			want: 16,
		},
		{
			name: "16-bit grayscale",
			desc: ImageDescriptor{Rows: 512, Columns: 512, Samples: 1, BitsAllocated: 16, PhotometricInterpretation: "MONOCHROME2"},
			want: 512 * 512 * 2,
		},
		{
			name: "RGB",
			desc: ImageDescriptor{Rows: 2, Columns: 2, Samples: 3, BitsAllocated: 8, PhotometricInterpretation: "RGB"},
			want: 12,
		},
		{
			name: "YBR 4:2:2 subsampled",
			desc: ImageDescriptor{Rows: 2, Columns: 2, Samples: 3, BitsAllocated: 8, PhotometricInterpretation: "YBR_FULL_422"},
			want: 8,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.desc.FrameLength())
		})
	}
}

func TestNativeFrameSource(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 2, Samples: 1, BitsAllocated: 8, Frames: 2, PhotometricInterpretation: "MONOCHROME2"}
	src := &nativeFrameSource{desc: desc, tsuid: types.ExplicitVRLittleEndian, data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}

	first, err := src.FrameBytes(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, first)

	second, err := src.FrameBytes(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, second)

	_, err = src.FrameBytes(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame out of the stream limit")
}

// item builds one encapsulated pixel item.
func item(value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.LittleEndian.PutUint16(out[0:2], 0xFFFE)
	binary.LittleEndian.PutUint16(out[2:4], 0xE000)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(value)))
	copy(out[8:], value)
	return out
}

func TestSplitFragments(t *testing.T) {
	stream := append(item(nil), item([]byte{0xFF, 0xD8, 0x01})...)
	stream = append(stream, item([]byte{0x02, 0xFF, 0xD9})...)

	bot, fragments, err := splitFragments(stream)
	require.NoError(t, err)
	assert.Empty(t, bot)
	require.Len(t, fragments, 2)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01}, fragments[0])
}

func TestSplitFragmentsRejectsGarbage(t *testing.T) {
	_, _, err := splitFragments([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	assert.Error(t, err)
}

func TestJPEGMultiFrameMatching(t *testing.T) {
	soi := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	cont := []byte{0x00, 0x11, 0x22}

	// Three fragments: frame 1 spans fragments 0-1, frame 2 is fragment 2
	stream := item(nil)
	stream = append(stream, item(soi)...)
	stream = append(stream, item(cont)...)
	stream = append(stream, item(soi)...)

	starts := jpegFrameStarts([][]byte{soi, cont, soi})
	assert.Equal(t, []int{0, 2}, starts)

	desc := &ImageDescriptor{Rows: 1, Columns: 1, Samples: 1, BitsAllocated: 8, Frames: 2}
	ds := datasetWithPixels(t, desc, stream)
	src, err := NewFrameSource(ds, types.JPEGBaseline)
	require.NoError(t, err)

	first, err := src.FrameBytes(0)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, soi...), cont...), first)

	second, err := src.FrameBytes(1)
	require.NoError(t, err)
	assert.Equal(t, soi, second)
}

func TestJPEGMultiFrameMismatchFails(t *testing.T) {
	soi := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	stream := append(item(nil), item(soi)...)

	desc := &ImageDescriptor{Rows: 1, Columns: 1, Samples: 1, BitsAllocated: 8, Frames: 3}
	ds := datasetWithPixels(t, desc, stream)
	_, err := NewFrameSource(ds, types.JPEGBaseline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot match all the fragments to all the frames")
}

func TestRLEFragmentToFrameMapping(t *testing.T) {
	frameA := []byte{0xAA, 0xAB}
	frameB := []byte{0xBB, 0xBC}
	stream := item(nil)
	stream = append(stream, item(frameA)...)
	stream = append(stream, item(frameB)...)

	desc := &ImageDescriptor{Rows: 1, Columns: 2, Samples: 1, BitsAllocated: 8, Frames: 2}
	ds := datasetWithPixels(t, desc, stream)
	src, err := NewFrameSource(ds, types.RLELossless)
	require.NoError(t, err)

	first, err := src.FrameBytes(0)
	require.NoError(t, err)
	assert.Equal(t, frameA, first)

	second, err := src.FrameBytes(1)
	require.NoError(t, err)
	assert.Equal(t, frameB, second)
}

func TestNativeShortBufferRejected(t *testing.T) {
	desc := &ImageDescriptor{Rows: 4, Columns: 4, Samples: 1, BitsAllocated: 8, Frames: 2}
	ds := datasetWithPixels(t, desc, make([]byte, 16)) // one frame short
	_, err := NewFrameSource(ds, types.ExplicitVRLittleEndian)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame out of the stream limit")
}
