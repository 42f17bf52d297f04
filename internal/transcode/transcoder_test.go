package transcode

import (
	"image"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/internal/dcm"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// datasetWithPixels builds a dataset carrying the descriptor attributes
// and a raw (unprocessed) pixel stream.
func datasetWithPixels(t *testing.T, desc *ImageDescriptor, raw []byte) *dicom.Dataset {
	t.Helper()
	ds := &dicom.Dataset{}

	addInt := func(tg tag.Tag, v int) {
		el, err := dicom.NewElement(tg, []int{v})
		require.NoError(t, err)
		ds.Elements = append(ds.Elements, el)
	}
	addInt(tag.Rows, desc.Rows)
	addInt(tag.Columns, desc.Columns)
	addInt(tag.SamplesPerPixel, desc.Samples)
	addInt(tag.BitsAllocated, desc.BitsAllocated)
	addInt(tag.BitsStored, desc.BitsAllocated)

	if desc.Frames > 1 {
		el, err := dicom.NewElement(tag.NumberOfFrames, []string{strconv.Itoa(desc.Frames)})
		require.NoError(t, err)
		ds.Elements = append(ds.Elements, el)
	}
	pmi := desc.PhotometricInterpretation
	if pmi == "" {
		pmi = "MONOCHROME2"
	}
	el, err := dicom.NewElement(tag.PhotometricInterpretation, []string{pmi})
	require.NoError(t, err)
	ds.Elements = append(ds.Elements, el)

	if raw != nil {
		pixel, err := dicom.NewElement(tag.PixelData, dicom.PixelDataInfo{
			IntentionallyUnprocessed: true,
			UnprocessedValueData:     raw,
		})
		require.NoError(t, err)
		ds.Elements = append(ds.Elements, pixel)
	}
	return ds
}

func TestDecideNoPixelData(t *testing.T) {
	ds := &dicom.Dataset{}
	plan, err := Decide(ds, types.ExplicitVRLittleEndian, types.JPEGBaseline, nil)
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestDecideSameNativeSyntaxPassesThrough(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 2, Samples: 1, BitsAllocated: 8, Frames: 1}
	ds := datasetWithPixels(t, desc, make([]byte, 4))
	plan, err := Decide(ds, types.ExplicitVRLittleEndian, types.ExplicitVRLittleEndian, nil)
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestDecideNativeToNativePassesThrough(t *testing.T) {
	// Differing syntaxes but native input: the dataset writer handles
	// VR and endianness, no pixel recode needed.
	desc := &ImageDescriptor{Rows: 2, Columns: 2, Samples: 1, BitsAllocated: 8, Frames: 1}
	ds := datasetWithPixels(t, desc, make([]byte, 4))
	plan, err := Decide(ds, types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian, nil)
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestDecideMaskForcesTranscode(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 2, Samples: 1, BitsAllocated: 8, Frames: 1}
	ds := datasetWithPixels(t, desc, make([]byte, 4))
	mask := image.Rect(0, 0, 1, 1)
	plan, err := Decide(ds, types.ExplicitVRLittleEndian, types.ExplicitVRLittleEndian, &mask)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, types.ExplicitVRLittleEndian, plan.Target)
}

func TestDecideMaskIgnoredForVideoSyntax(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 2, Samples: 1, BitsAllocated: 8, Frames: 1}
	ds := datasetWithPixels(t, desc, make([]byte, 4))
	mask := image.Rect(0, 0, 1, 1)
	plan, err := Decide(ds, "1.2.840.10008.1.2.4.100", "1.2.840.10008.1.2.4.100", &mask)
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestDecideRLETargetSubstituted(t *testing.T) {
	soi := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	stream := append(item(nil), item(soi)...)
	desc := &ImageDescriptor{Rows: 1, Columns: 1, Samples: 1, BitsAllocated: 8, Frames: 1}
	ds := datasetWithPixels(t, desc, stream)

	plan, err := Decide(ds, types.JPEGBaseline, types.RLELossless, nil)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, types.ExplicitVRLittleEndian, plan.Target)
}

func TestExecuteMasksNativeFrame(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 2, Samples: 1, BitsAllocated: 8, Frames: 1, PhotometricInterpretation: "MONOCHROME2"}
	ds := datasetWithPixels(t, desc, []byte{10, 20, 30, 40})
	mask := image.Rect(0, 0, 2, 1)

	plan, err := Decide(ds, types.ExplicitVRLittleEndian, types.ExplicitVRLittleEndian, &mask)
	require.NoError(t, err)
	require.NotNil(t, plan)

	outTS, err := Execute(ds, plan, &mask)
	require.NoError(t, err)
	assert.Equal(t, types.ExplicitVRLittleEndian, outTS)

	el, err := ds.FindElementByTag(tag.PixelData)
	require.NoError(t, err)
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	require.True(t, ok)
	// Top row blanked, bottom row intact
	assert.Equal(t, []byte{0, 0, 30, 40}, info.UnprocessedValueData)
}

func TestExecuteMasks16BitFrame(t *testing.T) {
	desc := &ImageDescriptor{Rows: 2, Columns: 1, Samples: 1, BitsAllocated: 16, Frames: 1, PhotometricInterpretation: "MONOCHROME2"}
	ds := datasetWithPixels(t, desc, []byte{0x34, 0x12, 0x78, 0x56})
	mask := image.Rect(0, 0, 1, 1)

	plan, err := Decide(ds, types.ExplicitVRLittleEndian, types.ExplicitVRLittleEndian, &mask)
	require.NoError(t, err)
	require.NotNil(t, plan)

	_, err = Execute(ds, plan, &mask)
	require.NoError(t, err)

	el, err := ds.FindElementByTag(tag.PixelData)
	require.NoError(t, err)
	info := el.Value.GetValue().(dicom.PixelDataInfo)
	assert.Equal(t, []byte{0x00, 0x00, 0x78, 0x56}, info.UnprocessedValueData)
}

func TestDescriptorFromDataset(t *testing.T) {
	desc := &ImageDescriptor{Rows: 3, Columns: 5, Samples: 1, BitsAllocated: 16, Frames: 2}
	ds := datasetWithPixels(t, desc, nil)

	got, err := DescriptorFromDataset(ds)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Rows)
	assert.Equal(t, 5, got.Columns)
	assert.Equal(t, 16, got.BitsAllocated)
	assert.Equal(t, 2, got.Frames)
	assert.Equal(t, "MONOCHROME2", got.PhotometricInterpretation)
}

func TestDescriptorRequiresRows(t *testing.T) {
	_, err := DescriptorFromDataset(&dicom.Dataset{})
	assert.Error(t, err)
}

func TestRawPixelDataHelper(t *testing.T) {
	desc := &ImageDescriptor{Rows: 1, Columns: 1, Samples: 1, BitsAllocated: 8, Frames: 1}
	ds := datasetWithPixels(t, desc, []byte{0x42})
	raw, ok := rawPixelData(ds)
	require.True(t, ok)
	assert.Equal(t, []byte{0x42}, raw)
	// The replace helper keeps it reachable
	el, err := ds.FindElementByTag(tag.PixelData)
	require.NoError(t, err)
	dcm.ReplaceElement(ds, el)
	_, ok = rawPixelData(ds)
	assert.True(t, ok)
}
