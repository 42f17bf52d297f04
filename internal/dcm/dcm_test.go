package dcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

func testDataset(t *testing.T) *dicom.Dataset {
	t.Helper()
	ds := &dicom.Dataset{}
	add := func(tg tag.Tag, value string) {
		el, err := dicom.NewElement(tg, []string{value})
		require.NoError(t, err)
		ds.Elements = append(ds.Elements, el)
	}
	add(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	add(tag.SOPInstanceUID, "1.2.3.4.5")
	add(tag.PatientID, "12345")
	return ds
}

func TestEncodeParseRoundTrip(t *testing.T) {
	ds := testDataset(t)
	raw, err := EncodeDataset(ds, types.ImplicitVRLittleEndian)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	parsed, err := ParseDataset(raw)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4.5", FindString(parsed, tag.SOPInstanceUID))
	assert.Equal(t, "12345", FindString(parsed, tag.PatientID))
}

func TestEncodeDropsFileMetaGroup(t *testing.T) {
	ds := testDataset(t)
	metaEl, err := dicom.NewElement(tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5"})
	require.NoError(t, err)
	ds.Elements = append(ds.Elements, metaEl)

	raw, err := EncodeDataset(ds, types.ImplicitVRLittleEndian)
	require.NoError(t, err)

	parsed, err := ParseDataset(raw)
	require.NoError(t, err)
	assert.Empty(t, FindString(parsed, tag.MediaStorageSOPInstanceUID))
}

func TestCloneIsIndependent(t *testing.T) {
	ds := testDataset(t)
	clone := Clone(ds)

	require.NoError(t, SetString(clone, tag.PatientID, "ANON"))
	assert.Equal(t, "12345", FindString(ds, tag.PatientID))
	assert.Equal(t, "ANON", FindString(clone, tag.PatientID))
}

func TestReplaceElementAppendsWhenMissing(t *testing.T) {
	ds := &dicom.Dataset{}
	require.NoError(t, SetString(ds, tag.PatientID, "12345"))
	require.NoError(t, SetString(ds, tag.PatientID, "67890"))
	assert.Len(t, ds.Elements, 1)
	assert.Equal(t, "67890", FindString(ds, tag.PatientID))
}

func TestRemoveElement(t *testing.T) {
	ds := testDataset(t)
	RemoveElement(ds, tag.PatientID)
	assert.Empty(t, FindString(ds, tag.PatientID))
	// Removing again is harmless
	RemoveElement(ds, tag.PatientID)
}

func TestFindInt(t *testing.T) {
	ds := &dicom.Dataset{}
	el, err := dicom.NewElement(tag.Rows, []int{512})
	require.NoError(t, err)
	ds.Elements = append(ds.Elements, el)

	v, ok := FindInt(ds, tag.Rows)
	require.True(t, ok)
	assert.Equal(t, 512, v)

	_, ok = FindInt(ds, tag.Columns)
	assert.False(t, ok)
}

func TestFileMetaRoundTrip(t *testing.T) {
	file := AssembleFile([]byte{0x08, 0x00, 0x18, 0x00}, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4.5", types.ExplicitVRLittleEndian)

	meta, err := ParseFileMeta(file)
	require.NoError(t, err)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", meta.MediaStorageSOPClassUID)
	assert.Equal(t, "1.2.3.4.5", meta.MediaStorageSOPInstanceUID)
	assert.Equal(t, types.ExplicitVRLittleEndian, meta.TransferSyntaxUID)
	assert.Equal(t, []byte{0x08, 0x00, 0x18, 0x00}, file[meta.DatasetOffset:])
}

func TestParseFileMetaRejectsGarbage(t *testing.T) {
	_, err := ParseFileMeta([]byte("not a dicom file"))
	assert.Error(t, err)
}
