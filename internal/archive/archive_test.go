package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func testDataset(t *testing.T) *dicom.Dataset {
	t.Helper()
	ds := &dicom.Dataset{}
	add := func(tg tag.Tag, value string) {
		el, err := dicom.NewElement(tg, []string{value})
		require.NoError(t, err)
		ds.Elements = append(ds.Elements, el)
	}
	add(tag.PatientID, "12345")
	add(tag.StudyInstanceUID, "1.2.3.4")
	add(tag.SOPInstanceUID, "1.2.3.4.5")
	add(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	return ds
}

func TestRenderPattern(t *testing.T) {
	ds := testDataset(t)
	got := RenderPattern(DefaultPattern, ds)
	assert.Equal(t, filepath.FromSlash("12345/1.2.3.4/1.2.3.4.5.dcm"), filepath.FromSlash(got))
}

func TestRenderPatternMissingTag(t *testing.T) {
	got := RenderPattern("{00100020}/{00080018}.dcm", &dicom.Dataset{})
	assert.Equal(t, "UNKNOWN/UNKNOWN.dcm", got)
}

func TestRenderPatternSanitizesSeparators(t *testing.T) {
	ds := &dicom.Dataset{}
	el, err := dicom.NewElement(tag.PatientID, []string{"a/b\\c:d"})
	require.NoError(t, err)
	ds.Elements = append(ds.Elements, el)

	got := RenderPattern("{00100020}", ds)
	assert.Equal(t, "a_b_c_d", got)
}

func TestWriteInstance(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "")
	ds := testDataset(t)

	path, err := w.WriteInstance(ds, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4.5", "1.2.840.10008.1.2.1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 132)
	assert.Equal(t, "DICM", string(data[128:132]))
}
