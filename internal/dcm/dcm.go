// Package dcm wraps github.com/suyashkumar/dicom with the dataset
// plumbing the relay needs: wire-form (no file meta) parse and encode,
// dataset cloning, and part-10 file assembly.
package dcm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

// ParseDataset parses the data-set portion of a C-STORE payload (no
// preamble, no file meta group). Pixel data is kept as the raw element
// value so the transcoder can do its own fragment handling.
func ParseDataset(data []byte) (*dicom.Dataset, error) {
	r := bytes.NewReader(data)
	ds, err := dicom.Parse(r, int64(len(data)), nil,
		dicom.SkipMetadataReadOnNewParserInit(),
		dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	return &ds, nil
}

// Clone returns a dataset whose element records are independent of the
// original. Element values are shared; mutation goes through element
// replacement (see the editor package contract), never in place.
func Clone(ds *dicom.Dataset) *dicom.Dataset {
	elements := make([]*dicom.Element, 0, len(ds.Elements))
	for _, el := range ds.Elements {
		copied := *el
		elements = append(elements, &copied)
	}
	return &dicom.Dataset{Elements: elements}
}

func syntaxEncoding(tsuid string) (binary.ByteOrder, bool) {
	switch tsuid {
	case types.ImplicitVRLittleEndian:
		return binary.LittleEndian, true
	case types.ExplicitVRBigEndian:
		return binary.BigEndian, false
	default:
		return binary.LittleEndian, false
	}
}

// EncodeDataset serializes a dataset in the given transfer syntax,
// without file meta. Group 0002 elements are dropped if present.
func EncodeDataset(ds *dicom.Dataset, tsuid string) ([]byte, error) {
	var buf bytes.Buffer
	w := dicom.NewWriter(&buf)
	bo, implicit := syntaxEncoding(tsuid)
	w.SetTransferSyntax(bo, implicit)

	for _, el := range ds.Elements {
		if el.Tag.Group == 0x0002 {
			continue
		}
		if err := w.WriteElement(el); err != nil {
			return nil, fmt.Errorf("failed to write element %s: %w", el.Tag, err)
		}
	}
	return buf.Bytes(), nil
}

// FindString returns the first string value of the element with tag t,
// or "" when absent.
func FindString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	if values, ok := el.Value.GetValue().([]string); ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// FindInt returns the first integer value of the element with tag t.
// Strings holding decimal integers (IS elements parsed as strings) are
// accepted too.
func FindInt(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return 0, false
	}
	switch values := el.Value.GetValue().(type) {
	case []int:
		if len(values) > 0 {
			return values[0], true
		}
	case []string:
		if len(values) > 0 {
			var v int
			if _, err := fmt.Sscanf(values[0], "%d", &v); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// ReplaceElement swaps in a new element for tag t, appending when the
// dataset has none. The previous element record is left untouched so
// clones sharing it are unaffected.
func ReplaceElement(ds *dicom.Dataset, el *dicom.Element) {
	for i, existing := range ds.Elements {
		if existing.Tag == el.Tag {
			ds.Elements[i] = el
			return
		}
	}
	ds.Elements = append(ds.Elements, el)
}

// SetString replaces the element with tag t by a fresh single-valued
// string element.
func SetString(ds *dicom.Dataset, t tag.Tag, value string) error {
	el, err := dicom.NewElement(t, []string{value})
	if err != nil {
		return fmt.Errorf("failed to build element %s: %w", t, err)
	}
	ReplaceElement(ds, el)
	return nil
}

// RemoveElement deletes the element with tag t if present.
func RemoveElement(ds *dicom.Dataset, t tag.Tag) {
	for i, existing := range ds.Elements {
		if existing.Tag == t {
			ds.Elements = append(ds.Elements[:i], ds.Elements[i+1:]...)
			return
		}
	}
}
