package editor

import (
	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/internal/dcm"
)

// uidTags is the set of UID-valued attributes the pseudonymizer
// rewrites.
var uidTags = map[tag.Tag]struct{}{
	{Group: 0x0020, Element: 0x000D}: {}, // StudyInstanceUID
	{Group: 0x0020, Element: 0x000E}: {}, // SeriesInstanceUID
	{Group: 0x0008, Element: 0x0018}: {}, // SOPInstanceUID
	{Group: 0x0000, Element: 0x1000}: {}, // AffectedSOPInstanceUID
	{Group: 0x0008, Element: 0x0058}: {}, // FailedSOPInstanceUIDList
	{Group: 0x0002, Element: 0x0003}: {}, // MediaStorageSOPInstanceUID
	{Group: 0x0008, Element: 0x1155}: {}, // ReferencedSOPInstanceUID
	{Group: 0x0004, Element: 0x1511}: {}, // ReferencedSOPInstanceUIDInFile
	{Group: 0x0000, Element: 0x1001}: {}, // RequestedSOPInstanceUID
	{Group: 0x0008, Element: 0x3002}: {}, // MultiFrameSourceSOPInstanceUID
}

// DefaultEditor is the configurable stock editor: optional
// pseudonymizing UID regeneration followed by tag overrides. UID
// regeneration runs first so an override can pin a fixed UID for an
// explicit tag.
type DefaultEditor struct {
	GenerateUIDs bool
	Overrides    *dicom.Dataset
	Hasher       *UIDHasher
}

// Apply implements Editor.
func (e *DefaultEditor) Apply(ds *dicom.Dataset, ctx *Context) {
	if e.GenerateUIDs {
		if e.Hasher == nil {
			logrus.Warn("generateUIDs set without a session hasher, skipping UID regeneration")
		} else {
			rehashUIDs(ds.Elements, e.Hasher)
		}
	}

	if e.Overrides != nil {
		for _, el := range e.Overrides.Elements {
			dcm.ReplaceElement(ds, el)
		}
	}
}

// rehashUIDs rewrites every UI attribute in the supported tag set,
// descending into sequence items. Changed elements and sequences are
// replaced by copies, so clones sharing element or item storage stay
// untouched.
func rehashUIDs(elements []*dicom.Element, hasher *UIDHasher) {
	for i, el := range elements {
		if el.Value == nil {
			continue
		}
		if items, ok := el.Value.GetValue().([]*dicom.SequenceItemValue); ok {
			rebuilt := make([][]*dicom.Element, 0, len(items))
			for _, item := range items {
				nested, _ := item.GetValue().([]*dicom.Element)
				own := append([]*dicom.Element(nil), nested...)
				rehashUIDs(own, hasher)
				rebuilt = append(rebuilt, own)
			}
			if value, err := dicom.NewValue(rebuilt); err == nil {
				copied := *el
				copied.Value = value
				elements[i] = &copied
			}
			continue
		}
		if el.RawValueRepresentation != "UI" {
			continue
		}
		if _, ok := uidTags[el.Tag]; !ok {
			continue
		}
		values, ok := el.Value.GetValue().([]string)
		if !ok || len(values) == 0 {
			continue
		}
		hashed := make([]string, len(values))
		for i, v := range values {
			hashed[i] = hasher.Hash(v)
		}
		replacement, err := dicom.NewElement(el.Tag, hashed)
		if err != nil {
			logrus.Warnf("Failed to rebuild UID element %s: %v", el.Tag, err)
			continue
		}
		copied := *el
		copied.Value = replacement.Value
		elements[i] = &copied
	}
}
