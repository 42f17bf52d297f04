package dcm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	relayImplementationClassUID = "1.2.826.0.1.3680043.10.1145.1"
	relayImplementationVersion  = "DICOMRELAY_10"
)

// File meta is always Explicit VR Little Endian (PS3.10 7.1), whatever
// the data set syntax is.
func appendExplicitShort(buf []byte, t tag.Tag, vr string, value []byte) []byte {
	buf = append(buf, byte(t.Group), byte(t.Group>>8))
	buf = append(buf, byte(t.Element), byte(t.Element>>8))
	buf = append(buf, vr[0], vr[1])
	length := make([]byte, 2)
	binary.LittleEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func appendExplicitOB(buf []byte, t tag.Tag, value []byte) []byte {
	buf = append(buf, byte(t.Group), byte(t.Group>>8))
	buf = append(buf, byte(t.Element), byte(t.Element>>8))
	buf = append(buf, 'O', 'B', 0x00, 0x00)
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func paddedUID(uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return value
}

func paddedString(s string) []byte {
	value := []byte(s)
	if len(value)%2 == 1 {
		value = append(value, ' ')
	}
	return value
}

// EncodeFileMeta builds the group 0002 header for an instance stored in
// the given transfer syntax.
func EncodeFileMeta(cuid, iuid, tsuid string) []byte {
	var meta []byte
	meta = appendExplicitOB(meta, tag.Tag{Group: 0x0002, Element: 0x0001}, []byte{0x00, 0x01})
	meta = appendExplicitShort(meta, tag.MediaStorageSOPClassUID, "UI", paddedUID(cuid))
	meta = appendExplicitShort(meta, tag.MediaStorageSOPInstanceUID, "UI", paddedUID(iuid))
	meta = appendExplicitShort(meta, tag.TransferSyntaxUID, "UI", paddedUID(tsuid))
	meta = appendExplicitShort(meta, tag.Tag{Group: 0x0002, Element: 0x0012}, "UI", paddedUID(relayImplementationClassUID))
	meta = appendExplicitShort(meta, tag.Tag{Group: 0x0002, Element: 0x0013}, "SH", paddedString(relayImplementationVersion))

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(meta)))

	var buf []byte
	buf = appendExplicitShort(buf, tag.Tag{Group: 0x0002, Element: 0x0000}, "UL", groupLength)
	return append(buf, meta...)
}

// EncodeFile assembles a complete part-10 file: preamble, DICM magic,
// file meta and the dataset encoded in tsuid.
func EncodeFile(ds *dicom.Dataset, cuid, iuid, tsuid string) ([]byte, error) {
	dataset, err := EncodeDataset(ds, tsuid)
	if err != nil {
		return nil, err
	}
	return AssembleFile(dataset, cuid, iuid, tsuid), nil
}

// AssembleFile wraps already-encoded dataset bytes into a part-10 file.
func AssembleFile(dataset []byte, cuid, iuid, tsuid string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	buf.Write(EncodeFileMeta(cuid, iuid, tsuid))
	buf.Write(dataset)
	return buf.Bytes()
}

// FileMeta is the subset of the group 0002 header the relay needs.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	// DatasetOffset is where the data set starts in the file.
	DatasetOffset int
}

// ParseFileMeta reads the group 0002 header of a part-10 file.
func ParseFileMeta(data []byte) (*FileMeta, error) {
	if len(data) < 132 || string(data[128:132]) != "DICM" {
		return nil, fmt.Errorf("not a part-10 DICOM file")
	}
	meta := &FileMeta{}
	offset := 132
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		vr := string(data[offset+4 : offset+6])
		var length int
		var valueStart int
		switch vr {
		case "OB", "OW", "SQ", "UN", "UT":
			if offset+12 > len(data) {
				return nil, fmt.Errorf("truncated file meta element")
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
			valueStart = offset + 12
		default:
			length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueStart = offset + 8
		}
		valueEnd := valueStart + length
		if valueEnd > len(data) {
			return nil, fmt.Errorf("file meta element (%04x,%04x) exceeds file", group, element)
		}
		value := string(bytes.TrimRight(data[valueStart:valueEnd], "\x00 "))
		switch element {
		case 0x0002:
			meta.MediaStorageSOPClassUID = value
		case 0x0003:
			meta.MediaStorageSOPInstanceUID = value
		case 0x0010:
			meta.TransferSyntaxUID = value
		}
		offset = valueEnd
	}
	if meta.TransferSyntaxUID == "" {
		return nil, fmt.Errorf("file meta has no transfer syntax")
	}
	meta.DatasetOffset = offset
	return meta, nil
}

// ParseFile parses a complete part-10 file.
func ParseFile(data []byte) (*dicom.Dataset, error) {
	r := bytes.NewReader(data)
	ds, err := dicom.Parse(r, int64(len(data)), nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("failed to parse DICOM file: %w", err)
	}
	return &ds, nil
}
