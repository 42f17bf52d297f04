// Package pdu implements the DICOM Upper Layer protocol units (PS3.8):
// association negotiation, P-DATA-TF fragmentation, release and abort.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// DefaultMaxPDULength is proposed when the peer does not state one.
const DefaultMaxPDULength uint32 = 16384

// PDU represents a Protocol Data Unit.
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// ReadPDU reads one complete PDU from the stream.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	data := make([]byte, pduLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &PDU{Type: pduType, Length: pduLength, Data: data}, nil
}

// WritePDU writes a PDU header plus payload in a single write.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	buf := make([]byte, 0, 6+len(data))
	buf = append(buf, pduType, 0x00)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))
	buf = append(buf, length...)
	buf = append(buf, data...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write PDU type 0x%02x: %w", pduType, err)
	}
	return nil
}

// WriteReleaseRQ sends an A-RELEASE-RQ.
func WriteReleaseRQ(w io.Writer) error {
	return WritePDU(w, TypeReleaseRQ, make([]byte, 4))
}

// WriteReleaseRP sends an A-RELEASE-RP.
func WriteReleaseRP(w io.Writer) error {
	return WritePDU(w, TypeReleaseRP, make([]byte, 4))
}

// WriteAbort sends an A-ABORT with the given source and reason.
func WriteAbort(w io.Writer, source, reason byte) error {
	return WritePDU(w, TypeAbort, []byte{0x00, 0x00, source, reason})
}

// PDV is one Presentation Data Value extracted from a P-DATA-TF.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Value     []byte
}

// ParsePDataTF splits a P-DATA-TF payload into its PDV items.
func ParsePDataTF(data []byte) ([]PDV, error) {
	var items []PDV
	offset := 0
	for offset < len(data) {
		if offset+6 > len(data) {
			return nil, fmt.Errorf("malformed PDV at offset %d", offset)
		}
		pdvLength := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if pdvLength < 2 || end > len(data) {
			return nil, fmt.Errorf("PDV length %d exceeds PDU payload", pdvLength)
		}
		control := data[offset+5]
		items = append(items, PDV{
			ContextID: data[offset+4],
			Command:   control&0x01 != 0,
			Last:      control&0x02 != 0,
			Value:     data[offset+6 : end],
		})
		offset = end
	}
	return items, nil
}

// WritePDataTF sends data as one or more P-DATA-TF PDUs, fragmenting to
// the negotiated maximum PDU length.
func WritePDataTF(w io.Writer, contextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	// PDU header (6) + PDV length (4) + PDV header (2)
	maxChunk := int(maxPDULength) - 12
	if maxChunk <= 0 {
		maxChunk = int(DefaultMaxPDULength) - 12
	}

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxChunk {
			chunk = maxChunk
			last = false
		}

		control := byte(0)
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}

		pdv := make([]byte, 0, 6+chunk)
		pdvLength := make([]byte, 4)
		binary.BigEndian.PutUint32(pdvLength, uint32(chunk+2))
		pdv = append(pdv, pdvLength...)
		pdv = append(pdv, contextID, control)
		pdv = append(pdv, data[offset:offset+chunk]...)

		if err := WritePDU(w, TypePDataTF, pdv); err != nil {
			return err
		}

		offset += chunk
		if offset >= len(data) {
			return nil
		}
	}
}
