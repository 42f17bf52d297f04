// Package dimse implements the DIMSE command set codec (PS3.7). Command
// sets are always encoded Implicit VR Little Endian regardless of the
// negotiated transfer syntax of the data set.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

// Command field values
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
	CCancelRQ uint16 = 0x0FFF
)

// CommandDataSetType values
const (
	DataSetPresent uint16 = 0x0000
	DataSetNull    uint16 = 0x0101
)

// C-STORE priorities
const (
	PriorityLow    uint16 = 0x0002
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
)

// Message is a decoded DIMSE command set.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	CommandDataSetType        uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Status                    types.StatusCode
	ErrorComment              string
}

// HasData reports whether a data set follows the command set.
func (m *Message) HasData() bool {
	return m.CommandDataSetType != DataSetNull
}

func (m *Message) String() string {
	return fmt.Sprintf("dimse{cmd=0x%04x id=%d cuid=%s iuid=%s status=%s}",
		m.CommandField, m.MessageID, m.AffectedSOPClassUID, m.AffectedSOPInstanceUID, m.Status)
}

func appendElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

func appendUIDElement(buf []byte, group, element uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return appendElement(buf, group, element, value)
}

func appendUint16Element(buf []byte, group, element, v uint16) []byte {
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, v)
	return appendElement(buf, group, element, value)
}

// Encode serializes the command set, prefixing the group length element.
func (m *Message) Encode() []byte {
	var elements []byte

	if m.AffectedSOPClassUID != "" {
		elements = appendUIDElement(elements, 0x0000, 0x0002, m.AffectedSOPClassUID)
	}
	elements = appendUint16Element(elements, 0x0000, 0x0100, m.CommandField)
	if m.MessageID > 0 || m.MessageIDBeingRespondedTo == 0 {
		elements = appendUint16Element(elements, 0x0000, 0x0110, m.MessageID)
	}
	if m.MessageIDBeingRespondedTo > 0 {
		elements = appendUint16Element(elements, 0x0000, 0x0120, m.MessageIDBeingRespondedTo)
	}
	if m.CommandField == CStoreRQ {
		elements = appendUint16Element(elements, 0x0000, 0x0700, m.Priority)
	}
	elements = appendUint16Element(elements, 0x0000, 0x0800, m.CommandDataSetType)
	if m.CommandField&0x8000 != 0 {
		elements = appendUint16Element(elements, 0x0000, 0x0900, uint16(m.Status))
	}
	if m.ErrorComment != "" {
		comment := []byte(m.ErrorComment)
		if len(comment)%2 == 1 {
			comment = append(comment, ' ')
		}
		elements = appendElement(elements, 0x0000, 0x0902, comment)
	}
	if m.AffectedSOPInstanceUID != "" {
		elements = appendUIDElement(elements, 0x0000, 0x1000, m.AffectedSOPInstanceUID)
	}

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(elements)))

	buf := make([]byte, 0, 12+len(elements))
	buf = appendElement(buf, 0x0000, 0x0000, groupLength)
	return append(buf, elements...)
}

// Decode parses a command set from its Implicit VR LE wire form.
func Decode(data []byte) (*Message, error) {
	m := &Message{CommandDataSetType: DataSetNull}
	offset := 0

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if offset+8+int(length) > len(data) {
			return nil, fmt.Errorf("command element (%04x,%04x) length %d exceeds buffer", group, element, length)
		}
		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				m.AffectedSOPClassUID = strings.TrimRight(string(value), "\x00 ")
			case 0x0100:
				if len(value) >= 2 {
					m.CommandField = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0110:
				if len(value) >= 2 {
					m.MessageID = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0120:
				if len(value) >= 2 {
					m.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0700:
				if len(value) >= 2 {
					m.Priority = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0800:
				if len(value) >= 2 {
					m.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0900:
				if len(value) >= 2 {
					m.Status = types.StatusCode(binary.LittleEndian.Uint16(value[:2]))
				}
			case 0x0902:
				m.ErrorComment = strings.TrimRight(string(value), "\x00 ")
			case 0x1000:
				m.AffectedSOPInstanceUID = strings.TrimRight(string(value), "\x00 ")
			}
		}

		offset += 8 + int(length)
	}

	if m.CommandField == 0 {
		return nil, fmt.Errorf("command set missing command field")
	}
	return m, nil
}

// NewCStoreRQ builds a C-STORE request command set.
func NewCStoreRQ(messageID uint16, cuid, iuid string, priority uint16) *Message {
	return &Message{
		CommandField:           CStoreRQ,
		MessageID:              messageID,
		Priority:               priority,
		CommandDataSetType:     DataSetPresent,
		AffectedSOPClassUID:    cuid,
		AffectedSOPInstanceUID: iuid,
	}
}

// NewCStoreRSP builds the response to a C-STORE request.
func NewCStoreRSP(rq *Message, status types.StatusCode) *Message {
	return &Message{
		CommandField:              CStoreRSP,
		MessageIDBeingRespondedTo: rq.MessageID,
		CommandDataSetType:        DataSetNull,
		AffectedSOPClassUID:       rq.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    rq.AffectedSOPInstanceUID,
		Status:                    status,
	}
}

// NewCEchoRSP builds the response to a C-ECHO request.
func NewCEchoRSP(rq *Message) *Message {
	return &Message{
		CommandField:              CEchoRSP,
		MessageIDBeingRespondedTo: rq.MessageID,
		CommandDataSetType:        DataSetNull,
		AffectedSOPClassUID:       rq.AffectedSOPClassUID,
		Status:                    types.StatusSuccess,
	}
}
