package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Presentation context negotiation results, PS3.8 9.3.3.2.
const (
	ResultAcceptance           byte = 0x00
	ResultUserRejection        byte = 0x01
	ResultNoReason             byte = 0x02
	ResultAbstractSyntaxReject byte = 0x03
	ResultTransferSyntaxReject byte = 0x04
)

// ProposedContext is one presentation context offered in an
// A-ASSOCIATE-RQ. Context IDs are odd and assigned in proposal order.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AcceptedContext is the peer's answer for one proposed context.
type AcceptedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Accepted reports whether the context was accepted by the peer.
func (c *AcceptedContext) Accepted() bool { return c.Result == ResultAcceptance }

// CommonExtendedItem is a common extended negotiation sub-item (0x57)
// used for SOP class relationship negotiation.
type CommonExtendedItem struct {
	SOPClassUID        string
	ServiceClassUID    string
	RelatedSOPClassUID []string
}

// AssociateRQ is an association request under construction or parsed
// off the wire.
type AssociateRQ struct {
	CalledAET      string
	CallingAET     string
	MaxPDULength   uint32
	Contexts       []*ProposedContext
	CommonExtended []CommonExtendedItem

	ImplementationClassUID    string
	ImplementationVersionName string
}

const (
	implementationClassUID    = "1.2.826.0.1.3680043.10.1145.1"
	implementationVersionName = "DICOMRELAY-1.0"
)

// FindContext returns the proposed context for (abstractSyntax,
// transferSyntax), or nil.
func (rq *AssociateRQ) FindContext(abstractSyntax, transferSyntax string) *ProposedContext {
	for _, pc := range rq.Contexts {
		if pc.AbstractSyntax != abstractSyntax {
			continue
		}
		for _, ts := range pc.TransferSyntaxes {
			if ts == transferSyntax {
				return pc
			}
		}
	}
	return nil
}

// AddContext appends a proposal for (abstractSyntax, transferSyntax) if
// not already present, assigning the next odd context ID. It returns
// true when a new context was added.
func (rq *AssociateRQ) AddContext(abstractSyntax, transferSyntax string) bool {
	if rq.FindContext(abstractSyntax, transferSyntax) != nil {
		return false
	}
	rq.Contexts = append(rq.Contexts, &ProposedContext{
		ID:               byte(2*len(rq.Contexts) + 1),
		AbstractSyntax:   abstractSyntax,
		TransferSyntaxes: []string{transferSyntax},
	})
	return true
}

// AddCommonExtended records a common extended negotiation item for the
// SOP class if none exists yet.
func (rq *AssociateRQ) AddCommonExtended(item CommonExtendedItem) {
	for _, existing := range rq.CommonExtended {
		if existing.SOPClassUID == item.SOPClassUID {
			return
		}
	}
	rq.CommonExtended = append(rq.CommonExtended, item)
}

func paddedAET(aet string) []byte {
	out := make([]byte, 16)
	copy(out, aet)
	for i := len(aet); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

func appendSubItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

// Encode serializes the request as an A-ASSOCIATE-RQ payload (without
// the PDU header).
func (rq *AssociateRQ) Encode() []byte {
	buf := make([]byte, 0, 1024)

	// Protocol version, reserved, AE titles, 32 reserved bytes
	buf = append(buf, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, paddedAET(rq.CalledAET)...)
	buf = append(buf, paddedAET(rq.CallingAET)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendSubItem(buf, 0x10, []byte(applicationContextUID))

	for _, pc := range rq.Contexts {
		var item []byte
		item = append(item, pc.ID, 0x00, 0x00, 0x00)
		item = appendSubItem(item, 0x30, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			item = appendSubItem(item, 0x40, []byte(ts))
		}
		buf = appendSubItem(buf, 0x20, item)
	}

	buf = append(buf, rq.encodeUserInformation()...)
	return buf
}

const applicationContextUID = "1.2.840.10008.3.1.1.1"

func (rq *AssociateRQ) encodeUserInformation() []byte {
	maxPDU := rq.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	classUID := rq.ImplementationClassUID
	if classUID == "" {
		classUID = implementationClassUID
	}
	versionName := rq.ImplementationVersionName
	if versionName == "" {
		versionName = implementationVersionName
	}

	var items []byte
	maxValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxValue, maxPDU)
	items = appendSubItem(items, 0x51, maxValue)
	items = appendSubItem(items, 0x52, []byte(classUID))
	items = appendSubItem(items, 0x55, []byte(versionName))

	for _, ce := range rq.CommonExtended {
		var sub []byte
		sopLen := make([]byte, 2)
		binary.BigEndian.PutUint16(sopLen, uint16(len(ce.SOPClassUID)))
		sub = append(sub, sopLen...)
		sub = append(sub, []byte(ce.SOPClassUID)...)
		svcLen := make([]byte, 2)
		binary.BigEndian.PutUint16(svcLen, uint16(len(ce.ServiceClassUID)))
		sub = append(sub, svcLen...)
		sub = append(sub, []byte(ce.ServiceClassUID)...)
		var related []byte
		for _, uid := range ce.RelatedSOPClassUID {
			relLen := make([]byte, 2)
			binary.BigEndian.PutUint16(relLen, uint16(len(uid)))
			related = append(related, relLen...)
			related = append(related, []byte(uid)...)
		}
		relTotal := make([]byte, 2)
		binary.BigEndian.PutUint16(relTotal, uint16(len(related)))
		sub = append(sub, relTotal...)
		sub = append(sub, related...)
		items = appendSubItem(items, 0x57, sub)
	}

	var buf []byte
	return appendSubItem(buf, 0x50, items)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func trimAET(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// ParseAssociateRQ decodes an A-ASSOCIATE-RQ payload.
func ParseAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("association request too short: %d bytes", len(data))
	}

	rq := &AssociateRQ{
		CalledAET:    trimAET(data[4:20]),
		CallingAET:   trimAET(data[20:36]),
		MaxPDULength: DefaultMaxPDULength,
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("association item 0x%02x exceeds PDU length", itemType)
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x20:
			pc, err := parseProposedContext(itemData)
			if err != nil {
				return nil, err
			}
			rq.Contexts = append(rq.Contexts, pc)
		case 0x50:
			if maxPDU := parseMaxPDULength(itemData); maxPDU > 0 {
				rq.MaxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}

	return rq, nil
}

func parseProposedContext(data []byte) (*ProposedContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}
	pc := &ProposedContext{ID: data[0]}

	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", pc.ID)
		}
		value := data[valueStart:valueEnd]

		switch subType {
		case 0x30:
			pc.AbstractSyntax = normalizeUID(value)
		case 0x40:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(value))
		}
		offset = valueEnd
	}

	if pc.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", pc.ID)
	}
	return pc, nil
}

func parseMaxPDULength(data []byte) uint32 {
	offset := 0
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return 0
		}
		if subType == 0x51 && subLength == 4 {
			return binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return 0
}

// AssociateAC is a parsed or constructed A-ASSOCIATE-AC.
type AssociateAC struct {
	CalledAET    string
	CallingAET   string
	MaxPDULength uint32
	Contexts     map[byte]*AcceptedContext
}

// EncodeAssociateAC serializes an A-ASSOCIATE-AC payload (without the
// PDU header). Only accepted contexts carry a transfer syntax sub-item.
func EncodeAssociateAC(ac *AssociateAC) []byte {
	buf := make([]byte, 0, 1024)

	buf = append(buf, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, paddedAET(ac.CalledAET)...)
	buf = append(buf, paddedAET(ac.CallingAET)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendSubItem(buf, 0x10, []byte(applicationContextUID))

	// Stable on-the-wire order
	ids := make([]byte, 0, len(ac.Contexts))
	for id := range ac.Contexts {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] > ids[j] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	for _, id := range ids {
		ctx := ac.Contexts[id]
		var item []byte
		item = append(item, ctx.ID, 0x00, ctx.Result, 0x00)
		if ctx.Result == ResultAcceptance {
			item = appendSubItem(item, 0x40, []byte(ctx.TransferSyntax))
		}
		buf = appendSubItem(buf, 0x21, item)
	}

	maxPDU := ac.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	maxValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxValue, maxPDU)
	var userInfo []byte
	userInfo = appendSubItem(userInfo, 0x51, maxValue)
	userInfo = appendSubItem(userInfo, 0x52, []byte(implementationClassUID))
	userInfo = appendSubItem(userInfo, 0x55, []byte(implementationVersionName))
	buf = appendSubItem(buf, 0x50, userInfo)

	return buf
}

// ParseAssociateAC decodes an A-ASSOCIATE-AC payload against the
// contexts of the request that elicited it.
func ParseAssociateAC(data []byte, rq *AssociateRQ) (*AssociateAC, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("association accept too short: %d bytes", len(data))
	}

	abstractByID := make(map[byte]string, len(rq.Contexts))
	for _, pc := range rq.Contexts {
		abstractByID[pc.ID] = pc.AbstractSyntax
	}

	ac := &AssociateAC{
		CalledAET:    trimAET(data[4:20]),
		CallingAET:   trimAET(data[20:36]),
		MaxPDULength: DefaultMaxPDULength,
		Contexts:     make(map[byte]*AcceptedContext),
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("association item 0x%02x exceeds PDU length", itemType)
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x21:
			if len(itemData) < 4 {
				return nil, fmt.Errorf("accept context item too short")
			}
			ctx := &AcceptedContext{
				ID:             itemData[0],
				Result:         itemData[2],
				AbstractSyntax: abstractByID[itemData[0]],
			}
			subOffset := 4
			for subOffset+4 <= len(itemData) {
				subType := itemData[subOffset]
				subLength := binary.BigEndian.Uint16(itemData[subOffset+2 : subOffset+4])
				subEnd := subOffset + 4 + int(subLength)
				if subEnd > len(itemData) {
					break
				}
				if subType == 0x40 && subLength > 0 {
					ctx.TransferSyntax = normalizeUID(itemData[subOffset+4 : subEnd])
				}
				subOffset = subEnd
			}
			ac.Contexts[ctx.ID] = ctx
		case 0x50:
			if maxPDU := parseMaxPDULength(itemData); maxPDU > 0 {
				ac.MaxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}

	return ac, nil
}

// EncodeAssociateRJ serializes an A-ASSOCIATE-RJ payload.
func EncodeAssociateRJ(result, source, reason byte) []byte {
	return []byte{0x00, result, source, reason}
}
