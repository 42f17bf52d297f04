package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWritePDU(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePDU(&buf, TypeReleaseRQ, make([]byte, 4)))

	p, err := ReadPDU(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeReleaseRQ), p.Type)
	assert.Equal(t, uint32(4), p.Length)
}

func TestPDataTFFragmentation(t *testing.T) {
	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i)
	}

	var buf bytes.Buffer
	require.NoError(t, WritePDataTF(&buf, 3, 16384, payload, false))

	var got []byte
	sawLast := false
	for buf.Len() > 0 {
		p, err := ReadPDU(&buf)
		require.NoError(t, err)
		require.Equal(t, byte(TypePDataTF), p.Type)
		assert.LessOrEqual(t, len(p.Data)+6, 16384)

		items, err := ParsePDataTF(p.Data)
		require.NoError(t, err)
		for _, item := range items {
			assert.Equal(t, byte(3), item.ContextID)
			assert.False(t, item.Command)
			got = append(got, item.Value...)
			if item.Last {
				sawLast = true
			}
		}
	}
	assert.True(t, sawLast)
	assert.Equal(t, payload, got)
}

func TestPDataTFCommandFlag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePDataTF(&buf, 1, 0, []byte{0xAA}, true))

	p, err := ReadPDU(&buf)
	require.NoError(t, err)
	items, err := ParsePDataTF(p.Data)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Command)
	assert.True(t, items[0].Last)
}

func TestAddContextAssignsOddIDs(t *testing.T) {
	rq := &AssociateRQ{CallingAET: "RELAY", CalledAET: "PACS1"}
	assert.True(t, rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2.1"))
	assert.True(t, rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2"))
	assert.True(t, rq.AddContext("1.2.840.10008.5.1.4.1.1.4", "1.2.840.10008.1.2.1"))

	// Idempotent on repeats
	assert.False(t, rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2.1"))

	require.Len(t, rq.Contexts, 3)
	assert.Equal(t, byte(1), rq.Contexts[0].ID)
	assert.Equal(t, byte(3), rq.Contexts[1].ID)
	assert.Equal(t, byte(5), rq.Contexts[2].ID)
}

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &AssociateRQ{
		CallingAET:   "RELAY",
		CalledAET:    "PACS1",
		MaxPDULength: 32768,
	}
	rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2.1")
	rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2")

	parsed, err := ParseAssociateRQ(rq.Encode())
	require.NoError(t, err)
	assert.Equal(t, "RELAY", parsed.CallingAET)
	assert.Equal(t, "PACS1", parsed.CalledAET)
	assert.Equal(t, uint32(32768), parsed.MaxPDULength)
	require.Len(t, parsed.Contexts, 2)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", parsed.Contexts[0].AbstractSyntax)
	assert.Equal(t, []string{"1.2.840.10008.1.2.1"}, parsed.Contexts[0].TransferSyntaxes)
	assert.Equal(t, byte(3), parsed.Contexts[1].ID)
}

func TestAssociateACRoundTrip(t *testing.T) {
	rq := &AssociateRQ{CallingAET: "RELAY", CalledAET: "PACS1"}
	rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2.1")
	rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2")

	ac := &AssociateAC{
		CalledAET:    "PACS1",
		CallingAET:   "RELAY",
		MaxPDULength: 16384,
		Contexts: map[byte]*AcceptedContext{
			1: {ID: 1, Result: ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2.1"},
			3: {ID: 3, Result: ResultTransferSyntaxReject},
		},
	}

	parsed, err := ParseAssociateAC(EncodeAssociateAC(ac), rq)
	require.NoError(t, err)
	require.Contains(t, parsed.Contexts, byte(1))
	got := parsed.Contexts[1]
	assert.True(t, got.Accepted())
	assert.Equal(t, "1.2.840.10008.1.2.1", got.TransferSyntax)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", got.AbstractSyntax)

	require.Contains(t, parsed.Contexts, byte(3))
	assert.False(t, parsed.Contexts[3].Accepted())
}

func TestCommonExtendedEmitted(t *testing.T) {
	rq := &AssociateRQ{CallingAET: "RELAY", CalledAET: "PACS1"}
	rq.AddContext("1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.1.2.1")
	rq.AddCommonExtended(CommonExtendedItem{
		SOPClassUID:     "1.2.840.10008.5.1.4.1.1.2",
		ServiceClassUID: "1.2.840.10008.4.2",
	})
	rq.AddCommonExtended(CommonExtendedItem{
		SOPClassUID:     "1.2.840.10008.5.1.4.1.1.2",
		ServiceClassUID: "1.2.840.10008.4.2",
	})
	assert.Len(t, rq.CommonExtended, 1)

	encoded := rq.Encode()
	assert.True(t, bytes.Contains(encoded, []byte("1.2.840.10008.4.2")))
}
