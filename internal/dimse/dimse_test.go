package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/dicomrelay/internal/pdu"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

func TestCStoreRQRoundTrip(t *testing.T) {
	rq := NewCStoreRQ(7, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4.5", PriorityMedium)

	decoded, err := Decode(rq.Encode())
	require.NoError(t, err)
	assert.Equal(t, CStoreRQ, decoded.CommandField)
	assert.Equal(t, uint16(7), decoded.MessageID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", decoded.AffectedSOPClassUID)
	assert.Equal(t, "1.2.3.4.5", decoded.AffectedSOPInstanceUID)
	assert.True(t, decoded.HasData())
}

func TestCStoreRSPRoundTrip(t *testing.T) {
	rq := NewCStoreRQ(9, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4.5", PriorityMedium)
	rsp := NewCStoreRSP(rq, types.StatusElementsDiscarded)

	decoded, err := Decode(rsp.Encode())
	require.NoError(t, err)
	assert.Equal(t, CStoreRSP, decoded.CommandField)
	assert.Equal(t, uint16(9), decoded.MessageIDBeingRespondedTo)
	assert.Equal(t, types.StatusElementsDiscarded, decoded.Status)
	assert.False(t, decoded.HasData())
}

func TestDecodeRejectsEmptyCommand(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}

func TestAssemblerFragmentedCommandAndData(t *testing.T) {
	command := NewCStoreRQ(1, "1.2.840.10008.5.1.4.1.1.2", "1.2.3", PriorityMedium).Encode()
	dataset := []byte{0x08, 0x00, 0x18, 0x00, 0x02, 0x00, 0x00, 0x00, '1', '2'}

	var a Assembler

	// Command split across two PDVs
	_, msg, _, err := a.Add([]pdu.PDV{{ContextID: 5, Command: true, Value: command[:10]}})
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, msg, _, err = a.Add([]pdu.PDV{{ContextID: 5, Command: true, Last: true, Value: command[10:]}})
	require.NoError(t, err)
	assert.Nil(t, msg, "C-STORE with data should wait for the data set")

	ctxID, msg, data, err := a.Add([]pdu.PDV{{ContextID: 5, Last: true, Value: dataset}})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, byte(5), ctxID)
	assert.Equal(t, CStoreRQ, msg.CommandField)
	assert.Equal(t, dataset, data)

	// Assembler resets for the next message
	_, msg, _, err = a.Add([]pdu.PDV{{ContextID: 7, Command: true, Last: true, Value: NewCEchoRSP(&Message{MessageID: 2}).Encode()}})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, CEchoRSP, msg.CommandField)
}

func TestAddCommandDoesNotWaitForData(t *testing.T) {
	command := NewCStoreRQ(3, "1.2.840.10008.5.1.4.1.1.2", "1.2.3", PriorityMedium).Encode()

	var a Assembler
	ctxID, msg, err := a.AddCommand([]pdu.PDV{{ContextID: 9, Command: true, Last: true, Value: command}})
	require.NoError(t, err)
	require.NotNil(t, msg, "a C-STORE command must complete without its data set")
	assert.Equal(t, byte(9), ctxID)
	assert.True(t, msg.HasData())
}

func TestAddCommandRejectsDataPDV(t *testing.T) {
	var a Assembler
	_, _, err := a.AddCommand([]pdu.PDV{{ContextID: 1, Value: []byte{0x00}}})
	assert.Error(t, err)
}

func TestAssemblerRejectsMixedContexts(t *testing.T) {
	var a Assembler
	_, _, _, err := a.Add([]pdu.PDV{
		{ContextID: 1, Command: true, Value: []byte{0x00}},
		{ContextID: 3, Command: true, Last: true, Value: []byte{0x00}},
	})
	assert.Error(t, err)
}
