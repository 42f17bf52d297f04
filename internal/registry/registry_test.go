package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

type stubDestination struct{ name string }

func (s *stubDestination) Describe() string { return s.name }

func TestLookupIgnoresSourcePort(t *testing.T) {
	reg := New()
	dest := &stubDestination{name: "pacs1"}
	reg.Register(types.DicomNode{AETitle: "MODALITY", Hostname: "10.0.0.5"}, []Destination{dest})

	// The peer arrives from an ephemeral port
	got, err := reg.Lookup(types.DicomNode{AETitle: "MODALITY", Hostname: "10.0.0.5", Port: 49152})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, dest, got[0].(*stubDestination))
}

func TestLookupHostlessEntryMatchesAnyHost(t *testing.T) {
	reg := New()
	reg.Register(types.DicomNode{AETitle: "MODALITY"}, []Destination{&stubDestination{name: "pacs1"}})

	got, err := reg.Lookup(types.DicomNode{AETitle: "MODALITY", Hostname: "192.168.1.9", Port: 1234})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLookupMissReturnsNoDestination(t *testing.T) {
	reg := New()
	_, err := reg.Lookup(types.DicomNode{AETitle: "UNKNOWN"})
	require.Error(t, err)
	assert.Equal(t, types.ErrorNoDestination, types.KindOf(err))
}

func TestDestinationsForSplitsHostPort(t *testing.T) {
	reg := New()
	reg.Register(types.DicomNode{AETitle: "MODALITY", Hostname: "127.0.0.1"}, []Destination{&stubDestination{}})

	got, err := reg.DestinationsFor("MODALITY", "127.0.0.1:51234")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRegisterReplacesEntry(t *testing.T) {
	reg := New()
	source := types.DicomNode{AETitle: "MODALITY"}
	reg.Register(source, []Destination{&stubDestination{name: "a"}})
	reg.Register(source, []Destination{&stubDestination{name: "b"}, &stubDestination{name: "c"}})

	got, err := reg.Lookup(source)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
