package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/dicomrelay/internal/config"
	"github.com/flatmapit/dicomrelay/internal/editor"
	"github.com/flatmapit/dicomrelay/internal/forward"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		AETitle: "RELAY",
		ForwardRules: []config.ForwardRule{
			{
				Source: config.NodeConfig{AET: "MODALITY", Host: "10.0.0.5"},
				Destinations: []config.DestinationConfig{
					{
						Type: "dicom",
						AET:  "PACS1",
						Host: "pacs.local",
						Port: 11112,
					},
					{
						Type:           "stow",
						URL:            "https://dicomweb.example.org",
						TimeoutSeconds: 10,
						GenerateUIDs:   true,
						Overrides:      map[string]string{"00100020": "ANON"},
					},
				},
			},
		},
	}
}

func TestBuildRegistry(t *testing.T) {
	hasher := editor.NewUIDHasher([]byte("key"))
	reg, all, err := BuildRegistry(testConfig(), hasher)
	require.NoError(t, err)
	require.Len(t, all, 2)

	destinations, err := reg.Lookup(types.DicomNode{AETitle: "MODALITY", Hostname: "10.0.0.5", Port: 50123})
	require.NoError(t, err)
	require.Len(t, destinations, 2)

	dicomDest, ok := destinations[0].(*forward.DicomDestination)
	require.True(t, ok)
	assert.Equal(t, "PACS1", dicomDest.Called.AETitle)
	assert.Equal(t, "RELAY", dicomDest.Calling.AETitle)
	assert.Empty(t, dicomDest.Editors())

	webDest, ok := destinations[1].(*forward.WebDestination)
	require.True(t, ok)
	assert.Len(t, webDest.Editors(), 1)
}

func TestBuildRegistryRejectsBadOverrideTag(t *testing.T) {
	cfg := testConfig()
	cfg.ForwardRules[0].Destinations[1].Overrides = map[string]string{"PatientID": "ANON"}
	_, _, err := BuildRegistry(cfg, editor.NewUIDHasher([]byte("key")))
	assert.Error(t, err)
}

func TestOverridesDataset(t *testing.T) {
	ds, err := overridesDataset(map[string]string{"00100020": "ANON"})
	require.NoError(t, err)
	require.NotNil(t, ds)
	require.Len(t, ds.Elements, 1)
	assert.Equal(t, uint16(0x0010), ds.Elements[0].Tag.Group)
	assert.Equal(t, uint16(0x0020), ds.Elements[0].Tag.Element)
}

func TestMaskRect(t *testing.T) {
	r := maskRect(&config.MaskConfig{X: 10, Y: 20, Width: 30, Height: 40})
	require.NotNil(t, r)
	assert.Equal(t, 10, r.Min.X)
	assert.Equal(t, 60, r.Max.Y)
	assert.Nil(t, maskRect(nil))
}

func TestConnectOptionsMapping(t *testing.T) {
	opts := ConnectOptionsFromConfig(config.ConnectConfig{ConnectTimeout: 1500, ReleaseTimeout: 0})
	assert.Equal(t, 1500, opts.ConnectTimeout)
	assert.Equal(t, 0, opts.ReleaseTimeout)
	assert.Zero(t, opts.ReleaseTimeoutDuration())
}
