// Package cli provides the dicomrelay commands and the wiring from
// configuration to the runtime components.
package cli

import (
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/internal/archive"
	"github.com/flatmapit/dicomrelay/internal/config"
	"github.com/flatmapit/dicomrelay/internal/editor"
	"github.com/flatmapit/dicomrelay/internal/forward"
	"github.com/flatmapit/dicomrelay/internal/registry"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// NodeFromConfig converts a config node to its runtime identity.
func NodeFromConfig(nc config.NodeConfig) types.DicomNode {
	return types.DicomNode{
		AETitle:          nc.AET,
		Hostname:         nc.Host,
		Port:             nc.Port,
		ValidateHostname: nc.ValidateHostname,
	}
}

// ConnectOptionsFromConfig maps the timeout knobs.
func ConnectOptionsFromConfig(cc config.ConnectConfig) types.ConnectOptions {
	return types.ConnectOptions{
		MaxOpsInvoked:   cc.MaxOpsInvoked,
		MaxOpsPerformed: cc.MaxOpsPerformed,
		MaxPduLenRcv:    cc.MaxPduLenRcv,
		MaxPduLenSnd:    cc.MaxPduLenSnd,
		PackPDV:         cc.PackPDV,
		Backlog:         cc.Backlog,
		TCPNoDelay:      cc.TCPNoDelay,
		SndBuf:          cc.SndBuf,
		RcvBuf:          cc.RcvBuf,
		CloseDelay:      cc.CloseDelay,
		ConnectTimeout:  cc.ConnectTimeout,
		RequestTimeout:  cc.RequestTimeout,
		AcceptTimeout:   cc.AcceptTimeout,
		ReleaseTimeout:  cc.ReleaseTimeout,
		ResponseTimeout: cc.ResponseTimeout,
		RetrieveTimeout: cc.RetrieveTimeout,
		IdleTimeout:     cc.IdleTimeout,
	}
}

// overridesDataset turns the {ggggeeee: value} override map into a
// dataset applied with overwrite semantics.
func overridesDataset(overrides map[string]string) (*dicom.Dataset, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	ds := &dicom.Dataset{}
	for key, value := range overrides {
		if len(key) != 8 {
			return nil, fmt.Errorf("override tag %q is not a ggggeeee hex tag", key)
		}
		group, err := strconv.ParseUint(key[:4], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("override tag %q: %w", key, err)
		}
		element, err := strconv.ParseUint(key[4:], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("override tag %q: %w", key, err)
		}
		el, err := dicom.NewElement(tag.Tag{Group: uint16(group), Element: uint16(element)}, []string{value})
		if err != nil {
			return nil, fmt.Errorf("override tag %q: %w", key, err)
		}
		ds.Elements = append(ds.Elements, el)
	}
	return ds, nil
}

func buildEditors(dc config.DestinationConfig, hasher *editor.UIDHasher) ([]editor.Editor, error) {
	if !dc.GenerateUIDs && len(dc.Overrides) == 0 {
		return nil, nil
	}
	overrides, err := overridesDataset(dc.Overrides)
	if err != nil {
		return nil, err
	}
	return []editor.Editor{&editor.DefaultEditor{
		GenerateUIDs: dc.GenerateUIDs,
		Overrides:    overrides,
		Hasher:       hasher,
	}}, nil
}

func maskRect(mc *config.MaskConfig) *image.Rectangle {
	if mc == nil {
		return nil
	}
	r := image.Rect(mc.X, mc.Y, mc.X+mc.Width, mc.Y+mc.Height)
	return &r
}

// BuildRegistry wires the configured forward rules into a registry.
// All constructed destinations are also returned so the caller can
// stop them on shutdown.
func BuildRegistry(cfg *config.Config, hasher *editor.UIDHasher) (*registry.Registry, []forward.Destination, error) {
	calling := types.DicomNode{AETitle: cfg.AETitle}
	opts := ConnectOptionsFromConfig(cfg.Connect)
	reg := registry.New()

	var all []forward.Destination
	for _, rule := range cfg.ForwardRules {
		source := NodeFromConfig(rule.Source)
		if err := source.Validate(); err != nil {
			return nil, nil, fmt.Errorf("forward rule source: %w", err)
		}

		var destinations []registry.Destination
		for _, dc := range rule.Destinations {
			editors, err := buildEditors(dc, hasher)
			if err != nil {
				return nil, nil, err
			}

			var dest forward.Destination
			switch dc.Type {
			case "dicom":
				called := types.DicomNode{AETitle: dc.AET, Hostname: dc.Host, Port: dc.Port}
				if err := called.Validate(); err != nil {
					return nil, nil, fmt.Errorf("destination %s: %w", dc.AET, err)
				}
				dd := forward.NewDicomDestination(calling, called, opts, editors)
				dd.PreferJPEG = dc.PreferJPEG
				dd.MaskArea = maskRect(dc.Mask)
				dd.SCU.RelationshipNegotiation = dc.RelationshipNegotiation
				dest = dd
			case "stow":
				wd := forward.NewWebDestination(dc.URL, time.Duration(dc.TimeoutSeconds)*time.Second, editors)
				wd.MaskArea = maskRect(dc.Mask)
				dest = wd
			case "archive":
				writer := archive.NewWriter(cfg.Archive.BaseDir, cfg.Archive.Pattern)
				dest = forward.NewArchiveDestination(writer, editors)
			default:
				return nil, nil, fmt.Errorf("unknown destination type %q", dc.Type)
			}
			destinations = append(destinations, dest)
			all = append(all, dest)
		}
		reg.Register(source, destinations)
	}

	return reg, all, nil
}
