// Package scp implements the inbound C-STORE service class provider:
// it accepts peer associations, receives store requests and hands each
// instance to the forwarding engine.
package scp

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

// Capabilities maps accepted SOP class UIDs to the transfer syntaxes
// the provider takes for them.
type Capabilities struct {
	// transferSyntaxes per SOP class; empty map accepts every storage
	// class with the default syntaxes.
	syntaxes map[string][]string
	defaults []string
}

// DefaultCapabilities accepts any storage SOP class in the two little
// endian syntaxes, Explicit VR Big Endian and the common compressed
// ones, which the relay can decompress on the way out.
func DefaultCapabilities() *Capabilities {
	return &Capabilities{
		syntaxes: make(map[string][]string),
		defaults: []string{
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian,
			types.ExplicitVRBigEndian,
			types.JPEGBaseline,
			types.JPEGLossless,
			types.RLELossless,
		},
	}
}

// LoadCapabilities reads a properties file mapping each SOP class UID
// to a comma-separated transfer syntax list. A missing file falls back
// to the bundled defaults.
func LoadCapabilities(path string) (*Capabilities, error) {
	caps := DefaultCapabilities()
	if path == "" {
		return caps, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Warnf("Transfer capability file %s not found, using defaults", path)
			return caps, nil
		}
		return nil, fmt.Errorf("failed to open transfer capability file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		var syntaxes []string
		for _, ts := range strings.Split(value, ",") {
			if ts = strings.TrimSpace(ts); ts != "" {
				syntaxes = append(syntaxes, ts)
			}
		}
		if len(syntaxes) > 0 {
			caps.syntaxes[strings.TrimSpace(key)] = syntaxes
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transfer capability file: %w", err)
	}
	return caps, nil
}

// Accepts returns the transfer syntax to accept for a proposed context,
// or "" when the context must be rejected.
func (c *Capabilities) Accepts(cuid string, proposed []string) string {
	allowed, ok := c.syntaxes[cuid]
	if !ok {
		if len(c.syntaxes) > 0 && !isStorageClass(cuid) && cuid != types.VerificationSOPClass {
			return ""
		}
		allowed = c.defaults
	}
	for _, ts := range proposed {
		for _, candidate := range allowed {
			if ts == candidate {
				return ts
			}
		}
	}
	return ""
}

func isStorageClass(cuid string) bool {
	return strings.HasPrefix(cuid, "1.2.840.10008.5.1.4.1.1.") ||
		cuid == types.MediaStorageDirectoryClass
}
