package types

import (
	"fmt"
	"strings"
)

// Well-known transfer syntax UIDs
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	JPEGBaseline           = "1.2.840.10008.1.2.4.50"
	JPEGExtended           = "1.2.840.10008.1.2.4.51"
	JPEGLossless           = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless         = "1.2.840.10008.1.2.4.80"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
	JPEG2000               = "1.2.840.10008.1.2.4.91"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// Well-known SOP class UIDs
const (
	VerificationSOPClass         = "1.2.840.10008.1.1"
	MediaStorageDirectoryClass   = "1.2.840.10008.1.3.10"
	CTImageStorage               = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage               = "1.2.840.10008.5.1.4.1.1.4"
	USImageStorage               = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"
)

// ApplicationContextUID identifies the DICOM application context in
// association negotiation.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// IsNativeSyntax reports whether tsuid is an uncompressed transfer syntax
// whose pixel data is a plain contiguous sample stream.
func IsNativeSyntax(tsuid string) bool {
	switch tsuid {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian:
		return true
	}
	return false
}

// IsLossyVideoSyntax reports whether tsuid is one of the MPEG/video
// syntaxes (1.2.840.10008.1.2.4.10x) whose frames cannot be masked.
func IsLossyVideoSyntax(tsuid string) bool {
	return strings.HasPrefix(tsuid, "1.2.840.10008.1.2.4.10")
}

// IsJPEGFamilySyntax reports whether tsuid encapsulates frames as JPEG
// bitstreams delimited by SOI/EOI markers.
func IsJPEGFamilySyntax(tsuid string) bool {
	return strings.HasPrefix(tsuid, "1.2.840.10008.1.2.4.5") ||
		strings.HasPrefix(tsuid, "1.2.840.10008.1.2.4.6") ||
		strings.HasPrefix(tsuid, "1.2.840.10008.1.2.4.7")
}

// DicomNode identifies a DICOM peer by application entity title and
// network address. A node used as a registry lookup key carries no port.
type DicomNode struct {
	AETitle          string
	Hostname         string
	Port             int
	ValidateHostname bool
}

// Validate checks the PS3.8 constraints on the node identity.
func (n DicomNode) Validate() error {
	if n.AETitle == "" || len(n.AETitle) > 16 {
		return fmt.Errorf("invalid AE title %q: must be 1-16 characters", n.AETitle)
	}
	if n.Port != 0 && (n.Port < 1 || n.Port > 65535) {
		return fmt.Errorf("invalid port %d", n.Port)
	}
	return nil
}

// Equal reports whether two nodes denote the same peer. AE title,
// hostname and port must all match.
func (n DicomNode) Equal(other DicomNode) bool {
	return n.AETitle == other.AETitle &&
		strings.EqualFold(n.Hostname, other.Hostname) &&
		n.Port == other.Port
}

// WithoutPort returns a copy of the node suitable as a lookup key, so a
// peer reaching us from an ephemeral port still matches a configured
// AET+hostname entry.
func (n DicomNode) WithoutPort() DicomNode {
	n.Port = 0
	return n
}

func (n DicomNode) String() string {
	if n.Hostname == "" {
		return n.AETitle
	}
	if n.Port == 0 {
		return fmt.Sprintf("%s@%s", n.AETitle, n.Hostname)
	}
	return fmt.Sprintf("%s@%s:%d", n.AETitle, n.Hostname, n.Port)
}
