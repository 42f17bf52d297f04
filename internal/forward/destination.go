// Package forward orchestrates the per-instance fan-out of received
// C-STORE requests across the configured destinations.
package forward

import (
	"fmt"
	"image"
	"time"

	"github.com/flatmapit/dicomrelay/internal/archive"
	"github.com/flatmapit/dicomrelay/internal/editor"
	"github.com/flatmapit/dicomrelay/internal/progress"
	"github.com/flatmapit/dicomrelay/internal/scu"
	"github.com/flatmapit/dicomrelay/internal/stow"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// Destination is one forward target, DIMSE or web.
type Destination interface {
	Describe() string
	// Prepare readies the destination for instances of (cuid, tsuid).
	Prepare(cuid, tsuid string) error
	// Editors returns the attribute editors to run for this destination.
	Editors() []editor.Editor
	// Stop cancels the destination, force-closing any open association.
	Stop()
}

// DicomDestination forwards over a classical C-STORE association held
// by its streaming SCU. The destination exclusively owns the SCU.
type DicomDestination struct {
	Calling    types.DicomNode
	Called     types.DicomNode
	EditorList []editor.Editor
	SCU        *scu.StreamStoreSCU
	// PreferJPEG keeps a JPEG-family inbound syntax compressed instead
	// of decompressing toward Explicit VR Little Endian.
	PreferJPEG bool
	// MaskArea blanks a pixel region on every forwarded frame.
	MaskArea *image.Rectangle
}

// NewDicomDestination wires a destination with its own streaming SCU.
func NewDicomDestination(calling, called types.DicomNode, opts types.ConnectOptions, editors []editor.Editor) *DicomDestination {
	return &DicomDestination{
		Calling:    calling,
		Called:     called,
		EditorList: editors,
		SCU:        scu.New(calling, called, opts),
	}
}

func (d *DicomDestination) Describe() string { return fmt.Sprintf("dicom://%s", d.Called) }

// Prepare adds presentation contexts and opens (or renegotiates) the
// association.
func (d *DicomDestination) Prepare(cuid, tsuid string) error {
	return d.SCU.Prepare(cuid, tsuid)
}

// Editors implements Destination.
func (d *DicomDestination) Editors() []editor.Editor { return d.EditorList }

// Stop force-closes the outbound association.
func (d *DicomDestination) Stop() { d.SCU.Stop() }

// Progress exposes the destination counters.
func (d *DicomDestination) Progress() *progress.DicomState { return d.SCU.Progress() }

// WebDestination forwards instances as STOW-RS parts.
type WebDestination struct {
	Endpoint   string
	EditorList []editor.Editor
	Client     *stow.Client
	State      *progress.DicomState
	MaskArea   *image.Rectangle
}

// NewWebDestination wires a STOW destination.
func NewWebDestination(endpoint string, timeout time.Duration, editors []editor.Editor) *WebDestination {
	return &WebDestination{
		Endpoint:   endpoint,
		EditorList: editors,
		Client:     stow.NewClient(endpoint, timeout),
		State:      progress.NewDicomState(),
	}
}

func (d *WebDestination) Describe() string { return fmt.Sprintf("stow://%s", d.Endpoint) }

// Prepare is a no-op: HTTP needs no negotiation.
func (d *WebDestination) Prepare(cuid, tsuid string) error { return nil }

// Editors implements Destination.
func (d *WebDestination) Editors() []editor.Editor { return d.EditorList }

// Stop implements Destination.
func (d *WebDestination) Stop() {
	if d.State != nil {
		d.State.MarkDone()
	}
}

// Progress exposes the destination counters.
func (d *WebDestination) Progress() *progress.DicomState { return d.State }

// ArchiveDestination stores instances to the local archive instead of
// forwarding them over the network.
type ArchiveDestination struct {
	Writer     *archive.Writer
	EditorList []editor.Editor
	State      *progress.DicomState
}

// NewArchiveDestination wires a terminal archive target.
func NewArchiveDestination(writer *archive.Writer, editors []editor.Editor) *ArchiveDestination {
	return &ArchiveDestination{
		Writer:     writer,
		EditorList: editors,
		State:      progress.NewDicomState(),
	}
}

func (d *ArchiveDestination) Describe() string {
	return fmt.Sprintf("file://%s", d.Writer.BaseDir)
}

// Prepare implements Destination.
func (d *ArchiveDestination) Prepare(cuid, tsuid string) error { return nil }

// Editors implements Destination.
func (d *ArchiveDestination) Editors() []editor.Editor { return d.EditorList }

// Stop implements Destination.
func (d *ArchiveDestination) Stop() {
	if d.State != nil {
		d.State.MarkDone()
	}
}

// Progress exposes the destination counters.
func (d *ArchiveDestination) Progress() *progress.DicomState { return d.State }
