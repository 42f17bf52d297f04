// Package editor implements the in-flight attribute rewrite stage that
// runs over each parsed dataset before it is forwarded.
package editor

import (
	"image"

	"github.com/suyashkumar/dicom"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

// AbortKind is the editor's refusal channel. Editors never return
// errors for normal refusal; they set the abort field instead.
type AbortKind int

const (
	AbortNone AbortKind = iota
	// AbortFileException skips the current instance only.
	AbortFileException
	// AbortConnectionException stops the whole inbound association.
	AbortConnectionException
)

// Context carries the per-transfer state shared by the editors of one
// instance. Lifetime is a single instance transfer.
type Context struct {
	TransferSyntax string
	Source         types.DicomNode
	Destination    types.DicomNode
	Abort          AbortKind
	AbortMessage   string
	MaskArea       *image.Rectangle
	Properties     map[string]string
}

// NewContext builds a context for one instance transfer.
func NewContext(tsuid string, source, destination types.DicomNode) *Context {
	return &Context{
		TransferSyntax: tsuid,
		Source:         source,
		Destination:    destination,
		Properties:     make(map[string]string),
	}
}

// Aborted reports whether an editor requested a stop.
func (c *Context) Aborted() bool { return c.Abort != AbortNone }

// Editor mutates a dataset in place. Mutation happens through element
// replacement so clones sharing element values stay isolated.
type Editor interface {
	Apply(ds *dicom.Dataset, ctx *Context)
}

// Apply runs editors in configuration order. The first editor to set
// ctx.Abort short-circuits the pipeline.
func Apply(ds *dicom.Dataset, editors []Editor, ctx *Context) {
	for _, e := range editors {
		if ctx.Aborted() {
			return
		}
		e.Apply(ds, ctx)
	}
}

// Func adapts a function to the Editor interface.
type Func func(ds *dicom.Dataset, ctx *Context)

// Apply implements Editor.
func (f Func) Apply(ds *dicom.Dataset, ctx *Context) { f(ds, ctx) }
