package forward

import (
	"errors"
	"image"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"

	"github.com/flatmapit/dicomrelay/internal/dcm"
	"github.com/flatmapit/dicomrelay/internal/dimse"
	"github.com/flatmapit/dicomrelay/internal/editor"
	"github.com/flatmapit/dicomrelay/internal/transcode"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// Params describes one inbound C-STORE request. Data is the data-set
// portion of the payload (no file meta); it is consumed exactly once.
type Params struct {
	IUID  string
	CUID  string
	TSUID string
	PCID  byte
	Data  io.Reader
}

var (
	errAbortFile = errors.New("editor requested instance skip")
	errAbortConn = errors.New("editor requested association stop")
)

// StoreMultipleDestinations fans one received instance out to every
// destination. The returned status goes into the inbound C-STORE-RSP;
// the returned error is non-nil only when the inbound association must
// be aborted (editor connection exception).
func StoreMultipleDestinations(source types.DicomNode, destinations []Destination, params *Params) (types.StatusCode, error) {
	if params.CUID == types.MediaStorageDirectoryClass {
		logrus.Infof("Ignoring DICOMDIR instance %s from %s", params.IUID, source)
		drain(params.Data)
		return types.StatusSuccess, nil
	}
	if len(destinations) == 0 {
		logrus.Errorf("No destination configured for %s", source)
		drain(params.Data)
		return types.StatusProcessingFailure, nil
	}

	prepared := make([]Destination, 0, len(destinations))
	for _, d := range destinations {
		if err := d.Prepare(params.CUID, params.TSUID); err != nil {
			logrus.Errorf("Skipping destination %s: %v", d.Describe(), err)
			continue
		}
		prepared = append(prepared, d)
	}
	if len(prepared) == 0 {
		logrus.Errorf("All destinations failed to prepare for instance %s", params.IUID)
		drain(params.Data)
		return types.StatusProcessingFailure, nil
	}

	raw, err := io.ReadAll(params.Data)
	if err != nil {
		logrus.Errorf("Failed to read inbound dataset for %s: %v", params.IUID, err)
		return types.StatusProcessingFailure, nil
	}

	// Parse once and reuse across destinations; each destination edits
	// its own clone so per-destination edits do not bleed into each
	// other while the stream is read only once.
	var parsed *dicom.Dataset
	if needsParsing(prepared, params.TSUID) {
		parsed, err = dcm.ParseDataset(raw)
		if err != nil {
			logrus.Errorf("Failed to parse inbound dataset for %s: %v", params.IUID, err)
			return types.StatusInvalidDataSet, nil
		}
	}

	var delivered, failed int
	for _, d := range prepared {
		var ds *dicom.Dataset
		if parsed != nil {
			ds = dcm.Clone(parsed)
		}
		status, err := transferOne(d, ds, raw, source, params)
		switch {
		case errors.Is(err, errAbortConn):
			logrus.Errorf("Editor aborted the inbound association while forwarding %s to %s", params.IUID, d.Describe())
			return types.StatusProcessingFailure, types.Errorf(types.ErrorAbortConnection, "forwarding of %s stopped", params.IUID)
		case errors.Is(err, errAbortFile):
			logrus.Warnf("Editor skipped instance %s for %s", params.IUID, d.Describe())
			failed++
			// Remaining destinations are skipped for this instance.
			armIdleClose(prepared)
			return types.StatusProcessingFailure, nil
		case err != nil:
			logrus.Errorf("Failed to forward %s to %s: %v", params.IUID, d.Describe(), err)
			failed++
		case status.IsFailure():
			failed++
		default:
			delivered++
		}
	}

	armIdleClose(prepared)

	if delivered == 0 {
		return types.StatusProcessingFailure, nil
	}
	return types.StatusSuccess, nil
}

func drain(r io.Reader) {
	io.Copy(io.Discard, r)
}

func armIdleClose(destinations []Destination) {
	for _, d := range destinations {
		if dd, ok := d.(*DicomDestination); ok {
			dd.SCU.TriggerIdleClose()
		}
	}
}

// needsParsing reports whether the instance must go through the parsed
// representation: editors or masks configured, more than one
// destination, or an inbound syntax a destination may need remapped.
func needsParsing(destinations []Destination, tsuid string) bool {
	if len(destinations) > 1 {
		return true
	}
	for _, d := range destinations {
		if len(d.Editors()) > 0 {
			return true
		}
		switch dest := d.(type) {
		case *DicomDestination:
			if dest.MaskArea != nil || !types.IsNativeSyntax(tsuid) {
				return true
			}
		case *WebDestination:
			if dest.MaskArea != nil || tsuid == types.RLELossless || tsuid == types.ExplicitVRBigEndian {
				return true
			}
		}
	}
	return false
}

func transferOne(d Destination, ds *dicom.Dataset, raw []byte, source types.DicomNode, params *Params) (types.StatusCode, error) {
	switch dest := d.(type) {
	case *DicomDestination:
		return transferDicom(dest, ds, raw, source, params)
	case *WebDestination:
		return transferWeb(dest, ds, raw, source, params)
	case *ArchiveDestination:
		return transferArchive(dest, ds, raw, source, params)
	}
	return types.StatusProcessingFailure, types.Errorf(types.ErrorUnknown, "unknown destination type %T", d)
}

func runEditors(d Destination, ds *dicom.Dataset, source, called types.DicomNode, mask *image.Rectangle, params *Params) (*editor.Context, error) {
	ctx := editor.NewContext(params.TSUID, source, called)
	ctx.MaskArea = mask
	if ds != nil {
		editor.Apply(ds, d.Editors(), ctx)
	}
	switch ctx.Abort {
	case editor.AbortFileException:
		return ctx, errAbortFile
	case editor.AbortConnectionException:
		return ctx, errAbortConn
	}
	return ctx, nil
}

func transferDicom(d *DicomDestination, ds *dicom.Dataset, raw []byte, source types.DicomNode, params *Params) (types.StatusCode, error) {
	ctx, err := runEditors(d, ds, source, d.Called, d.MaskArea, params)
	if err != nil {
		d.Progress().RecordFailure(ctx.AbortMessage)
		return types.StatusProcessingFailure, err
	}

	_, outTS, err := d.SCU.SelectTransferSyntax(params.CUID, params.TSUID)
	if err != nil {
		d.Progress().RecordFailure(err.Error())
		return types.StatusProcessingFailure, err
	}
	if !d.PreferJPEG && types.IsJPEGFamilySyntax(params.TSUID) && outTS == params.TSUID {
		// Destination does not want compressed input kept as-is.
		outTS = types.ExplicitVRLittleEndian
	}

	if ds != nil {
		plan, err := transcode.Decide(ds, params.TSUID, outTS, ctx.MaskArea)
		if err != nil {
			d.Progress().RecordFailure(err.Error())
			return types.StatusProcessingFailure, err
		}
		if plan != nil {
			outTS, err = transcode.Execute(ds, plan, ctx.MaskArea)
			if err != nil {
				d.Progress().RecordFailure(err.Error())
				return types.StatusProcessingFailure, err
			}
		}
	}

	data := func(acceptedTS string) ([]byte, error) {
		if ds == nil && acceptedTS == params.TSUID {
			return raw, nil
		}
		if ds == nil {
			parsedLocal, err := dcm.ParseDataset(raw)
			if err != nil {
				return nil, err
			}
			return dcm.EncodeDataset(parsedLocal, acceptedTS)
		}
		return dcm.EncodeDataset(ds, acceptedTS)
	}

	status, err := d.SCU.CStore(params.CUID, params.IUID, data, dimse.PriorityMedium, outTS)
	if types.KindOf(err) == types.ErrorAssociationNotReady {
		// The association went away under us; one reopen, then fail.
		if openErr := d.SCU.Open(); openErr == nil {
			status, err = d.SCU.CStore(params.CUID, params.IUID, data, dimse.PriorityMedium, outTS)
		}
	}
	if err != nil {
		return types.StatusProcessingFailure, err
	}
	return status, nil
}

// webTransferSyntax picks the syntax a STOW part is encoded in. RLE is
// never emitted on the web path; retired big endian is remapped the
// same way.
func webTransferSyntax(tsuid string) string {
	if tsuid == types.RLELossless || tsuid == types.ExplicitVRBigEndian {
		return types.ExplicitVRLittleEndian
	}
	return tsuid
}

func transferWeb(d *WebDestination, ds *dicom.Dataset, raw []byte, source types.DicomNode, params *Params) (types.StatusCode, error) {
	ctx, err := runEditors(d, ds, source, types.DicomNode{AETitle: "STOW-RS"}, d.MaskArea, params)
	if err != nil {
		d.Progress().RecordFailure(ctx.AbortMessage)
		return types.StatusProcessingFailure, err
	}

	outTS := webTransferSyntax(params.TSUID)

	var file []byte
	if ds == nil {
		file = dcm.AssembleFile(raw, params.CUID, params.IUID, outTS)
	} else {
		plan, err := transcode.Decide(ds, params.TSUID, outTS, ctx.MaskArea)
		if err != nil {
			d.Progress().RecordFailure(err.Error())
			return types.StatusProcessingFailure, err
		}
		if plan != nil {
			outTS, err = transcode.Execute(ds, plan, ctx.MaskArea)
			if err != nil {
				d.Progress().RecordFailure(err.Error())
				return types.StatusProcessingFailure, err
			}
		}
		file, err = dcm.EncodeFile(ds, params.CUID, params.IUID, outTS)
		if err != nil {
			d.Progress().RecordFailure(err.Error())
			return types.StatusProcessingFailure, err
		}
	}

	d.Progress().AddRemaining(1)
	if err = d.Client.Store([][]byte{file}); err != nil {
		d.Progress().RecordFailure(err.Error())
		return types.StatusProcessingFailure, types.NewError(types.ErrorIO, err)
	}
	d.Progress().RecordStatus(types.StatusSuccess)
	d.Progress().AddBytes(int64(len(file)))
	return types.StatusSuccess, nil
}

func transferArchive(d *ArchiveDestination, ds *dicom.Dataset, raw []byte, source types.DicomNode, params *Params) (types.StatusCode, error) {
	ctx, err := runEditors(d, ds, source, types.DicomNode{AETitle: "ARCHIVE"}, nil, params)
	if err != nil {
		d.Progress().RecordFailure(ctx.AbortMessage)
		return types.StatusProcessingFailure, err
	}

	d.Progress().AddRemaining(1)
	if ds == nil {
		parsed, err := dcm.ParseDataset(raw)
		if err != nil {
			d.Progress().RecordFailure(err.Error())
			return types.StatusProcessingFailure, types.NewError(types.ErrorIO, err)
		}
		file := dcm.AssembleFile(raw, params.CUID, params.IUID, params.TSUID)
		if _, err := d.Writer.WriteRaw(file, parsed); err != nil {
			d.Progress().RecordFailure(err.Error())
			return types.StatusProcessingFailure, types.NewError(types.ErrorIO, err)
		}
	} else {
		if _, err := d.Writer.WriteInstance(ds, params.CUID, params.IUID, params.TSUID); err != nil {
			d.Progress().RecordFailure(err.Error())
			return types.StatusProcessingFailure, types.NewError(types.ErrorIO, err)
		}
	}
	d.Progress().RecordStatus(types.StatusSuccess)
	d.Progress().AddBytes(int64(len(raw)))
	return types.StatusSuccess, nil
}
