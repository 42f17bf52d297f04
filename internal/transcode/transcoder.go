package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/dicomrelay/internal/dcm"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// Plan holds the outcome of the transcode decision: the frame source to
// read from and the transfer syntax to produce.
type Plan struct {
	Source FrameSource
	Target string
}

// Decide evaluates whether the dataset needs pixel re-encoding for the
// outbound transfer syntax. A nil plan means the dataset can be written
// to the wire as-is after the editors ran.
func Decide(ds *dicom.Dataset, inTSUID, outTSUID string, mask *image.Rectangle) (*Plan, error) {
	if _, err := ds.FindElementByTag(tag.PixelData); err != nil {
		return nil, nil
	}

	target := outTSUID
	if target == types.RLELossless || target == types.ExplicitVRBigEndian {
		// No RLE writer; big endian is retired. Produce EVR-LE instead.
		target = types.ExplicitVRLittleEndian
	}

	switch {
	case mask != nil && !types.IsLossyVideoSyntax(inTSUID):
		// Masking requires a decode/re-encode round trip.
	case inTSUID == outTSUID && types.IsNativeSyntax(inTSUID):
		return nil, nil
	case inTSUID != outTSUID && !types.IsNativeSyntax(inTSUID):
		// Decompress (or recompress) toward the accepted syntax.
	default:
		return nil, nil
	}

	source, err := NewFrameSource(ds, inTSUID)
	if err != nil {
		return nil, types.NewError(types.ErrorTranscodeFailure, err)
	}
	return &Plan{Source: source, Target: target}, nil
}

// decodeFrame turns one frame into an image.
func decodeFrame(src FrameSource, index int) (image.Image, error) {
	data, err := src.FrameBytes(index)
	if err != nil {
		return nil, err
	}
	desc := src.Descriptor()
	tsuid := src.TransferSyntax()

	switch {
	case types.IsJPEGFamilySyntax(tsuid):
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode JPEG frame %d: %w", index, err)
		}
		return img, nil
	case tsuid == types.RLELossless:
		native, err := DecodeRLEFrame(data, desc)
		if err != nil {
			return nil, err
		}
		return decodeNativeFrame(desc, native)
	case types.IsNativeSyntax(tsuid):
		return decodeNativeFrame(desc, data)
	}
	return nil, fmt.Errorf("no decoder for transfer syntax %s", tsuid)
}

func decodeNativeFrame(desc *ImageDescriptor, data []byte) (image.Image, error) {
	bounds := image.Rect(0, 0, desc.Columns, desc.Rows)
	switch {
	case desc.Samples == 1 && desc.BitsAllocated == 8:
		img := image.NewGray(bounds)
		copy(img.Pix, data)
		return img, nil
	case desc.Samples == 1 && desc.BitsAllocated == 16:
		img := image.NewGray16(bounds)
		// native samples are little endian, Gray16 stores big endian
		for i := 0; i+1 < len(data) && i < len(img.Pix); i += 2 {
			img.Pix[i] = data[i+1]
			img.Pix[i+1] = data[i]
		}
		return img, nil
	case desc.Samples == 3 && desc.BitsAllocated == 8:
		img := image.NewNRGBA(bounds)
		for p, q := 0, 0; p+2 < len(data) && q+3 < len(img.Pix); p, q = p+3, q+4 {
			img.Pix[q] = data[p]
			img.Pix[q+1] = data[p+1]
			img.Pix[q+2] = data[p+2]
			img.Pix[q+3] = 0xFF
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported pixel layout: %d samples, %d bits", desc.Samples, desc.BitsAllocated)
}

// applyMask blanks the mask region. 16-bit grayscale is filled in
// place; 8-bit images go through the imaging paste path.
func applyMask(img image.Image, mask image.Rectangle) image.Image {
	if g16, ok := img.(*image.Gray16); ok {
		clipped := mask.Intersect(g16.Bounds())
		for y := clipped.Min.Y; y < clipped.Max.Y; y++ {
			for x := clipped.Min.X; x < clipped.Max.X; x++ {
				g16.SetGray16(x, y, color.Gray16{})
			}
		}
		return g16
	}
	fill := imaging.New(mask.Dx(), mask.Dy(), color.NRGBA{A: 0xFF})
	return imaging.Paste(imaging.Clone(img), fill, mask.Min)
}

func encodeNativeFrame(desc *ImageDescriptor, img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	switch {
	case desc.Samples == 1 && desc.BitsAllocated == 16:
		out := make([]byte, bounds.Dx()*bounds.Dy()*2)
		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
				out[i] = byte(g.Y)
				out[i+1] = byte(g.Y >> 8)
				i += 2
			}
		}
		return out, nil
	case desc.Samples == 1:
		out := make([]byte, bounds.Dx()*bounds.Dy())
		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
				out[i] = g.Y
				i++
			}
		}
		return out, nil
	default:
		out := make([]byte, bounds.Dx()*bounds.Dy()*3)
		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				out[i] = byte(r >> 8)
				out[i+1] = byte(g >> 8)
				out[i+2] = byte(b >> 8)
				i += 3
			}
		}
		return out, nil
	}
}

// Execute re-encodes the dataset's pixel data per the plan, mutating
// the dataset. It returns the transfer syntax actually produced.
func Execute(ds *dicom.Dataset, plan *Plan, mask *image.Rectangle) (string, error) {
	desc := plan.Source.Descriptor()
	target := plan.Target

	toJPEG := types.IsJPEGFamilySyntax(target)
	if toJPEG && (desc.BitsAllocated > 8 && desc.Samples == 1) {
		// Baseline JPEG cannot carry 16-bit grayscale.
		logrus.Debugf("Falling back to Explicit VR Little Endian for %d-bit pixel data", desc.BitsAllocated)
		target = types.ExplicitVRLittleEndian
		toJPEG = false
	}

	images := make([]image.Image, desc.Frames)
	for i := 0; i < desc.Frames; i++ {
		img, err := decodeFrame(plan.Source, i)
		if err != nil {
			return "", types.NewError(types.ErrorTranscodeFailure, err)
		}
		if mask != nil {
			img = applyMask(img, *mask)
		}
		images[i] = img
	}

	if toJPEG {
		frames := make([]*frame.Frame, desc.Frames)
		for i, img := range images {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
				return "", types.Errorf(types.ErrorTranscodeFailure, "failed to encode JPEG frame %d: %v", i, err)
			}
			data := buf.Bytes()
			if len(data)%2 == 1 {
				data = append(data, 0x00)
			}
			frames[i] = &frame.Frame{
				Encapsulated:     true,
				EncapsulatedData: frame.EncapsulatedFrame{Data: data},
			}
		}
		el, err := dicom.NewElement(tag.PixelData, dicom.PixelDataInfo{
			IsEncapsulated: true,
			Frames:         frames,
		})
		if err != nil {
			return "", types.NewError(types.ErrorTranscodeFailure, err)
		}
		dcm.ReplaceElement(ds, el)
	} else {
		var samples []byte
		for _, img := range images {
			data, err := encodeNativeFrame(desc, img)
			if err != nil {
				return "", types.NewError(types.ErrorTranscodeFailure, err)
			}
			samples = append(samples, data...)
		}
		if len(samples)%2 == 1 {
			samples = append(samples, 0x00)
		}
		el, err := dicom.NewElement(tag.PixelData, dicom.PixelDataInfo{
			IntentionallyUnprocessed: true,
			UnprocessedValueData:     samples,
		})
		if err != nil {
			return "", types.NewError(types.ErrorTranscodeFailure, err)
		}
		dcm.ReplaceElement(ds, el)
	}

	if err := fixupPixelModule(ds, desc, plan.Source.TransferSyntax(), target); err != nil {
		return "", err
	}
	return target, nil
}

// fixupPixelModule aligns the photometric attributes with the produced
// encoding.
func fixupPixelModule(ds *dicom.Dataset, desc *ImageDescriptor, inTSUID, outTSUID string) error {
	if desc.Samples != 3 {
		return nil
	}
	// Color output of the decode path is interleaved RGB.
	if err := dcm.SetString(ds, tag.PhotometricInterpretation, "RGB"); err != nil {
		return err
	}
	el, err := dicom.NewElement(tag.PlanarConfiguration, []int{0})
	if err != nil {
		return fmt.Errorf("failed to build PlanarConfiguration: %w", err)
	}
	dcm.ReplaceElement(ds, el)
	return nil
}
