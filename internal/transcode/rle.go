package transcode

import (
	"encoding/binary"
	"fmt"
)

// decodeRLESegment expands one PackBits-encoded RLE segment (PS3.5
// G.3.2) to exactly want bytes.
func decodeRLESegment(data []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	i := 0
	for i < len(data) && len(out) < want {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			end := i + n + 1
			if end > len(data) {
				return nil, fmt.Errorf("literal run exceeds RLE segment")
			}
			out = append(out, data[i:end]...)
			i = end
		case n >= -127:
			if i >= len(data) {
				return nil, fmt.Errorf("replicate run exceeds RLE segment")
			}
			for k := 0; k < -n+1; k++ {
				out = append(out, data[i])
			}
			i++
		default:
			// -128 is a no-op
		}
	}
	if len(out) < want {
		return nil, fmt.Errorf("RLE segment decoded %d of %d bytes", len(out), want)
	}
	return out[:want], nil
}

// DecodeRLEFrame expands an RLE Lossless frame into the native
// little-endian interleaved sample stream. Segments carry the sample
// bytes most-significant first (PS3.5 G.2).
func DecodeRLEFrame(data []byte, desc *ImageDescriptor) ([]byte, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("RLE frame shorter than its header")
	}
	numSegments := int(binary.LittleEndian.Uint32(data[0:4]))
	bytesPerSample := desc.BitsAllocated / 8
	if numSegments != desc.Samples*bytesPerSample {
		return nil, fmt.Errorf("RLE header declares %d segments, expected %d", numSegments, desc.Samples*bytesPerSample)
	}

	pixels := desc.Rows * desc.Columns
	segments := make([][]byte, numSegments)
	for seg := 0; seg < numSegments; seg++ {
		start := int(binary.LittleEndian.Uint32(data[4+seg*4 : 8+seg*4]))
		end := len(data)
		if seg+1 < numSegments {
			end = int(binary.LittleEndian.Uint32(data[8+seg*4 : 12+seg*4]))
		}
		if start < 64 || start > end || end > len(data) {
			return nil, fmt.Errorf("RLE segment %d offsets out of range", seg)
		}
		decoded, err := decodeRLESegment(data[start:end], pixels)
		if err != nil {
			return nil, fmt.Errorf("RLE segment %d: %w", seg, err)
		}
		segments[seg] = decoded
	}

	out := make([]byte, pixels*numSegments)
	for p := 0; p < pixels; p++ {
		for sample := 0; sample < desc.Samples; sample++ {
			for b := 0; b < bytesPerSample; b++ {
				// segment order is MSB first, native order is LSB first
				seg := sample*bytesPerSample + b
				out[(p*desc.Samples+sample)*bytesPerSample+(bytesPerSample-1-b)] = segments[seg][p]
			}
		}
	}
	return out, nil
}
