// Package jpegenc implements the JPEG Encoder: it wraps a planar 4:2:0
// frame directly in an image.YCbCr and encodes it with the standard
// library's jpeg encoder, skipping the RGB conversion stage entirely since
// the decoder already produces JPEG's native colorspace.
package jpegenc

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/zsiec/frametap/codec"
)

const (
	minQuality = 1
	maxQuality = 100
)

func clampQuality(q int) int {
	if q < minQuality {
		return minQuality
	}
	if q > maxQuality {
		return maxQuality
	}
	return q
}

// Encoder holds a mutable JPEG quality setting. Stateless across frames
// otherwise; it is safe to call Encode with differently sized frames on
// successive calls. Not safe for concurrent use; each session owns one.
type Encoder struct {
	quality int
}

// New constructs an Encoder with quality clamped to [1, 100].
func New(quality int) *Encoder {
	return &Encoder{quality: clampQuality(quality)}
}

// SetQuality re-clamps and updates the quality used by subsequent Encode
// calls.
func (e *Encoder) SetQuality(quality int) {
	e.quality = clampQuality(quality)
}

// Encode consumes a planar 4:2:0 frame directly and returns a
// self-contained JPEG bytestream. The returned bytes begin with the JPEG
// Start-of-Image marker (0xFF 0xD8).
func (e *Encoder) Encode(frame codec.Frame) ([]byte, error) {
	img := &image.YCbCr{
		Y:              frame.Y,
		Cb:             frame.U,
		Cr:             frame.V,
		YStride:        frame.YStride,
		CStride:        frame.CStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, frame.Width, frame.Height),
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
