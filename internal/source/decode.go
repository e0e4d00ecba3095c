package source

import (
	"bytes"
	"fmt"
	"image"
	"io"

	// Formats accepted by Decoder.DecodeReader.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"
)

// Decoder finds the first QR code in an image. It is not safe for concurrent use.
type Decoder struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewDecoder creates a decoder that tries hard on rotated and noisy frames.
func NewDecoder() *Decoder {
	return &Decoder{
		reader: zxqr.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// DecodeImage returns the payload of the QR code in img, or ErrNoCode.
func (d *Decoder) DecodeImage(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("prepare bitmap: %w", err)
	}
	res, err := d.reader.Decode(bmp, d.hints)
	d.reader.Reset()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCode, err)
	}
	return res.GetText(), nil
}

// DecodeReader decodes a PNG, JPEG or GIF stream and returns its QR payload.
func (d *Decoder) DecodeReader(r io.Reader) (string, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return d.DecodeImage(img)
}

// DecodeBytes is DecodeReader over an in-memory image.
func (d *Decoder) DecodeBytes(b []byte) (string, error) {
	return d.DecodeReader(bytes.NewReader(b))
}
