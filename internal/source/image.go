package source

import (
	"context"
	"fmt"
	"io"
	"os"

	"qrattendance/internal/clock"
)

// ImageFile yields the first QR code of a static image once.
type ImageFile struct {
	path    string
	clock   clock.Clock
	decoder *Decoder
	done    bool
}

// NewImageFile reads the image at path.
func NewImageFile(path string, clk clock.Clock) *ImageFile {
	return &ImageFile{path: path, clock: clk, decoder: NewDecoder()}
}

// Next returns the decoded payload on the first call and io.EOF afterwards. An image
// without a readable code yields ErrNoCode.
func (f *ImageFile) Next(ctx context.Context) (Reading, error) {
	if f.done {
		return Reading{}, io.EOF
	}
	f.done = true
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	file, err := os.Open(f.path)
	if err != nil {
		return Reading{}, err
	}
	defer file.Close()

	text, err := f.decoder.DecodeReader(file)
	if err != nil {
		return Reading{}, fmt.Errorf("%s: %w", f.path, err)
	}
	return Reading{Text: text, ObservedAt: f.clock.Now()}, nil
}
