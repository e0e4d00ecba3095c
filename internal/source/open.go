package source

import (
	"fmt"
	"io"
	"log/slog"

	"qrattendance/internal/clock"
)

// Open builds the source named by kind. "none" and "" return a nil Source.
func Open(kind, mjpegURL string, stdin io.Reader, clk clock.Clock, logger *slog.Logger) (Source, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "stdin":
		return NewLines(stdin, clk), nil
	case "mjpeg":
		if mjpegURL == "" {
			return nil, fmt.Errorf("mjpeg source needs MJPEG_URL")
		}
		return NewMJPEG(mjpegURL, nil, clk, logger), nil
	default:
		return nil, fmt.Errorf("unknown scan source %q", kind)
	}
}
