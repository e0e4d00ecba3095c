package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"qrattendance/internal/clock"
)

// Lines reads one payload per line, as emitted by keyboard-wedge scanners. Only the
// line terminator is removed; blank lines are skipped.
type Lines struct {
	r     *bufio.Reader
	clock clock.Clock
}

// NewLines reads payloads from r.
func NewLines(r io.Reader, clk clock.Clock) *Lines {
	return &Lines{r: bufio.NewReader(r), clock: clk}
}

// Next blocks until a full line is available. ctx is only checked between lines.
func (l *Lines) Next(ctx context.Context) (Reading, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		line, err := l.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Reading{}, err
		}
		atEOF := err != nil

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			return Reading{Text: line, ObservedAt: l.clock.Now()}, nil
		}
		if atEOF {
			return Reading{}, io.EOF
		}
	}
}
