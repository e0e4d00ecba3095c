package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"qrattendance/internal/clock"
)

const (
	_minBackoff = time.Second
	_maxBackoff = 30 * time.Second
)

// MJPEG decodes frames of a multipart/x-mixed-replace camera stream. Frames that fail
// to read or hold no code are skipped. A broken or ended stream is re-dialled with a
// backoff that resets once a frame arrives.
type MJPEG struct {
	url     string
	client  *http.Client
	clock   clock.Clock
	decoder *Decoder
	logger  *slog.Logger

	resp    *http.Response
	parts   *multipart.Reader
	backoff time.Duration
}

// NewMJPEG streams from url. A nil client uses one without an overall timeout.
func NewMJPEG(url string, client *http.Client, clk clock.Clock, logger *slog.Logger) *MJPEG {
	if client == nil {
		client = &http.Client{}
	}
	return &MJPEG{
		url:     url,
		client:  client,
		clock:   clk,
		decoder: NewDecoder(),
		logger:  logger.With("module", "mjpeg", "url", url),
		backoff: _minBackoff,
	}
}

// Next returns the next frame holding a QR code. It only fails when ctx ends.
func (m *MJPEG) Next(ctx context.Context) (Reading, error) {
	for {
		if err := ctx.Err(); err != nil {
			m.Close()
			return Reading{}, err
		}
		if m.parts == nil {
			if err := m.connect(ctx); err != nil {
				m.logger.Warn("stream unavailable", "error", err, "retry_in", m.backoff)
				if err := m.wait(ctx); err != nil {
					return Reading{}, err
				}
				continue
			}
		}

		part, err := m.parts.NextPart()
		if err != nil {
			m.logger.Warn("stream interrupted", "error", err, "retry_in", m.backoff)
			m.Close()
			if err := m.wait(ctx); err != nil {
				return Reading{}, err
			}
			continue
		}
		m.backoff = _minBackoff
		text, err := m.decoder.DecodeReader(part)
		part.Close()
		if err != nil {
			if !errors.Is(err, ErrNoCode) {
				m.logger.Debug("frame skipped", "error", err)
			}
			continue
		}
		return Reading{Text: text, ObservedAt: m.clock.Now()}, nil
	}
}

// Close drops the current connection. The next call to Next re-dials.
func (m *MJPEG) Close() {
	if m.resp != nil {
		m.resp.Body.Close()
	}
	m.resp, m.parts = nil, nil
}

func (m *MJPEG) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	boundary, err := boundaryOf(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return err
	}

	m.resp = resp
	m.parts = multipart.NewReader(resp.Body, boundary)
	m.logger.Info("stream connected")
	return nil
}

func (m *MJPEG) wait(ctx context.Context) error {
	t := time.NewTimer(m.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.backoff *= 2
	if m.backoff > _maxBackoff {
		m.backoff = _maxBackoff
	}
	return nil
}

func boundaryOf(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("content type %q is not a multipart stream", mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return "", fmt.Errorf("content type %q has no boundary", contentType)
	}
	return boundary, nil
}
