// Package qrcode renders person codes as PNG images and stores them.
package qrcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	skip2 "github.com/skip2/go-qrcode"

	"qrattendance/internal/attendance"
	"qrattendance/internal/cloudinary"
)

// Edge lengths in pixels of rendered images.
const (
	DefaultSize = 256
	MinSize     = 64
	MaxSize     = 2048
)

var unsafeChars = strings.NewReplacer(" ", "_", "/", "_", `\`, "_")

// Render encodes text as a PNG QR code with medium error correction. A size of zero
// or less means DefaultSize; larger sizes are capped at MaxSize.
func Render(text string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	size = min(size, MaxSize)
	return skip2.Encode(text, skip2.Medium, size)
}

// BaseName returns the file stem used for a person's code image.
func BaseName(p attendance.Person) string {
	return "QR_" + unsafeChars.Replace(p.ExternalCode) + "_" + unsafeChars.Replace(p.FullName)
}

// Sink stores a rendered image and returns where it ended up.
type Sink interface {
	Store(ctx context.Context, name string, png []byte) (string, error)
}

// DirSink writes images as files in a directory.
type DirSink struct {
	Dir string
}

// Store writes name.png, creating the directory when missing.
func (s DirSink) Store(_ context.Context, name string, png []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create qr dir: %w", err)
	}
	path := filepath.Join(s.Dir, name+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write qr image: %w", err)
	}
	return path, nil
}

// CloudSink uploads images to Cloudinary.
type CloudSink struct {
	Client *cloudinary.Client
}

// Store uploads png under name and returns its HTTPS URL.
func (s CloudSink) Store(ctx context.Context, name string, png []byte) (string, error) {
	res, err := s.Client.Upload(ctx, png, name)
	if err != nil {
		return "", err
	}
	return res.SecureURL, nil
}

// Publisher renders a person's code and hands it to every sink.
type Publisher struct {
	sinks  []Sink
	size   int
	logger *slog.Logger
}

// NewPublisher creates a publisher over sinks, tried in order.
func NewPublisher(logger *slog.Logger, size int, sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks, size: size, logger: logger.With("module", "qrcode")}
}

// Publish renders p's code and stores it in every sink. It returns the first location
// stored and the joined errors of sinks that failed.
func (p *Publisher) Publish(ctx context.Context, person attendance.Person) (string, error) {
	png, err := Render(person.ExternalCode, p.size)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}

	name := BaseName(person)
	var (
		location string
		errs     []error
	)
	for _, sink := range p.sinks {
		loc, err := sink.Store(ctx, name, png)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.Debug("qr image stored", "code", person.ExternalCode, "location", loc)
		if location == "" {
			location = loc
		}
	}
	return location, errors.Join(errs...)
}
