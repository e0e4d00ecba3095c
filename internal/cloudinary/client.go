// Package cloudinary stores QR code images on Cloudinary through its signed upload API.
package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.cloudinary.com/v1_1"

// ErrNotConfigured is returned by Upload when credentials are missing.
var ErrNotConfigured = errors.New("cloudinary: credentials not configured")

// unsigned lists the upload fields excluded from the signature.
var unsigned = map[string]bool{"api_key": true, "file": true, "resource_type": true, "signature": true}

// Client uploads PNG images. BaseURL, HTTP and Now may be replaced in tests.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client
	Now       func() time.Time
}

// New creates a client. Call Configured before relying on it.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   defaultBaseURL,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Now:       time.Now,
	}
}

// Configured reports whether every credential is present. A nil client is unconfigured.
func (c *Client) Configured() bool {
	return c != nil && c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Asset is the stored image as reported by Cloudinary.
type Asset struct {
	PublicID  string `json:"public_id"`
	Version   int64  `json:"version"`
	SecureURL string `json:"secure_url"`
	Bytes     int    `json:"bytes"`
}

// Upload stores png under publicID inside Folder. An existing image with the same ID is
// replaced, so re-enrolling a code refreshes its image.
func (c *Client) Upload(ctx context.Context, png []byte, publicID string) (*Asset, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	fields := map[string]string{
		"api_key":   c.APIKey,
		"overwrite": "true",
		"timestamp": strconv.FormatInt(c.Now().Unix(), 10),
	}
	if publicID != "" {
		fields["public_id"] = publicID
	}
	if c.Folder != "" {
		fields["folder"] = c.Folder
	}
	fields["signature"] = c.sign(fields)

	body, contentType, err := form(fields, publicID+".png", png)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: build form: %w", err)
	}

	endpoint := strings.TrimSuffix(c.BaseURL, "/") + "/" + c.CloudName + "/image/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: upload %s: %w", publicID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("cloudinary: upload %s: status %d: %s", publicID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var asset Asset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		return nil, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	return &asset, nil
}

// form encodes fields in key order followed by the file part.
func form(fields map[string]string, filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range sortedKeys(fields) {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// sign returns the hex SHA-1 of the signed fields as sorted key=value pairs joined by
// '&', with the API secret appended.
func (c *Client) sign(fields map[string]string) string {
	pairs := make([]string, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		if unsigned[k] || fields[k] == "" {
			continue
		}
		pairs = append(pairs, k+"="+fields[k])
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + c.APISecret))
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
