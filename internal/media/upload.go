package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// HTTPUploader posts assets to the object-storage endpoint as multipart
// form data and returns the stored object reference.
type HTTPUploader struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPUploader creates an uploader for the given storage endpoint.
// The hard timeout is enforced by the caller's context, not the client.
func NewHTTPUploader(url, token string) *HTTPUploader {
	return &HTTPUploader{
		url:    url,
		token:  token,
		client: &http.Client{},
	}
}

// Upload transmits the asset and decodes the {url, type, thumbnail}
// response. Image assets get a locally-generated thumbnail when the
// server does not supply one.
func (u *HTTPUploader) Upload(ctx context.Context, asset *Asset) (*Object, error) {
	f, err := os.Open(asset.Path)
	if err != nil {
		return nil, fmt.Errorf("open asset: %w", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(asset.Path))
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	if err := w.WriteField("type", asset.MIMEType); err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("upload: unexpected status %d", resp.StatusCode)
	}

	var obj Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if obj.Type == "" {
		obj.Type = asset.MIMEType
	}
	if obj.Thumbnail == "" && strings.HasPrefix(asset.MIMEType, "image/") {
		if thumb, err := Thumbnail(asset.Path, 256); err == nil {
			obj.Thumbnail = thumb
		}
	}
	return &obj, nil
}
