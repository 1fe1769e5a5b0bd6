package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxObjectBytes caps a single download.
const DefaultMaxObjectBytes = 256 << 20

// RESTStore speaks the hosted storage API:
// /storage/v1/object/<bucket>/<path>, authenticated with a service key.
type RESTStore struct {
	baseURL    string
	serviceKey string
	client     *http.Client
	maxBytes   int64
}

// RESTOption configures a RESTStore.
type RESTOption func(*RESTStore)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(s *RESTStore) { s.client = c }
}

// WithMaxObjectBytes caps download size.
func WithMaxObjectBytes(n int64) RESTOption {
	return func(s *RESTStore) { s.maxBytes = n }
}

// NewRESTStore returns a store for the project at baseURL.
func NewRESTStore(baseURL, serviceKey string, opts ...RESTOption) (*RESTStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("storage: invalid base URL %q", baseURL)
	}
	if serviceKey == "" {
		return nil, fmt.Errorf("storage: service key is empty")
	}
	s := &RESTStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 60 * time.Second},
		maxBytes:   DefaultMaxObjectBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Download implements Store.
func (s *RESTStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	if err := checkObject(bucket, path); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(bucket, path), nil)
	if err != nil {
		return nil, fmt.Errorf("storage: download: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError("download", resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: download: read body: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("storage: download: object exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}

// Upload implements Store.
func (s *RESTStore) Upload(ctx context.Context, bucket, path string, data []byte, opts UploadOptions) error {
	if err := checkObject(bucket, path); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(bucket, path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("storage: upload: %w", err)
	}
	s.authorize(req)

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	if opts.CacheControl != "" {
		req.Header.Set("Cache-Control", opts.CacheControl)
	}
	if opts.Upsert {
		req.Header.Set("x-upsert", "true")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return s.statusError("upload", resp)
	}
	return nil
}

func (s *RESTStore) objectURL(bucket, path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/storage/v1/object/" + url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

func (s *RESTStore) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
}

// statusError maps a non-success response. The storage API reports missing
// objects as 404, or as 400 with a "not found" body on older deployments.
func (s *RESTStore) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && bytes.Contains(bytes.ToLower(body), []byte("not found")):
		return fmt.Errorf("storage: %s: %w", op, ErrObjectNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("storage: %s: %w", op, ErrObjectExists)
	default:
		return fmt.Errorf("storage: %s: unexpected status %d", op, resp.StatusCode)
	}
}
