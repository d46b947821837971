// Package remote is the HTTP/JSON client for the remote document store and
// object storage that satchel caches from and syncs to.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 30 * time.Second

// Compile-time interface check.
var _ types.Remote = (*Client)(nil)

// Client talks to the remote API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, e.Body)
}

// Is makes 404 responses match types.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == types.ErrNotFound && e.Code == http.StatusNotFound
}

type request struct {
	method      string
	url         string
	body        io.Reader
	contentType string
	header      http.Header
}

// do sends req and returns the body and content type of a 2xx response.
func (c *Client) do(ctx context.Context, r request) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, r.body)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s %s: %w", r.method, r.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s response: %w", r.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &StatusError{
			Method: r.method,
			URL:    r.url,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) getJSON(ctx context.Context, p string, query url.Values, dest any) error {
	u := c.baseURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	data, _, err := c.do(ctx, request{method: http.MethodGet, url: u})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decoding %s: %w", p, err)
	}
	return nil
}

// GetRoutine fetches GET /routines/{id}.
func (c *Client) GetRoutine(ctx context.Context, id string) (*types.Routine, error) {
	var r types.Routine
	if err := c.getJSON(ctx, "/routines/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, fmt.Errorf("getting routine %s: %w", id, err)
	}
	return &r, nil
}

// GetExercise fetches GET /exercises/{id}.
func (c *Client) GetExercise(ctx context.Context, id string) (*types.Exercise, error) {
	var e types.Exercise
	if err := c.getJSON(ctx, "/exercises/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, fmt.Errorf("getting exercise %s: %w", id, err)
	}
	return &e, nil
}

type urlResponse struct {
	URL string `json:"url"`
}

// ResolveStoragePath asks GET /storage/resolve for a download URL.
func (c *Client) ResolveStoragePath(ctx context.Context, storagePath string) (string, error) {
	var res urlResponse
	if err := c.getJSON(ctx, "/storage/resolve", url.Values{"path": {storagePath}}, &res); err != nil {
		return "", fmt.Errorf("resolving %s: %w", storagePath, err)
	}
	if res.URL == "" {
		return "", fmt.Errorf("resolving %s: empty url", storagePath)
	}
	return res.URL, nil
}

// FetchMedia downloads an absolute media URL. Relative URLs are resolved
// against the base URL.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	u, err := url.Parse(mediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("parsing media url: %w", err)
	}
	if !u.IsAbs() {
		mediaURL = c.baseURL + "/" + strings.TrimLeft(mediaURL, "/")
	}
	return c.do(ctx, request{method: http.MethodGet, url: mediaURL})
}

type archiveRequest struct {
	ID     string          `json:"id"`
	Record json.RawMessage `json:"record"`
}

// CreateArchiveEntry sends POST /users/{owner}/archive. The remote drops
// requests whose Idempotency-Key it has already applied.
func (c *Client) CreateArchiveEntry(ctx context.Context, ownerID, archiveID string, record json.RawMessage, idempotencyKey string) error {
	body, err := json.Marshal(archiveRequest{ID: archiveID, Record: record})
	if err != nil {
		return fmt.Errorf("encoding archive entry: %w", err)
	}
	_, _, err = c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.baseURL + "/users/" + url.PathEscape(ownerID) + "/archive",
		body:        bytes.NewReader(body),
		contentType: "application/json",
		header:      http.Header{"Idempotency-Key": {idempotencyKey}},
	})
	if err != nil {
		return fmt.Errorf("creating archive entry %s: %w", archiveID, err)
	}
	return nil
}

// UploadMedia stores data with PUT /storage/objects and returns its URL.
func (c *Client) UploadMedia(ctx context.Context, destPath string, data []byte, contentType string) (string, error) {
	resp, _, err := c.do(ctx, request{
		method:      http.MethodPut,
		url:         c.baseURL + "/storage/objects?" + url.Values{"path": {destPath}}.Encode(),
		body:        bytes.NewReader(data),
		contentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", destPath, err)
	}
	var res urlResponse
	if err := json.Unmarshal(resp, &res); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	return res.URL, nil
}

// Ping checks GET /health.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, request{method: http.MethodGet, url: c.baseURL + "/health"})
	return err
}

// IsNotFound reports whether err is a 404 from the remote.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
