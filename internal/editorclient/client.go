// Package editorclient issues calls against the collaborative editor's
// document API (CodiMD-style): create a document, download its current raw
// text, and fetch uploaded attachments. Same single-round-trip, no-retry
// contract as the storage protocol client.
package editorclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPError carries a non-success editor-store status back to the caller.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("editor store status %d", e.StatusCode)
	}
	return fmt.Sprintf("editor store status %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	// InternalURL is the editor endpoint as reachable from the bridge
	// process (e.g. inside a container network).
	InternalURL string
	HTTPClient  *http.Client
	Logger      *log.Logger
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

func New(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.InternalURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPClient{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// CreateDocument pushes text into the editor's "new document" endpoint and
// returns the editor-assigned document id (with a leading slash), recovered
// from the creation redirect. readOnly asks the editor to lock the document
// against edits, an extended mode for read-only viewing.
func (c *HTTPClient) CreateDocument(ctx context.Context, text []byte, readOnly bool) (string, error) {
	target := c.baseURL + "/new"
	if readOnly {
		target += "?mode=locked"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(text))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/markdown")

	// The document id only exists in the 302 Location; do not follow it.
	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating editor document: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: "document creation did not redirect"}
	}
	location := resp.Header.Get("Location")
	parsed, err := url.Parse(location)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "", fmt.Errorf("parsing creation redirect %q: invalid document location", location)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	docID := "/" + segments[len(segments)-1]
	c.logger.Printf("msg=\"created editor document\" docid=%q", docID)
	return docID, nil
}

// FetchRawContent downloads the document's current raw markdown text.
func (c *HTTPClient) FetchRawContent(ctx context.Context, docID string) ([]byte, error) {
	return c.get(ctx, c.baseURL+docID+"/download")
}

// FetchAttachment retrieves one uploaded attachment by its link path
// (/uploads/upload_<hash>.<ext>).
func (c *HTTPClient) FetchAttachment(ctx context.Context, refPath string) ([]byte, error) {
	return c.get(ctx, c.baseURL+refPath)
}

func (c *HTTPClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling editor store: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("reading editor response: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}
	return body, nil
}
