// Package wopiclient issues the WOPI-style calls the bridge needs against
// the storage backend. Every call is one synchronous round trip: retries,
// if any, belong to the operator, since the backend does not guarantee
// idempotency for all verbs.
package wopiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WOPI protocol headers and override verbs.
const (
	HeaderOverride        = "X-WOPI-Override"
	HeaderLock            = "X-WOPI-Lock"
	HeaderOldLock         = "X-WOPI-OldLock"
	HeaderSuggestedTarget = "X-WOPI-SuggestedTarget"

	overrideLock        = "LOCK"
	overrideGetLock     = "GET_LOCK"
	overrideRefreshLock = "REFRESH_LOCK"
	overrideUnlock      = "UNLOCK"
	overridePutRelative = "PUT_RELATIVE"
)

// FileInfo is the slice of the CheckFileInfo response the bridge consumes.
type FileInfo struct {
	BaseFileName      string `json:"BaseFileName"`
	UserCanWrite      bool   `json:"UserCanWrite"`
	UserFriendlyName  string `json:"UserFriendlyName"`
	BreadcrumbDocName string `json:"BreadcrumbDocName"`
}

// HTTPError carries a non-2xx upstream status back to the caller.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wopi upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("wopi upstream status %d: %s", e.StatusCode, e.Message)
}

// Client is the storage-protocol surface the sync engine consumes. Each
// method addresses one file identified by its WOPISrc URL and is
// authenticated by the caller's access token, which the client only forwards.
type Client interface {
	CheckFileInfo(ctx context.Context, wopiSrc, accessToken string) (FileInfo, error)
	GetFile(ctx context.Context, wopiSrc, accessToken string) ([]byte, error)
	PutFile(ctx context.Context, wopiSrc, accessToken, lock string, body []byte) error
	PutRelative(ctx context.Context, wopiSrc, accessToken, lock, suggestedTarget string, body []byte) error
	GetLock(ctx context.Context, wopiSrc, accessToken string) (string, error)
	Lock(ctx context.Context, wopiSrc, accessToken, lock string) error
	RefreshLock(ctx context.Context, wopiSrc, accessToken, oldLock, newLock string) error
	Unlock(ctx context.Context, wopiSrc, accessToken, lock string) error
}

type Options struct {
	HTTPClient *http.Client
	Logger     *log.Logger
}

type HTTPClient struct {
	httpClient *http.Client
	logger     *log.Logger
}

func New(opts Options) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPClient{httpClient: httpClient, logger: logger}
}

func (c *HTTPClient) CheckFileInfo(ctx context.Context, wopiSrc, accessToken string) (FileInfo, error) {
	var info FileInfo
	status, _, body, err := c.do(ctx, http.MethodGet, fileURL(wopiSrc, accessToken), nil, nil)
	if err != nil {
		return info, err
	}
	if status != http.StatusOK {
		return info, &HTTPError{StatusCode: status, Message: "checkfileinfo failed"}
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return info, fmt.Errorf("parsing file metadata: %w", err)
	}
	if info.BaseFileName == "" {
		return info, fmt.Errorf("parsing file metadata: missing BaseFileName")
	}
	return info, nil
}

func (c *HTTPClient) GetFile(ctx context.Context, wopiSrc, accessToken string) ([]byte, error) {
	status, _, body, err := c.do(ctx, http.MethodGet, contentsURL(wopiSrc, accessToken), nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &HTTPError{StatusCode: status, Message: "getfile failed"}
	}
	return body, nil
}

func (c *HTTPClient) PutFile(ctx context.Context, wopiSrc, accessToken, lock string, body []byte) error {
	headers := map[string]string{HeaderLock: lock}
	return c.doExpectOK(ctx, contentsURL(wopiSrc, accessToken), headers, body, "putfile")
}

// PutRelative writes the body as a sibling of the addressed file. The
// backend picks a non-clobbering name based on suggestedTarget, so an
// unrelated file of the suggested name is never overwritten.
func (c *HTTPClient) PutRelative(ctx context.Context, wopiSrc, accessToken, lock, suggestedTarget string, body []byte) error {
	headers := map[string]string{
		HeaderLock:            lock,
		HeaderOverride:        overridePutRelative,
		HeaderSuggestedTarget: suggestedTarget,
	}
	return c.doExpectOK(ctx, fileURL(wopiSrc, accessToken), headers, body, "putrelative")
}

// GetLock returns the encoded lock currently held on the file, or the empty
// string when the file is unlocked.
func (c *HTTPClient) GetLock(ctx context.Context, wopiSrc, accessToken string) (string, error) {
	headers := map[string]string{HeaderOverride: overrideGetLock}
	status, respHeader, _, err := c.do(ctx, http.MethodPost, fileURL(wopiSrc, accessToken), headers, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &HTTPError{StatusCode: status, Message: "getlock failed"}
	}
	return respHeader.Get(HeaderLock), nil
}

func (c *HTTPClient) Lock(ctx context.Context, wopiSrc, accessToken, lock string) error {
	headers := map[string]string{
		HeaderOverride: overrideLock,
		HeaderLock:     lock,
	}
	return c.doExpectOK(ctx, fileURL(wopiSrc, accessToken), headers, nil, "lock")
}

func (c *HTTPClient) RefreshLock(ctx context.Context, wopiSrc, accessToken, oldLock, newLock string) error {
	headers := map[string]string{
		HeaderOverride: overrideRefreshLock,
		HeaderOldLock:  oldLock,
		HeaderLock:     newLock,
	}
	return c.doExpectOK(ctx, fileURL(wopiSrc, accessToken), headers, nil, "refreshlock")
}

func (c *HTTPClient) Unlock(ctx context.Context, wopiSrc, accessToken, lock string) error {
	headers := map[string]string{
		HeaderOverride: overrideUnlock,
		HeaderLock:     lock,
	}
	return c.doExpectOK(ctx, fileURL(wopiSrc, accessToken), headers, nil, "unlock")
}

func (c *HTTPClient) doExpectOK(ctx context.Context, rawURL string, headers map[string]string, body []byte, op string) error {
	status, _, _, err := c.do(ctx, http.MethodPost, rawURL, headers, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{StatusCode: status, Message: op + " failed"}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("calling wopi endpoint: %w", err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, nil, nil, fmt.Errorf("reading wopi response: %w", readErr)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func fileURL(wopiSrc, accessToken string) string {
	return strings.TrimRight(wopiSrc, "/") + "?access_token=" + url.QueryEscape(accessToken)
}

func contentsURL(wopiSrc, accessToken string) string {
	return strings.TrimRight(wopiSrc, "/") + "/contents?access_token=" + url.QueryEscape(accessToken)
}
