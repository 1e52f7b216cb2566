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
	"strconv"
	"strings"
	"time"

	"passfiles/internal/pf"
)

// DefaultHTTPTimeout bounds a single request to the record server.
const DefaultHTTPTimeout = 30 * time.Second

// deleteSecretHeader carries the deletion secret on DELETE requests.
const deleteSecretHeader = "X-Delete-Secret"

// errorBody is the JSON error payload of the record server.
type errorBody struct {
	Error string `json:"error"`
}

// HTTPRemote talks to a record server over HTTP. Content travels as raw
// octet-stream bodies, metadata as JSON.
//
//	GET    /records?type=<n>                  list change-tracking fields
//	GET    /records/{id}                      record metadata
//	GET    /records/{id}/versions/{version}   content of a version
//	POST   /records                           add a record
//	PUT    /records/{id}                      save metadata
//	PUT    /records/{id}/content              save a new content version
//	DELETE /records/{id}                      delete (secret in X-Delete-Secret)
type HTTPRemote struct {
	client    *http.Client
	baseURL   string
	token     string
	userAgent string
	logger    pf.Logger
}

// NewHTTPRemote creates a client for the record server at baseURL.
func NewHTTPRemote(baseURL, token string, timeout time.Duration, logger pf.Logger) (*HTTPRemote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("http remote requires a base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid http remote url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if logger == nil {
		logger = pf.NewNopLogger()
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 4,
		},
	}

	return &HTTPRemote{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		userAgent: "passfiles/1.0",
		logger:    logger,
	}, nil
}

func (h *HTTPRemote) ListRecords(ctx context.Context, t pf.Type) ([]pf.RemoteInfo, error) {
	var list []pf.RemoteInfo
	path := "/records?type=" + strconv.Itoa(int(t))
	if err := h.doJSON(ctx, "list records", http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (h *HTTPRemote) GetRecordInfo(ctx context.Context, id int64) (pf.RemoteInfo, error) {
	var info pf.RemoteInfo
	err := h.doJSON(ctx, "get record info", http.MethodGet, recordPath(id), nil, &info)
	return info, err
}

func (h *HTTPRemote) GetVersionContent(ctx context.Context, id int64, version int) ([]byte, error) {
	path := recordPath(id) + "/versions/" + strconv.Itoa(version)
	resp, err := h.do(ctx, "get version content", http.MethodGet, path, "", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get version content: %w: %v", pf.ErrOffline, err)
	}
	return data, nil
}

func (h *HTTPRemote) AddRecord(ctx context.Context, info pf.RemoteInfo) (pf.RemoteInfo, error) {
	var created pf.RemoteInfo
	err := h.doJSON(ctx, "add record", http.MethodPost, "/records", info, &created)
	return created, err
}

func (h *HTTPRemote) SaveInfo(ctx context.Context, info pf.RemoteInfo) (pf.RemoteInfo, error) {
	var saved pf.RemoteInfo
	err := h.doJSON(ctx, "save info", http.MethodPut, recordPath(info.ID), info, &saved)
	return saved, err
}

func (h *HTTPRemote) SaveContent(ctx context.Context, id int64, data []byte) (pf.RemoteInfo, error) {
	resp, err := h.do(ctx, "save content", http.MethodPut, recordPath(id)+"/content",
		"application/octet-stream", bytes.NewReader(data), nil)
	if err != nil {
		return pf.RemoteInfo{}, err
	}
	var saved pf.RemoteInfo
	err = decodeJSON("save content", resp, &saved)
	return saved, err
}

func (h *HTTPRemote) Delete(ctx context.Context, id int64, secret string) error {
	resp, err := h.do(ctx, "delete", http.MethodDelete, recordPath(id), "", nil,
		map[string]string{deleteSecretHeader: secret})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func recordPath(id int64) string {
	return "/records/" + strconv.FormatInt(id, 10)
}

// doJSON sends body as JSON and decodes the response into result.
func (h *HTTPRemote) doJSON(ctx context.Context, op, method, path string, body, result any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := h.do(ctx, op, method, path, contentType, reader, nil)
	if err != nil {
		return err
	}
	return decodeJSON(op, resp, result)
}

// do performs a request and maps failures onto the remote error contract:
// transport errors and gateway statuses wrap pf.ErrOffline, any other
// non-2xx status becomes a *pf.RemoteError. On success the caller owns the
// response body.
func (h *HTTPRemote) do(ctx context.Context, op, method, path, contentType string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	h.logger.Debug("remote request", "method", method, "path", path)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, pf.ErrOffline, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%s: %w: server returned %d", op, pf.ErrOffline, resp.StatusCode)
	}

	msg := http.StatusText(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Error != "" {
		msg = eb.Error
	}
	return nil, &pf.RemoteError{Op: op, Status: resp.StatusCode, Message: msg}
}

func decodeJSON(op string, resp *http.Response, result any) error {
	defer resp.Body.Close()
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, io.EOF) {
			return &pf.RemoteError{Op: op, Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
		}
		return fmt.Errorf("%s: %w: %v", op, pf.ErrOffline, err)
	}
	return nil
}

// Compile-time check that HTTPRemote implements pf.RemoteAPI interface
var _ pf.RemoteAPI = (*HTTPRemote)(nil)
