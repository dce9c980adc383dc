package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"TrusteeBridge/internal/api"
)

// maxErrorBody bounds the error message read from a reply.
const maxErrorBody = 4096

// StatusError is a reply with an unexpected HTTP status.
type StatusError struct {
	Method  string // Method is the request method
	Path    string // Path is the request path
	Code    int    // Code is the HTTP status
	Message string // Message is the server's error text
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(ctx context.Context, path string, result any) error {
	return c.httpDo(ctx, http.MethodGet, path, nil, result)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func (c *Client) httpPostJSON(ctx context.Context, path string, body any, result any) error {
	return c.httpDo(ctx, http.MethodPost, path, body, result)
}

// httpDo sends a request and decodes a 200 or 202 JSON reply into result.
func (c *Client) httpDo(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%s %s: decode reply:\n%w", method, path, err)
	}

	return nil
}

// send issues a request and turns non-success replies into a StatusError.
// The caller closes the body of a successful reply.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body:\n%w", err)
		}
		r = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, path, err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return resp, nil
	}

	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	se := &StatusError{Method: method, Path: path, Code: resp.StatusCode}

	var eb api.ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		se.Message = eb.Error
	} else {
		se.Message = string(data)
	}

	return nil, se
}
