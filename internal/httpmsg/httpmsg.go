// Package httpmsg defines the plain response envelope passed between the
// bridge/homeserver services and Ingress, independent of any particular
// HTTP server framework.
package httpmsg

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
)

// Response is a captured upstream HTTP response: status, headers, and raw
// body, ready to be replayed verbatim by Ingress.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON builds a Response carrying a JSON body with the given status.
func JSON(status int, body []byte) *Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: h, Body: body}
}

// NewBodyReader wraps body for use as an http.Request body, tolerating nil
// (GET/no-body requests).
func NewBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// CopyHeaders copies every header from src into dst.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// IsTimeout reports whether err came from a client-side request deadline
// (either the context's or http.Client.Timeout) rather than a connection or
// protocol failure.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ReadResponse drains an *http.Response into a Response and closes the body.
func ReadResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
