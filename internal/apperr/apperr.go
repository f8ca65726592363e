// Package apperr defines the error kinds the routing core distinguishes
// between, per the error handling design: BadRequest, Unauthorized,
// BridgeNotFound, RouteNotFound, Upstream, Timeout, Storage, Internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping at the ingress boundary.
type Kind int

const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	BridgeNotFound
	RouteNotFound
	Upstream
	Timeout
	Storage
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case BridgeNotFound:
		return "bridge_not_found"
	case RouteNotFound:
		return "route_not_found"
	case Upstream:
		return "upstream"
	case Timeout:
		return "timeout"
	case Storage:
		return "storage"
	default:
		return "internal"
	}
}

// Error wraps an underlying cause with a Kind and an optional upstream
// status (only meaningful when Kind == Upstream, where the caller's status
// must be propagated verbatim rather than mapped).
type Error struct {
	Kind           Kind
	Msg            string
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NewUpstream constructs an Upstream error carrying the verbatim status code
// of the forwarded response, per the passthrough propagation policy.
func NewUpstream(status int, msg string) *Error {
	return &Error{Kind: Upstream, Msg: msg, UpstreamStatus: status}
}

// KindOf extracts the Kind of err, defaulting to Internal for plain errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the status code the ingress layer should answer
// with, matching the propagation policy: Upstream propagates the forwarded
// status verbatim, Timeout becomes 504, and so on.
func HTTPStatus(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case BadRequest:
			return http.StatusBadRequest
		case Unauthorized:
			return http.StatusUnauthorized
		case BridgeNotFound, RouteNotFound:
			return http.StatusNotFound
		case Upstream:
			if ae.UpstreamStatus != 0 {
				return ae.UpstreamStatus
			}
			return http.StatusBadGateway
		case Timeout:
			return http.StatusGatewayTimeout
		case Storage, Internal:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
