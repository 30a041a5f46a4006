// Package apierror provides the gateway's error response format. Every
// gateway-generated failure goes through WriteJSON so clients always get a
// well-formed body with a stable error code.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. Clients program against these; do not rename or
// remove existing codes.
const (
	RouteNotFound      ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	MethodNotAllowed   ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	AuthMissingToken   ErrorCode = "GATEWAY_AUTH_MISSING_TOKEN"
	AuthMalformedToken ErrorCode = "GATEWAY_AUTH_MALFORMED_TOKEN"
	AuthInvalidToken   ErrorCode = "GATEWAY_AUTH_INVALID_SIGNATURE"
	AuthExpired        ErrorCode = "GATEWAY_AUTH_EXPIRED"
	AuthUnavailable    ErrorCode = "GATEWAY_AUTH_UNAVAILABLE"
	RateLimitExceeded  ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	BodyTooLarge       ErrorCode = "GATEWAY_BODY_TOO_LARGE"
	RequestCancelled   ErrorCode = "GATEWAY_REQUEST_CANCELLED"
	InternalError      ErrorCode = "GATEWAY_INTERNAL_ERROR"
)

// Codes lists every error code.
var Codes = []ErrorCode{
	RouteNotFound, MethodNotAllowed,
	AuthMissingToken, AuthMalformedToken, AuthInvalidToken, AuthExpired, AuthUnavailable,
	RateLimitExceeded, BodyTooLarge, RequestCancelled, InternalError,
}

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the hottest rejections. They carry no
// request_id since that varies per request.
var (
	preRouteNotFound     = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing authorization header")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request ID from the
// X-Request-ID header is included when present; r may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no matching route":
		return preRouteNotFound
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing authorization header":
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}
