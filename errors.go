package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrorKind classifies failures for translation at the HTTP boundary.
type ErrorKind string

const (
	ValidationError     ErrorKind = "validation"
	AuthenticationError ErrorKind = "authentication"
	AuthorizationError  ErrorKind = "authorization"
	NotFoundError       ErrorKind = "not_found"
	CapacityError       ErrorKind = "capacity"
	UpstreamError       ErrorKind = "upstream"
	RateLimitError      ErrorKind = "rate_limit"
	InternalError       ErrorKind = "internal"
)

// APIError is the body of every error response.
type APIError struct {
	Kind        ErrorKind `json:"-"`
	Status      int       `json:"-"`
	Code        string    `json:"error"`
	Description string    `json:"error_description"`
	cause       error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return e.Code + ": " + e.Description
}

func (e *APIError) Unwrap() error { return e.cause }

func errMalformed(desc string) *APIError {
	return &APIError{Kind: ValidationError, Status: http.StatusBadRequest, Code: "Invalid request", Description: desc}
}

func errInvalid(code, desc string) *APIError {
	return &APIError{Kind: ValidationError, Status: http.StatusUnprocessableEntity, Code: code, Description: desc}
}

func errUnauthorized(desc string) *APIError {
	return &APIError{Kind: AuthenticationError, Status: http.StatusUnauthorized, Code: "Unauthorized", Description: desc}
}

func errForbidden(desc string) *APIError {
	return &APIError{Kind: AuthorizationError, Status: http.StatusForbidden, Code: "Forbidden", Description: desc}
}

func errNotFound(desc string) *APIError {
	return &APIError{Kind: NotFoundError, Status: http.StatusNotFound, Code: "Not found", Description: desc}
}

func errCallFull() *APIError {
	return &APIError{Kind: CapacityError, Status: http.StatusForbidden, Code: "Call is full",
		Description: "This call already has two participants. Ask the integration for a new link."}
}

func errUpstream(cause error) *APIError {
	return &APIError{Kind: UpstreamError, Status: http.StatusBadGateway, Code: "Bad gateway",
		Description: "The video provider could not complete the request", cause: cause}
}

func errRateLimited() *APIError {
	return &APIError{Kind: RateLimitError, Status: http.StatusTooManyRequests, Code: "Too many requests",
		Description: "Rate limit exceeded"}
}

func errInternal(cause error) *APIError {
	return &APIError{Kind: InternalError, Status: http.StatusInternalServerError, Code: "Internal server error",
		Description: "An error occured", cause: cause}
}

// isKind reports whether err is an *APIError of the given kind.
func isKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:        code,
		Description: message,
	})
}

// writeAPIError translates err into a response. Anything that is not an
// *APIError becomes a 500 and only its log line carries the detail.
func (a *App) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = errInternal(err)
	}
	if apiErr.Status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, apiErr.Status, apiErr.Code, apiErr.Description)
}
