// Package api defines the structured, user-safe error payload shared by the
// HTTP surfaces, and the mapping from internal errors onto it. Security and
// capacity errors surface with their real cause; internal and transport
// errors are sanitized before reaching any external caller.
package api

import (
	"errors"
	"net/http"

	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
	"github.com/TommyKammy/ai-orchestrator/pkg/sandbox"
	"github.com/TommyKammy/ai-orchestrator/pkg/session"
)

// Error is the wire shape of every error returned to callers.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an Error for JSON responses.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  Error  `json:"error"`
}

// NewErrorResponse builds an ErrorResponse.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Status: "error", Error: Error{Code: code, Message: message}}
}

// FromError maps an internal error to an HTTP status and a user-safe
// payload. Unrecognized errors collapse to a generic internal error; their
// detail belongs in the server log, not the response.
func FromError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return http.StatusBadRequest, NewErrorResponse("UNSUPPORTED_LANGUAGE", err.Error())
	case errors.Is(err, sandbox.ErrPathSecurity):
		return http.StatusBadRequest, NewErrorResponse("PATH_SECURITY", err.Error())
	case errors.Is(err, sandbox.ErrFileSize), errors.Is(err, persistence.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, NewErrorResponse("FILE_TOO_LARGE", err.Error())
	case errors.Is(err, session.ErrCapacity):
		return http.StatusTooManyRequests, NewErrorResponse("CAPACITY", err.Error())
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, persistence.ErrSessionNotFound):
		return http.StatusNotFound, NewErrorResponse("SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, sandbox.ErrExecTimeout):
		return http.StatusRequestTimeout, NewErrorResponse("EXECUTION_TIMEOUT", err.Error())
	case errors.Is(err, sandbox.ErrProvision):
		return http.StatusInternalServerError, NewErrorResponse("PROVISION_FAILED", "sandbox could not be provisioned")
	default:
		return http.StatusInternalServerError, NewErrorResponse("INTERNAL", "internal error")
	}
}
