package apierr

import (
	"fmt"
	"net/http"
)

// --- Common ---

func InvalidRequestBody() *Error {
	return New(CodeInvalidRequestBody, http.StatusBadRequest, "Invalid request body")
}

func InvalidID(entity string) *Error {
	return New(CodeInvalidID, http.StatusBadRequest, "Invalid "+entity+" ID")
}

func InternalError(cause error) *Error {
	return Wrap(CodeInternalError, http.StatusInternalServerError, "Internal server error", cause)
}

// --- Zone ---

func ZoneNotFound() *Error {
	return New(CodeZoneNotFound, http.StatusNotFound, "Zone not found")
}

func InvalidZoneID() *Error {
	return New(CodeInvalidZoneID, http.StatusBadRequest, "Invalid zone ID")
}

// --- Session ---

func SessionNotFound() *Error {
	return New(CodeSessionNotFound, http.StatusNotFound, "Session not found")
}

func InvalidSessionID() *Error {
	return New(CodeInvalidSessionID, http.StatusBadRequest, "Invalid session ID")
}

func SessionCreateFailed(cause error) *Error {
	return Wrap(CodeSessionCreateFailed, http.StatusInternalServerError, "Failed to create session", cause)
}

func SessionListFailed(cause error) *Error {
	return Wrap(CodeSessionListFailed, http.StatusInternalServerError, "Failed to list sessions", cause)
}

func SessionNotCancellable(status string) *Error {
	return New(CodeSessionNotCancellable, http.StatusConflict,
		"Session in status '"+status+"' can no longer be cancelled")
}

func SessionEnqueueFailed(cause error) *Error {
	return Wrap(CodeSessionEnqueueFailed, http.StatusInternalServerError, "Failed to enqueue session job", cause)
}

func ResultNotReady(status string) *Error {
	return New(CodeResultNotReady, http.StatusConflict,
		"Session in status '"+status+"' has no result yet")
}

func ResultQueryFailed(cause error) *Error {
	return Wrap(CodeResultQueryFailed, http.StatusInternalServerError, "Failed to load session result", cause)
}

// --- Session config validation ---

func SampleSizeTooLarge(max int) *Error {
	return New(CodeSampleSizeTooLarge, http.StatusBadRequest,
		fmt.Sprintf("sample_size must be at most %d", max))
}

func SampleSizeTooSmall(min int) *Error {
	return New(CodeSampleSizeTooSmall, http.StatusBadRequest,
		fmt.Sprintf("sample_size must be at least %d", min))
}

func InvalidDateRange() *Error {
	return New(CodeInvalidDateRange, http.StatusBadRequest, "date_from must be before date_to")
}

func InvalidSamplePolicy() *Error {
	return New(CodeInvalidSamplePolicy, http.StatusBadRequest, "sample_policy must be one of: recent, uniform")
}

// --- Health ---

func DatabaseNotReady() *Error {
	return New(CodeDatabaseNotReady, http.StatusServiceUnavailable, "Database not ready")
}
