package apierr

// Code is a machine-readable error code returned in API responses.
type Code string

// Common errors.
const (
	CodeInvalidRequestBody Code = "INVALID_REQUEST_BODY"
	CodeInvalidID          Code = "INVALID_ID"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeNotImplemented     Code = "NOT_IMPLEMENTED"
)

// Zone errors.
const (
	CodeZoneNotFound   Code = "ZONE_NOT_FOUND"
	CodeInvalidZoneID  Code = "INVALID_ZONE_ID"
	CodeZoneListFailed Code = "ZONE_LIST_FAILED"
)

// Session errors.
const (
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeInvalidSessionID     Code = "INVALID_SESSION_ID"
	CodeSessionCreateFailed  Code = "SESSION_CREATE_FAILED"
	CodeSessionListFailed    Code = "SESSION_LIST_FAILED"
	CodeSessionNotCancellable Code = "SESSION_NOT_CANCELLABLE"
	CodeSessionEnqueueFailed Code = "SESSION_ENQUEUE_FAILED"
	CodeResultNotReady       Code = "RESULT_NOT_READY"
	CodeResultQueryFailed    Code = "RESULT_QUERY_FAILED"
)

// Session config validation errors.
const (
	CodeSampleSizeTooLarge Code = "SAMPLE_SIZE_TOO_LARGE"
	CodeSampleSizeTooSmall Code = "SAMPLE_SIZE_TOO_SMALL"
	CodeInvalidDateRange   Code = "INVALID_DATE_RANGE"
	CodeInvalidSamplePolicy Code = "INVALID_SAMPLE_POLICY"
)

// Health errors.
const (
	CodeDatabaseNotReady Code = "DATABASE_NOT_READY"
)
