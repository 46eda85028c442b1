package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Sandbox & execution errors
// 21000-21999: Build & artifact errors
// 22000-22999: Flow & collection lookup errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Cache & lock errors (10200-10299)
	CacheError         ErrorCode = 10200
	LockFailed         ErrorCode = 10203
	LockAcquireTimeout ErrorCode = 10204

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError ErrorCode = 10400
	FileNotFound ErrorCode = 10401

	// ========== Sandbox & Execution Errors (20000-20999) ==========

	SandboxError      ErrorCode = 20000
	EngineBusy        ErrorCode = 20001
	ExecutionFailed   ErrorCode = 20002
	TokenSignFailed   ErrorCode = 20003
	OutputParseFailed ErrorCode = 20004

	// ========== Build & Artifact Errors (21000-21999) ==========

	BuildFailed     ErrorCode = 21000
	InvalidArtifact ErrorCode = 21001
	ArchiveInvalid  ErrorCode = 21002

	// ========== Flow & Collection Errors (22000-22999) ==========

	FlowVersionNotFound       ErrorCode = 22000
	CollectionVersionNotFound ErrorCode = 22001
	RunNotFound               ErrorCode = 22002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",

	// Cache & lock
	CacheError:         "Cache operation failed",
	LockFailed:         "Failed to acquire lock",
	LockAcquireTimeout: "Could not acquire lock in time",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError: "Object storage operation failed",
	FileNotFound: "File not found",

	// Sandbox
	SandboxError:      "Sandbox operation failed",
	EngineBusy:        "All workers are busy, please try again later",
	ExecutionFailed:   "Execution failed",
	TokenSignFailed:   "Failed to sign worker token",
	OutputParseFailed: "Failed to parse execution output",

	// Build
	BuildFailed:     "Failed to build code artifact",
	InvalidArtifact: "Invalid code artifact",
	ArchiveInvalid:  "Invalid source archive",

	// Flow
	FlowVersionNotFound:       "Flow version not found",
	CollectionVersionNotFound: "Collection version not found",
	RunNotFound:               "Flow run not found",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == FileNotFound, c == RunNotFound,
		c == FlowVersionNotFound, c == CollectionVersionNotFound:
		return 404
	case c == TooManyRequests, c == EngineBusy:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout, c == LockAcquireTimeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidArtifact, c == ArchiveInvalid:
		return 400
	default:
		return 500
	}
}
