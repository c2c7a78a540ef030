package dto

// APIError represents a structured error response.
// All error responses from the API use this format for consistency.
type APIError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

// Common error codes
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeInternalError = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeConflict      = "conflict"
)

// NewAPIError creates a new APIError with the given code and message.
func NewAPIError(code, message string) APIError {
	return APIError{
		Code:    code,
		Message: message,
	}
}

// NotFoundError creates a not found error response.
func NotFoundError(message string) APIError {
	return NewAPIError(ErrCodeNotFound, message)
}

// BadRequestError creates a bad request error response.
func BadRequestError(message string) APIError {
	return NewAPIError(ErrCodeBadRequest, message)
}

// InternalError creates an internal server error response.
func InternalError() APIError {
	return NewAPIError(ErrCodeInternalError, "an internal error occurred")
}

// ValidationError creates a validation error response.
func ValidationError(message string) APIError {
	return NewAPIError(ErrCodeValidation, message)
}

// UnauthorizedError creates an authentication error response.
func UnauthorizedError(message string) APIError {
	return NewAPIError(ErrCodeUnauthorized, message)
}

// ConflictError creates a conflict error response.
func ConflictError(message string) APIError {
	return NewAPIError(ErrCodeConflict, message)
}
