package types

// Error codes used in API error bodies.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeCommFailure    = "comm_failure"
	CodeNotAvailable   = "not_available"
	CodeDeviceError    = "device_error"
	CodeReadOnly       = "read_only"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeInternal       = "internal_error"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
