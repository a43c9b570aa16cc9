package protocol

// Error codes carried by ErrorResponse.
const (
	ErrorCodeBadArgument  = "BadArgument"
	ErrorCodeBadSyntax    = "BadSyntax"
	ErrorCodeNotFound     = "NotFound"
	ErrorCodeConflict     = "Conflict"
	ErrorCodeServiceError = "ServiceError"
)

// Error is the body of a failed protocol call.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps Error the way the channel protocol does on the wire.
type ErrorResponse struct {
	Error Error `json:"error"`
}

// NewErrorResponse builds an ErrorResponse.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Error: Error{Code: code, Message: message}}
}
