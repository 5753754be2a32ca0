package oserver

import "fmt"

// RFC 6749 error codes surfaced to clients.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
)

// Error is the machine-readable OAuth error shape. It carries no
// internal detail: storage and crypto failures are logged server-side
// and mapped to ErrorCodeServerError before they reach a client.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds an OAuth error with a formatted description.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// invalidGrant is the uniform grant failure. The description is
// intentionally generic so a caller cannot distinguish an unknown
// token from a detected replay.
func invalidGrant() *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: "invalid, expired, or revoked grant"}
}

func invalidClient() *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: "client authentication failed"}
}
