// Package apperr defines the error taxonomy shared by the gateway and the
// export API, and renders the JSON error envelope both services emit.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"
)

// Code classifies an error for API clients.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeDatabase     Code = "DATABASE_ERROR"
	CodeExport       Code = "EXPORT_ERROR"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// HTTPStatus maps the code to the response status it is served with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error. The stack is captured at creation
// and only rendered into responses in development mode.
type Error struct {
	Code    Code
	Message string
	Stack   string

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.err }

// New builds a classified error without a wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: string(debug.Stack())}
}

// Wrap classifies an existing error, keeping the cause reachable via Unwrap.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: string(debug.Stack()), err: err}
}

// From coerces err into an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeInternal, "internal server error")
}

const jsonContentType = "application/json; charset=utf-8"

// Body renders the {"error":{...}} envelope. The stack trace field is
// attached only when includeStack is set.
func Body(e *Error, includeStack bool) []byte {
	body := []byte(`{"error":{}}`)
	body, _ = sjson.SetBytes(body, "error.message", e.Message)
	body, _ = sjson.SetBytes(body, "error.code", string(e.Code))
	if includeStack && e.Stack != "" {
		body, _ = sjson.SetBytes(body, "error.stack", e.Stack)
	}
	return body
}

// WriteJSON emits the error envelope on c and aborts the handler chain. It
// clears any previously staged download headers so an early export failure
// reads as a plain JSON error. Emission is best effort: once the response is
// committed the caller must abort the connection instead of calling this.
func WriteJSON(c *gin.Context, e *Error, includeStack bool) {
	header := c.Writer.Header()
	header.Set("Content-Type", jsonContentType)
	header.Del("Content-Disposition")
	c.Data(e.Code.HTTPStatus(), jsonContentType, Body(e, includeStack))
	c.Abort()
}
