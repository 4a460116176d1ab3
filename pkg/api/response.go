package api

import "fmt"

// ResponseCode classifies the outcome of an RPC.
type ResponseCode string

const (
	CodeOK             ResponseCode = "OK"
	CodeInvalidRequest ResponseCode = "INVALID_REQUEST"
	CodeAuthFailed     ResponseCode = "AUTH_FAILED"
	CodeError          ResponseCode = "ERROR"
	CodeWarning        ResponseCode = "WARNING"
)

// Response is the uniform RPC reply: a code, an operator-safe message, and
// an optional typed result. No stack traces cross the wire.
type Response struct {
	Code    ResponseCode
	Message string
	Result  interface{}
}

func ok(result interface{}, format string, args ...interface{}) *Response {
	return &Response{Code: CodeOK, Message: fmt.Sprintf(format, args...), Result: result}
}

func invalidRequest(format string, args ...interface{}) *Response {
	return &Response{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func authFailed(err error) *Response {
	return &Response{Code: CodeAuthFailed, Message: err.Error()}
}

func internalError(err error) *Response {
	return &Response{Code: CodeError, Message: err.Error()}
}

func warning(format string, args ...interface{}) *Response {
	return &Response{Code: CodeWarning, Message: fmt.Sprintf(format, args...)}
}
