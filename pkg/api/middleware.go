package api

import (
	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/log"
)

// Middleware wraps every RPC handler. Middlewares compose in order: the
// first in the list sees the call first.
type Middleware func(op string, next func() *Response) *Response

// applyMiddleware folds the pipeline around a handler invocation.
func applyMiddleware(mw []Middleware, op string, handler func() *Response) *Response {
	invoke := handler
	for i := len(mw) - 1; i >= 0; i-- {
		m := mw[i]
		inner := invoke
		invoke = func() *Response {
			return m(op, inner)
		}
	}
	return invoke()
}

// LoggingMiddleware logs every RPC with its outcome and duration.
func LoggingMiddleware(clk clock.Clock) Middleware {
	logger := log.WithComponent("api")
	return func(op string, next func() *Response) *Response {
		start := clk.Now()
		resp := next()
		evt := logger.Info()
		if resp.Code != CodeOK {
			evt = logger.Warn()
		}
		evt.Str("op", op).
			Str("code", string(resp.Code)).
			Dur("duration", clk.Now().Sub(start)).
			Msg(resp.Message)
		return resp
	}
}

// RecoverMiddleware converts an unanticipated panic into an ERROR response
// instead of taking the scheduler down with the RPC.
func RecoverMiddleware() Middleware {
	logger := log.WithComponent("api")
	return func(op string, next func() *Response) (resp *Response) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("op", op).Interface("panic", r).Msg("RPC handler panicked")
				resp = &Response{Code: CodeError, Message: "internal scheduler error"}
			}
		}()
		return next()
	}
}
