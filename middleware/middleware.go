// Package middleware provides server.Middleware implementations.
//
// Handlers run on the loop and may reply after they return, so middleware that
// cares about the outcome hooks the reply with Request.WrapReply instead of
// inspecting a return value.
package middleware

import "looprpc/server"

// Chain combines middlewares into one. Chain(A, B, C)(h) is A(B(C(h))):
// A runs first on the way in.
func Chain(middlewares ...server.Middleware) server.Middleware {
	return func(next server.Handler) server.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
