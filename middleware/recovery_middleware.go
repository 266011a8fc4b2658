package middleware

import (
	"fmt"

	"github.com/go-logr/logr"

	"looprpc/server"
	"looprpc/status"
)

// Recovery turns a handler panic into an Internal reply so one bad request
// does not take down the loop.
func Recovery(log logr.Logger) server.Middleware {
	return func(next server.Handler) server.Handler {
		return func(req *server.Request) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.Error(fmt.Errorf("%v", r), "Handler panicked", "method", req.Method, "id", req.ID)
				if !req.Notification && !req.Replied() {
					req.Reply(status.Internal, nil)
				}
			}()
			next(req)
		}
	}
}
