package middleware

import (
	"time"

	"looprpc/server"
	"looprpc/status"
)

// Timeout answers TimedOut for any request its handler has not replied to
// within d. A late reply from the handler then fails with InvalidArgument.
func Timeout(d time.Duration) server.Middleware {
	return func(next server.Handler) server.Handler {
		return func(req *server.Request) {
			if req.Notification {
				next(req)
				return
			}
			timer := req.Loop().AfterFunc(d, func() {
				if !req.Replied() {
					req.Reply(status.TimedOut, nil)
				}
			})
			req.WrapReply(func(reply server.ReplyFunc) server.ReplyFunc {
				return func(code status.Code, payload []byte) error {
					timer.Stop()
					return reply(code, payload)
				}
			})
			next(req)
		}
	}
}
