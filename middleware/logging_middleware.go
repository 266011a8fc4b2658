package middleware

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"looprpc/server"
	"looprpc/status"
)

// Logging logs every reply with the time the request took to answer.
// Successful replies log at V(1), failures at the default level.
func Logging(log logr.Logger) server.Middleware {
	return func(next server.Handler) server.Handler {
		return func(req *server.Request) {
			start := req.Loop().Now()
			req.WrapReply(func(reply server.ReplyFunc) server.ReplyFunc {
				return func(code status.Code, payload []byte) error {
					err := reply(code, payload)
					kv := []any{
						"method", req.Method,
						"id", req.ID,
						"peer", fmt.Sprintf("%x", req.Peer),
						"code", code.String(),
						"duration", req.Loop().Now().Sub(start).Round(time.Microsecond),
					}
					if err != nil {
						log.Error(err, "Reply failed", kv...)
					} else if code != status.OK {
						log.Info("Request failed", kv...)
					} else {
						log.V(1).Info("Request served", kv...)
					}
					return err
				}
			})
			if req.Notification {
				log.V(2).Info("Notification", "method", req.Method)
			}
			next(req)
		}
	}
}
