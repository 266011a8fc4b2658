package middleware

import (
	"golang.org/x/time/rate"

	"looprpc/server"
	"looprpc/status"
)

// RateLimit admits r requests per second with bursts of burst, using a token
// bucket read against the loop's clock. Refused requests are answered
// AdmissionRefused; refused notifications are dropped.
func RateLimit(r float64, burst int) server.Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next server.Handler) server.Handler {
		return func(req *server.Request) {
			if !limiter.AllowN(req.Loop().Now(), 1) {
				if !req.Notification {
					req.Reply(status.AdmissionRefused, nil)
				}
				return
			}
			next(req)
		}
	}
}
