package ratelimit

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"

	xhttp "SettleGuard/pkg/http"
)

// Middleware rejects a client with 429 once its bucket is empty. Clients are
// keyed by echo's RealIP.
func Middleware(l *Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if l.Allow(key) {
				return next(c)
			}
			appErr := xhttp.TooManyRequestsError("rate limit exceeded")
			if wait := l.RetryAfter(key); wait > 0 {
				secs := int(math.Ceil(wait.Seconds()))
				c.Response().Header().Set(echo.HeaderRetryAfter, strconv.Itoa(secs))
				appErr = appErr.WithParam("retryAfterSeconds", secs)
			}
			return xhttp.TooManyRequestsResponse(c, []*xhttp.AppError{appErr})
		}
	}
}
