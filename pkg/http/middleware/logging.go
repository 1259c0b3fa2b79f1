package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "SettleGuard/pkg/logger"
)

// RequestLogging logs HTTP requests. 5xx responses are logged as errors.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = applogger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("route", c.Path()),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", res.Status),
				applogger.Duration("duration_ms", time.Since(start)),
			}
			if res.Status >= 500 {
				if err != nil {
					fields = append(fields, applogger.Error(err))
				}
				l.Error("http request failed", fields...)
			} else {
				l.Debug("http request", fields...)
			}

			return nil
		}
	}
}
