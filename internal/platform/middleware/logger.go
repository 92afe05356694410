package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. The line of a websocket upgrade
// carries the conn_id of the session it opened.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			if rid, ok := c.Get(RequestIDKey).(string); ok {
				evt = evt.Str(RequestIDKey, rid)
			}
			if cid, ok := c.Get(ConnIDKey).(string); ok {
				evt = evt.Str(ConnIDKey, cid)
			}
			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
