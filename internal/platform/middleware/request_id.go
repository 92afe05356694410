package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

// Context keys read by Logger and Recovery.
const (
	RequestIDKey = "request_id"
	// ConnIDKey is set by the websocket handler once the upgrade succeeds.
	ConnIDKey = "conn_id"
)

// RequestID stores the caller's X-Request-ID, or a fresh uuid, under
// RequestIDKey and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(RequestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
