package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// authMiddleware checks the configured static bearer token in constant
// time. With no token configured the API is open; the daemon only
// binds loopback in that case. Websocket clients may carry the token
// as a query parameter since browser WebSocket APIs cannot set headers.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimSpace(s.cfg.AuthToken)
		if token == "" {
			return next(c)
		}
		presented := bearerToken(c.Request().Header.Get("Authorization"))
		if presented == "" {
			presented = strings.TrimSpace(c.QueryParam("token"))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return apiError(http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		}
		return next(c)
	}
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
