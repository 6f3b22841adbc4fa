package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// OperatorKey is the echo context key holding the authenticated operator name.
const OperatorKey = "operator"

// AdminAuthConfig holds configuration for the admin token middleware.
type AdminAuthConfig struct {
	Logger *slog.Logger

	// Tokens maps operator names to their bearer tokens.
	Tokens map[string]string
}

// AdminAuth guards operational endpoints with static bearer tokens.
// With no tokens configured every request is rejected.
func AdminAuth(config AdminAuthConfig) echo.MiddlewareFunc {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return respondUnauthorized(c)
			}

			for operator, expected := range config.Tokens {
				if expected != "" && ConstantTimeCompare(token, expected) {
					c.Set(OperatorKey, operator)
					return next(c)
				}
			}

			config.Logger.WarnContext(c.Request().Context(), "rejected admin request",
				slog.String("path", c.Request().URL.Path),
				slog.String("remote_ip", c.RealIP()),
			)
			return respondUnauthorized(c)
		}
	}
}

// GetOperator returns the operator authenticated by AdminAuth.
func GetOperator(c echo.Context) string {
	if op, ok := c.Get(OperatorKey).(string); ok {
		return op
	}
	return ""
}

// ConstantTimeCompare performs a constant-time comparison of two strings.
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func respondUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{
		"success": false,
		"error": map[string]any{
			"code":      "UNAUTHORIZED",
			"message":   "Authentication required",
			"retryable": false,
		},
	})
}
