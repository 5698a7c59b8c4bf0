package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const (
	// OperatorKeyHeader carries the admin API key.
	OperatorKeyHeader = "X-Operator-Key"
	// OperatorHeader optionally names the operator for audit fields.
	OperatorHeader = "X-Operator"
)

// RequireOperatorKey returns a middleware that only lets requests carrying the
// configured operator key through. An empty key rejects every request.
func RequireOperatorKey(apiKey string) echo.MiddlewareFunc {
	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		KeyLookup: "header:" + OperatorKeyHeader,
		Validator: func(key string, c echo.Context) (bool, error) {
			if apiKey == "" {
				return false, nil
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				return false, nil
			}
			operator := c.Request().Header.Get(OperatorHeader)
			if operator == "" {
				operator = "operator"
			}
			c.Set("operator", operator)
			return true, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return &echo.HTTPError{Code: http.StatusUnauthorized, Message: "Unauthorized", Internal: err}
		},
	})
}

// Operator returns the operator name set by RequireOperatorKey.
func Operator(c echo.Context) string {
	if v, ok := c.Get("operator").(string); ok {
		return v
	}
	return ""
}
