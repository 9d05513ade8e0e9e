package authapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Every response carries the same envelope: {"success": true, "data": ...}
// or {"success": false, "error": "..."}. The two 403 gates (password change
// required, second factor required) extend the failure envelope with their
// discriminator fields so clients can branch without parsing error strings.

func respondData(c echo.Context, status int, data any) error {
	return c.JSON(status, map[string]any{
		"success": true,
		"data":    data,
	})
}

func respondError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func respondPasswordChangeRequired(c echo.Context, changeToken string) error {
	return c.JSON(http.StatusForbidden, map[string]any{
		"success":                  false,
		"error":                    "password change required",
		"password_change_required": true,
		"change_token":             changeToken,
	})
}

func respondTwoFARequired(c echo.Context, sessionToken string, methods []string) error {
	return c.JSON(http.StatusForbidden, map[string]any{
		"success":             false,
		"error":               "two-factor verification required",
		"twofa_required":      true,
		"twofa_session_token": sessionToken,
		"twofa_methods":       methods,
	})
}
