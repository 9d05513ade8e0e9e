package authapi

import (
	"errors"
	"net/http"
	"time"

	jwtmw "github.com/billmanager/billmanager/middleware/jwt"
	"github.com/billmanager/billmanager/services/auth"
	"github.com/billmanager/billmanager/services/refreshtoken"
	"github.com/labstack/echo/v4"
	"github.com/mileusna/useragent"
	"go.uber.org/zap"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	ChangeToken string `json:"change_token"`
	NewPassword string `json:"new_password"`
}

// Login authenticates with username and password. Three outcomes: tokens,
// a password-change gate or a second-factor gate. The two gates are 403
// with discriminator fields, never a success response.
func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return respondError(c, http.StatusBadRequest, "username and password are required")
	}

	user, err := h.users.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return respondError(c, http.StatusUnauthorized, "invalid credentials")
		}
		h.logger.Error("login failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	if user.PasswordChangeRequired {
		changeToken, err := h.users.IssueChangeToken(user)
		if err != nil {
			h.logger.Error("failed to issue change token",
				zap.Uint("user_id", user.ID), zap.Error(err))
			return respondError(c, http.StatusInternalServerError, "internal error")
		}
		return respondPasswordChangeRequired(c, changeToken)
	}

	return h.finishLogin(c, user)
}

// finishLogin applies the 2FA gate and, when clear, issues the token pair.
// OIDC callbacks funnel through here as well so both entry points share one
// gate.
func (h *Handler) finishLogin(c echo.Context, user *auth.User) error {
	required, err := h.twofa.Required(user.ID)
	if err != nil {
		h.logger.Error("2FA lookup failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	if required {
		sessionToken, methods, err := h.twofa.Open(user.ID)
		if err != nil {
			h.logger.Error("failed to open 2FA session",
				zap.Uint("user_id", user.ID), zap.Error(err))
			return respondError(c, http.StatusInternalServerError, "internal error")
		}
		return respondTwoFARequired(c, sessionToken, methods)
	}

	return h.issueTokens(c, user)
}

// issueTokens builds the success payload: token pair, profile and workspace
// list, with the refresh token mirrored into the scoped cookie.
func (h *Handler) issueTokens(c echo.Context, user *auth.User) error {
	accessToken, err := h.jwt.GenerateAccessToken(user.ID, user.Role)
	if err != nil {
		h.logger.Error("failed to issue access token",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	refreshData, err := h.refresh.Generate(user.ID, deviceInfo(c))
	if err != nil {
		h.logger.Error("failed to issue refresh token",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	workspaces, err := h.users.WorkspacesForUser(user.ID)
	if err != nil {
		h.logger.Error("failed to load workspaces",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	h.setRefreshCookie(c, refreshData.Token, refreshData.ExpiresAt)

	return respondData(c, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshData.Token,
		"token_type":    "Bearer",
		"expires_in":    h.jwt.AccessExpirySeconds(),
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
			"role":     user.Role,
		},
		"databases": workspaces,
	})
}

// Refresh rotates the presented refresh token for a fresh pair. The token
// arrives in the body or, when the body omits it, the scoped cookie.
func (h *Handler) Refresh(c echo.Context) error {
	token := h.refreshTokenFrom(c)
	if token == "" {
		return respondError(c, http.StatusBadRequest, "refresh token required")
	}

	record, err := h.refresh.Validate(token)
	if err != nil {
		h.clearRefreshCookie(c)
		return respondError(c, http.StatusUnauthorized, "invalid refresh token")
	}

	user, err := h.users.GetUser(record.UserID)
	if err != nil {
		h.clearRefreshCookie(c)
		return respondError(c, http.StatusUnauthorized, "invalid refresh token")
	}

	result, err := h.refresh.Rotate(token, h.jwt, user.Role)
	if err != nil {
		// A revoked token here usually means replay of an already-rotated
		// credential; the validate above passed moments ago.
		if errors.Is(err, refreshtoken.ErrTokenRevoked) {
			h.logger.Warn("refresh token replay detected", zap.Uint("user_id", user.ID))
		}
		h.clearRefreshCookie(c)
		return respondError(c, http.StatusUnauthorized, "invalid refresh token")
	}

	h.setRefreshCookie(c, result.RefreshToken, result.ExpiresAt)

	return respondData(c, http.StatusOK, map[string]any{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    h.jwt.AccessExpirySeconds(),
	})
}

// Logout revokes the presented refresh token. Revocation is idempotent so a
// stale or already-revoked token still logs out cleanly.
func (h *Handler) Logout(c echo.Context) error {
	token := h.refreshTokenFrom(c)
	if token != "" {
		if err := h.refresh.Revoke(token); err != nil &&
			!errors.Is(err, refreshtoken.ErrTokenNotFound) {
			h.logger.Error("logout revocation failed", zap.Error(err))
			return respondError(c, http.StatusInternalServerError, "internal error")
		}
	}

	h.clearRefreshCookie(c)
	return respondData(c, http.StatusOK, map[string]any{"message": "logged out"})
}

// LogoutAll revokes every refresh token the authenticated user holds.
func (h *Handler) LogoutAll(c echo.Context) error {
	userID := jwtmw.GetUserID(c)
	if err := h.refresh.RevokeAllForUser(userID); err != nil {
		h.logger.Error("logout-all failed", zap.Uint("user_id", userID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	h.clearRefreshCookie(c)
	return respondData(c, http.StatusOK, map[string]any{"message": "logged out everywhere"})
}

// ChangePassword completes the forced-change flow started at login. Success
// revokes all outstanding refresh tokens and issues a fresh pair.
func (h *Handler) ChangePassword(c echo.Context) error {
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.ChangeToken == "" || req.NewPassword == "" {
		return respondError(c, http.StatusBadRequest, "change token and new password are required")
	}

	user, err := h.users.CompletePasswordChange(req.ChangeToken, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrChangeTokenInvalid):
			return respondError(c, http.StatusUnauthorized, "invalid or expired change token")
		default:
			// Policy violations carry their own message.
			return respondError(c, http.StatusBadRequest, err.Error())
		}
	}

	if err := h.refresh.RevokeAllForUser(user.ID); err != nil {
		h.logger.Error("failed to revoke tokens after password change",
			zap.Uint("user_id", user.ID), zap.Error(err))
	}

	return h.finishLogin(c, user)
}

func (h *Handler) refreshTokenFrom(c echo.Context) string {
	var req refreshRequest
	if err := c.Bind(&req); err == nil && req.RefreshToken != "" {
		return req.RefreshToken
	}
	if cookie, err := c.Cookie(h.config.RefreshToken.CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (h *Handler) setRefreshCookie(c echo.Context, token string, expiresAt time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     h.config.RefreshToken.CookieName,
		Value:    token,
		Path:     h.config.RefreshToken.CookiePath,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.config.App.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearRefreshCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     h.config.RefreshToken.CookieName,
		Value:    "",
		Path:     h.config.RefreshToken.CookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.App.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func deviceInfo(c echo.Context) string {
	uaString := c.Request().UserAgent()
	if uaString == "" {
		return "Unknown Device"
	}

	ua := useragent.Parse(uaString)
	if ua.Name == "" {
		return "Unknown Device"
	}
	info := ua.Name
	if ua.Version != "" {
		info += " " + ua.Version
	}
	if ua.OS != "" {
		info += " on " + ua.OS
	}
	return info
}
