package authapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/billmanager/billmanager/services/auth"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

// resetRequestedMessage is returned whether or not the email exists; the
// endpoint must not reveal which addresses are registered.
const resetRequestedMessage = "If this email is registered, a reset link has been sent."

const verificationRequestedMessage = "If this email exists and is unverified, a new link has been sent."

// ForgotPassword starts the email-based password reset. The response is the
// same for known and unknown addresses; only delivery failures for a real
// account surface as errors.
func (h *Handler) ForgotPassword(c echo.Context) error {
	var req emailRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" {
		return respondError(c, http.StatusBadRequest, "email is required")
	}

	user, err := h.users.GetUserByEmail(req.Email)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return respondData(c, http.StatusOK, map[string]any{"message": resetRequestedMessage})
		}
		h.logger.Error("forgot-password lookup failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	token, err := h.users.IssuePasswordReset(user)
	if err != nil {
		h.logger.Error("failed to issue reset token", zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	if err := h.sender.SendPasswordReset(user.Email, user.Username, token); err != nil {
		h.logger.Error("failed to send reset email", zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusBadGateway, "failed to send reset email")
	}

	return respondData(c, http.StatusOK, map[string]any{"message": resetRequestedMessage})
}

// ResetPassword redeems a reset token for a new password and revokes every
// outstanding refresh token, signing the account out everywhere.
func (h *Handler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" || req.NewPassword == "" {
		return respondError(c, http.StatusBadRequest, "token and new password are required")
	}

	user, err := h.users.CompletePasswordReset(req.Token, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrResetTokenInvalid):
			return respondError(c, http.StatusBadRequest, "invalid or expired reset token")
		default:
			// Policy violations carry their own message.
			return respondError(c, http.StatusBadRequest, err.Error())
		}
	}

	if err := h.refresh.RevokeAllForUser(user.ID); err != nil {
		h.logger.Error("failed to revoke tokens after password reset",
			zap.Uint("user_id", user.ID), zap.Error(err))
	}

	return respondData(c, http.StatusOK, map[string]any{
		"message": "password reset, sign in with your new password",
	})
}

// VerifyEmail redeems an email verification token.
func (h *Handler) VerifyEmail(c echo.Context) error {
	var req verifyEmailRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return respondError(c, http.StatusBadRequest, "token is required")
	}

	if _, err := h.users.VerifyEmail(req.Token); err != nil {
		if errors.Is(err, auth.ErrVerifyTokenInvalid) {
			return respondError(c, http.StatusBadRequest, "invalid or expired verification token")
		}
		h.logger.Error("email verification failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	return respondData(c, http.StatusOK, map[string]any{"message": "email verified"})
}

// ResendVerification mints a fresh verification token for an unverified
// address. Unknown and already-verified addresses get the same answer.
func (h *Handler) ResendVerification(c echo.Context) error {
	var req emailRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" {
		return respondError(c, http.StatusBadRequest, "email is required")
	}

	user, err := h.users.GetUserByEmail(req.Email)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return respondData(c, http.StatusOK, map[string]any{"message": verificationRequestedMessage})
		}
		h.logger.Error("resend-verification lookup failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	token, err := h.users.IssueEmailVerification(user)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadyVerified) {
			return respondData(c, http.StatusOK, map[string]any{"message": verificationRequestedMessage})
		}
		h.logger.Error("failed to issue verification token",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	if err := h.sender.SendEmailVerification(user.Email, user.Username, token); err != nil {
		h.logger.Error("failed to send verification email",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusBadGateway, "failed to send verification email")
	}

	return respondData(c, http.StatusOK, map[string]any{"message": verificationRequestedMessage})
}

// AdminRevokeUserSessions force-signs a user out everywhere. Admin only.
func (h *Handler) AdminRevokeUserSessions(c echo.Context) error {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid user id")
	}

	if _, err := h.users.GetUser(uint(userID)); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return respondError(c, http.StatusNotFound, "user not found")
		}
		h.logger.Error("admin revoke lookup failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	if err := h.refresh.RevokeAllForUser(uint(userID)); err != nil {
		h.logger.Error("admin revoke failed", zap.Uint("user_id", uint(userID)), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	return respondData(c, http.StatusOK, map[string]any{"message": "user sessions revoked"})
}
