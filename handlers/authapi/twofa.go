package authapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	jwtmw "github.com/billmanager/billmanager/middleware/jwt"
	"github.com/billmanager/billmanager/services/mail"
	"github.com/billmanager/billmanager/services/twofa"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type twofaChallengeRequest struct {
	SessionToken string `json:"session_token"`
	Method       string `json:"method"`
}

type twofaVerifyRequest struct {
	SessionToken string          `json:"session_token"`
	Method       string          `json:"method"`
	Code         string          `json:"code"`
	Credential   json.RawMessage `json:"credential"`
}

type twofaSetupConfirmRequest struct {
	SetupToken string `json:"setup_token"`
	Code       string `json:"code"`
}

type twofaRegisterPasskeyRequest struct {
	RegistrationToken string          `json:"registration_token"`
	DeviceName        string          `json:"device_name"`
	Credential        json.RawMessage `json:"credential"`
}

type twofaDisableRequest struct {
	Password     string `json:"password"`
	DisableToken string `json:"disable_token"`
	Code         string `json:"code"`
}

// TwoFAStatus reports which second-factor methods the user has enabled.
func (h *Handler) TwoFAStatus(c echo.Context) error {
	userID := jwtmw.GetUserID(c)

	cfg, err := h.twofa.GetConfig(userID)
	if err != nil {
		h.logger.Error("2FA status failed", zap.Uint("user_id", userID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	remaining, err := h.twofa.RecoveryCodesRemaining(userID)
	if err != nil {
		h.logger.Error("recovery code count failed", zap.Uint("user_id", userID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	status := map[string]any{
		"enabled":                  false,
		"email_otp_enabled":        false,
		"passkey_enabled":          false,
		"recovery_codes_remaining": remaining,
	}
	if cfg != nil {
		status["enabled"] = cfg.IsEnabled()
		status["email_otp_enabled"] = cfg.EmailOTPEnabled
		status["passkey_enabled"] = cfg.PasskeyEnabled
	}
	return respondData(c, http.StatusOK, status)
}

// TwoFASetupEmail sends a test code to prove the account email works before
// the method is enabled.
func (h *Handler) TwoFASetupEmail(c echo.Context) error {
	user, err := h.users.GetUser(jwtmw.GetUserID(c))
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "unknown user")
	}

	setupToken, err := h.twofa.BeginEmailOTPSetup(user)
	if err != nil {
		switch {
		case errors.Is(err, twofa.ErrNoEmail):
			return respondError(c, http.StatusBadRequest, "no email address on account")
		case errors.Is(err, twofa.ErrMailDispatchFailed), errors.Is(err, mail.ErrMailDisabled):
			return respondError(c, http.StatusBadGateway, "failed to send verification code")
		default:
			h.logger.Error("email OTP setup failed", zap.Uint("user_id", user.ID), zap.Error(err))
			return respondError(c, http.StatusInternalServerError, "internal error")
		}
	}

	return respondData(c, http.StatusOK, map[string]any{"setup_token": setupToken})
}

// TwoFASetupEmailConfirm completes email OTP setup. First-time enablement
// returns the plaintext recovery codes; they are never shown again.
func (h *Handler) TwoFASetupEmailConfirm(c echo.Context) error {
	var req twofaSetupConfirmRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}

	recoveryCodes, err := h.twofa.ConfirmEmailOTPSetup(jwtmw.GetUserID(c), req.SetupToken, req.Code)
	if err != nil {
		return h.respondChallengeError(c, err)
	}

	data := map[string]any{"message": "email verification enabled"}
	if recoveryCodes != nil {
		data["recovery_codes"] = recoveryCodes
	}
	return respondData(c, http.StatusOK, data)
}

// TwoFARegenerateRecoveryCodes replaces the stored set and returns the new
// plaintext codes once.
func (h *Handler) TwoFARegenerateRecoveryCodes(c echo.Context) error {
	userID := jwtmw.GetUserID(c)

	enabled, err := h.twofa.Required(userID)
	if err != nil {
		h.logger.Error("2FA lookup failed", zap.Uint("user_id", userID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	if !enabled {
		return respondError(c, http.StatusBadRequest, "two-factor authentication is not enabled")
	}

	codes, err := h.twofa.GenerateRecoveryCodes(userID)
	if err != nil {
		h.logger.Error("recovery regeneration failed", zap.Uint("user_id", userID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	return respondData(c, http.StatusOK, map[string]any{"recovery_codes": codes})
}

// TwoFASetupPasskeyOptions opens a passkey registration ceremony.
func (h *Handler) TwoFASetupPasskeyOptions(c echo.Context) error {
	user, err := h.users.GetUser(jwtmw.GetUserID(c))
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "unknown user")
	}

	options, registrationToken, err := h.twofa.BeginPasskeyRegistration(user)
	if err != nil {
		h.logger.Error("passkey registration begin failed",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	return respondData(c, http.StatusOK, map[string]any{
		"options":            options,
		"registration_token": registrationToken,
	})
}

// TwoFASetupPasskeyRegister finishes the ceremony with the authenticator's
// attestation response.
func (h *Handler) TwoFASetupPasskeyRegister(c echo.Context) error {
	var req twofaRegisterPasskeyRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Credential) == 0 {
		return respondError(c, http.StatusBadRequest, "credential is required")
	}

	user, err := h.users.GetUser(jwtmw.GetUserID(c))
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "unknown user")
	}

	recoveryCodes, err := h.twofa.FinishPasskeyRegistration(
		user, req.RegistrationToken, req.DeviceName, bytes.NewReader(req.Credential))
	if err != nil {
		return h.respondChallengeError(c, err)
	}

	data := map[string]any{"message": "passkey registered"}
	if recoveryCodes != nil {
		data["recovery_codes"] = recoveryCodes
	}
	return respondData(c, http.StatusOK, data)
}

// TwoFAListPasskeys lists registered passkeys for management.
func (h *Handler) TwoFAListPasskeys(c echo.Context) error {
	creds, err := h.twofa.ListCredentials(jwtmw.GetUserID(c))
	if err != nil {
		h.logger.Error("passkey list failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	out := make([]map[string]any, 0, len(creds))
	for _, cred := range creds {
		out = append(out, map[string]any{
			"id":           cred.ID,
			"device_name":  cred.DeviceName,
			"transports":   cred.Transports,
			"created_at":   cred.CreatedAt,
			"last_used_at": cred.LastUsedAt,
		})
	}
	return respondData(c, http.StatusOK, map[string]any{"passkeys": out})
}

// TwoFADeletePasskey removes one passkey.
func (h *Handler) TwoFADeletePasskey(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid passkey id")
	}

	err = h.twofa.DeleteCredential(jwtmw.GetUserID(c), uint(id))
	if err != nil {
		if errors.Is(err, twofa.ErrCredentialNotFound) {
			return respondError(c, http.StatusNotFound, "passkey not found")
		}
		h.logger.Error("passkey delete failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	return respondData(c, http.StatusOK, map[string]any{"message": "passkey removed"})
}

// TwoFAChallenge requests a concrete challenge within an open 2FA session:
// an emailed code or passkey assertion options. Recovery needs no challenge
// step.
func (h *Handler) TwoFAChallenge(c echo.Context) error {
	var req twofaChallengeRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}

	challenge, err := h.twofa.VerifySession(req.SessionToken)
	if err != nil {
		return h.respondChallengeError(c, err)
	}

	user, err := h.users.GetUser(challenge.UserID)
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "invalid session")
	}

	switch req.Method {
	case twofa.MethodEmailOTP:
		if err := h.twofa.RequestEmailOTP(challenge, user); err != nil {
			switch {
			case errors.Is(err, twofa.ErrNoEmail):
				return respondError(c, http.StatusBadRequest, "no email address on account")
			case errors.Is(err, twofa.ErrMailDispatchFailed), errors.Is(err, mail.ErrMailDisabled):
				return respondError(c, http.StatusBadGateway, "failed to send verification code")
			default:
				h.logger.Error("email OTP request failed", zap.Error(err))
				return respondError(c, http.StatusInternalServerError, "internal error")
			}
		}
		return respondData(c, http.StatusOK, map[string]any{"message": "verification code sent"})

	case twofa.MethodPasskey:
		options, err := h.twofa.BeginPasskeyAssertion(challenge, user)
		if err != nil {
			if errors.Is(err, twofa.ErrCredentialNotFound) {
				return respondError(c, http.StatusBadRequest, "no passkeys registered")
			}
			h.logger.Error("passkey assertion begin failed", zap.Error(err))
			return respondError(c, http.StatusInternalServerError, "internal error")
		}
		return respondData(c, http.StatusOK, map[string]any{"options": options})

	default:
		return respondError(c, http.StatusBadRequest, "unknown method")
	}
}

// TwoFAPasskeyOptions is the assertion-options alias used by clients that
// treat the passkey ceremony as part of verification rather than challenge
// issuance.
func (h *Handler) TwoFAPasskeyOptions(c echo.Context) error {
	var req twofaChallengeRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}

	challenge, err := h.twofa.VerifySession(req.SessionToken)
	if err != nil {
		return h.respondChallengeError(c, err)
	}
	user, err := h.users.GetUser(challenge.UserID)
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "invalid session")
	}

	options, err := h.twofa.BeginPasskeyAssertion(challenge, user)
	if err != nil {
		if errors.Is(err, twofa.ErrCredentialNotFound) {
			return respondError(c, http.StatusBadRequest, "no passkeys registered")
		}
		h.logger.Error("passkey assertion begin failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	return respondData(c, http.StatusOK, map[string]any{"options": options})
}

// TwoFAVerify submits a second-factor response. Success consumes the session
// and issues the withheld token pair.
func (h *Handler) TwoFAVerify(c echo.Context) error {
	var req twofaVerifyRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}

	challenge, err := h.twofa.VerifySession(req.SessionToken)
	if err != nil {
		return h.respondChallengeError(c, err)
	}

	user, err := h.users.GetUser(challenge.UserID)
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "invalid session")
	}

	// Only login-gate challenges are redeemable here. Setup and disable
	// handshakes mint their own sessions against different endpoints and
	// must never convert into a token pair, even when the secret kind
	// happens to match the submitted method.
	switch req.Method {
	case twofa.MethodEmailOTP:
		if challenge.Type != twofa.TypeEmailOTP {
			return h.respondChallengeError(c, twofa.ErrChallengeType)
		}
		err = h.twofa.VerifyEmailOTP(challenge, req.Code)
	case twofa.MethodRecovery:
		switch challenge.Type {
		case twofa.TypePending, twofa.TypeEmailOTP, twofa.TypePasskey:
		default:
			return h.respondChallengeError(c, twofa.ErrChallengeType)
		}
		err = h.twofa.VerifyRecovery(challenge, req.Code)
	case twofa.MethodPasskey:
		if challenge.Type != twofa.TypePasskey {
			return h.respondChallengeError(c, twofa.ErrChallengeType)
		}
		if len(req.Credential) == 0 {
			return respondError(c, http.StatusBadRequest, "credential is required")
		}
		err = h.twofa.FinishPasskeyAssertion(challenge, user, bytes.NewReader(req.Credential))
	default:
		return respondError(c, http.StatusBadRequest, "unknown method")
	}
	if err != nil {
		return h.respondChallengeError(c, err)
	}

	if err := h.twofa.MarkUsed(challenge); err != nil {
		h.logger.Error("failed to consume 2FA session", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	return h.issueTokens(c, user)
}

// TwoFADisable turns off all second factors after re-proving identity with
// the account password or, for passwordless accounts, an emailed code.
func (h *Handler) TwoFADisable(c echo.Context) error {
	var req twofaDisableRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}

	user, err := h.users.GetUser(jwtmw.GetUserID(c))
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "unknown user")
	}

	if user.PasswordHash != "" {
		if req.Password == "" {
			return respondError(c, http.StatusBadRequest, "password is required")
		}
		if h.users.VerifyPassword(user.PasswordHash, req.Password) != nil {
			return respondError(c, http.StatusUnauthorized, "invalid password")
		}
	} else {
		if req.DisableToken == "" || req.Code == "" {
			return respondError(c, http.StatusBadRequest, "confirmation token and code are required")
		}
		if err := h.twofa.VerifyDisableCode(user.ID, req.DisableToken, req.Code); err != nil {
			return respondError(c, http.StatusUnauthorized, "invalid confirmation code")
		}
	}

	if err := h.twofa.Disable(user.ID); err != nil {
		h.logger.Error("2FA disable failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	return respondData(c, http.StatusOK, map[string]any{"message": "two-factor authentication disabled"})
}

// TwoFADisableSendCode emails the disable confirmation code for accounts
// that hold no password.
func (h *Handler) TwoFADisableSendCode(c echo.Context) error {
	user, err := h.users.GetUser(jwtmw.GetUserID(c))
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "unknown user")
	}

	disableToken, err := h.twofa.SendDisableCode(user)
	if err != nil {
		switch {
		case errors.Is(err, twofa.ErrNoEmail):
			return respondError(c, http.StatusBadRequest, "no email address on account")
		case errors.Is(err, twofa.ErrMailDispatchFailed), errors.Is(err, mail.ErrMailDisabled):
			return respondError(c, http.StatusBadGateway, "failed to send confirmation code")
		default:
			h.logger.Error("disable code dispatch failed", zap.Uint("user_id", user.ID), zap.Error(err))
			return respondError(c, http.StatusInternalServerError, "internal error")
		}
	}
	return respondData(c, http.StatusOK, map[string]any{"disable_token": disableToken})
}

func (h *Handler) respondChallengeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, twofa.ErrSessionInvalid):
		return respondError(c, http.StatusUnauthorized, "invalid session")
	case errors.Is(err, twofa.ErrChallengeExpired):
		return respondError(c, http.StatusUnauthorized, "session expired, sign in again")
	case errors.Is(err, twofa.ErrChallengeUsed):
		return respondError(c, http.StatusUnauthorized, "session already used")
	case errors.Is(err, twofa.ErrChallengeLocked):
		return respondError(c, http.StatusTooManyRequests, "too many failed attempts, sign in again")
	case errors.Is(err, twofa.ErrChallengeType):
		return respondError(c, http.StatusBadRequest, "method does not match the issued challenge")
	case errors.Is(err, twofa.ErrCodeInvalid),
		errors.Is(err, twofa.ErrRecoveryCodeInvalid),
		errors.Is(err, twofa.ErrPasskeyFailed),
		errors.Is(err, twofa.ErrClonedAuthenticator):
		return respondError(c, http.StatusUnauthorized, "verification failed")
	case errors.Is(err, twofa.ErrMailDispatchFailed), errors.Is(err, mail.ErrMailDisabled):
		return respondError(c, http.StatusBadGateway, "failed to send verification code")
	default:
		h.logger.Error("2FA operation failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
}
