package authapi

import (
	"github.com/billmanager/billmanager/config"
	jwtmw "github.com/billmanager/billmanager/middleware/jwt"
	"github.com/billmanager/billmanager/services/auth"
	"github.com/billmanager/billmanager/services/jwt"
	"github.com/billmanager/billmanager/services/logging"
	"github.com/billmanager/billmanager/services/mail"
	"github.com/billmanager/billmanager/services/oauthstate"
	"github.com/billmanager/billmanager/services/oidc"
	"github.com/billmanager/billmanager/services/refreshtoken"
	"github.com/billmanager/billmanager/services/twofa"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	config  *config.Config
	users   *auth.Service
	jwt     *jwt.Service
	refresh *refreshtoken.Service
	twofa   *twofa.Service
	oidc    *oidc.Service
	states  *oauthstate.Codec
	sender  mail.Sender
	logger  *logging.Service
}

func NewHandler(
	cfg *config.Config,
	users *auth.Service,
	jwtService *jwt.Service,
	refresh *refreshtoken.Service,
	twofaService *twofa.Service,
	oidcService *oidc.Service,
	states *oauthstate.Codec,
	sender mail.Sender,
	logger *logging.Service,
) *Handler {
	return &Handler{
		config:  cfg,
		users:   users,
		jwt:     jwtService,
		refresh: refresh,
		twofa:   twofaService,
		oidc:    oidcService,
		states:  states,
		sender:  sender,
		logger:  logger,
	}
}

// RegisterRoutes mounts the auth surface under /api/v2/auth. Login, refresh
// and the OIDC round trip are public; everything else requires a bearer
// access token.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v2/auth")

	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
	g.POST("/logout", h.Logout)
	g.POST("/change-password", h.ChangePassword)
	g.POST("/forgot-password", h.ForgotPassword)
	g.POST("/reset-password", h.ResetPassword)
	g.POST("/verify-email", h.VerifyEmail)
	g.POST("/resend-verification", h.ResendVerification)

	g.GET("/oauth/providers", h.OAuthProviders)
	g.GET("/oauth/:provider/authorize", h.OAuthAuthorize)
	g.POST("/oauth/:provider/callback", h.OAuthCallback)

	g.POST("/2fa/challenge", h.TwoFAChallenge)
	g.POST("/2fa/verify/passkey/options", h.TwoFAPasskeyOptions)
	g.POST("/2fa/verify", h.TwoFAVerify)

	authed := g.Group("", jwtmw.RequireJWT(h.jwt))
	authed.POST("/logout-all", h.LogoutAll)
	authed.GET("/oauth/accounts", h.OAuthAccounts)
	authed.DELETE("/oauth/:provider", h.OAuthUnlink)

	authed.GET("/2fa/status", h.TwoFAStatus)
	authed.POST("/2fa/setup/email", h.TwoFASetupEmail)
	authed.POST("/2fa/setup/email/confirm", h.TwoFASetupEmailConfirm)
	authed.POST("/2fa/recovery-codes", h.TwoFARegenerateRecoveryCodes)
	authed.POST("/2fa/setup/passkey/options", h.TwoFASetupPasskeyOptions)
	authed.POST("/2fa/setup/passkey/register", h.TwoFASetupPasskeyRegister)
	authed.GET("/2fa/passkeys", h.TwoFAListPasskeys)
	authed.DELETE("/2fa/passkeys/:id", h.TwoFADeletePasskey)
	authed.POST("/2fa/disable", h.TwoFADisable)
	authed.POST("/2fa/disable/send-code", h.TwoFADisableSendCode)

	authed.POST("/admin/users/:id/logout", h.AdminRevokeUserSessions, jwtmw.RequireRole("admin"))
}
