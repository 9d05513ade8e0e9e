package authapi

import (
	"errors"
	"net/http"
	"strings"

	jwtmw "github.com/billmanager/billmanager/middleware/jwt"
	"github.com/billmanager/billmanager/services/oauthstate"
	"github.com/billmanager/billmanager/services/oidc"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type oauthCallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// OAuthProviders lists the providers with a configured client id so the UI
// can render login buttons without hardcoding them.
func (h *Handler) OAuthProviders(c echo.Context) error {
	providers := h.config.OAuth.Providers()
	out := make([]map[string]any, 0, len(providers))
	for id, p := range providers {
		out = append(out, map[string]any{
			"id":           id,
			"display_name": p.DisplayName,
		})
	}
	return respondData(c, http.StatusOK, map[string]any{"providers": out})
}

// OAuthAuthorize builds the provider authorization URL. The PKCE verifier
// and the ID-token nonce travel inside the signed state so the callback
// needs no server-side session. A link flow additionally requires a bearer
// token; the link target rides in the state.
func (h *Handler) OAuthAuthorize(c echo.Context) error {
	provider := c.Param("provider")

	flow := oauthstate.FlowLogin
	var linkUserID uint
	if c.QueryParam("flow") == "link" {
		userID, err := h.bearerUserID(c)
		if err != nil {
			return respondError(c, http.StatusUnauthorized, "authentication required to link an account")
		}
		flow = oauthstate.FlowLink
		linkUserID = userID
	}

	pkce, err := oauthstate.GeneratePKCE()
	if err != nil {
		h.logger.Error("PKCE generation failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	idTokenNonce, err := oauthstate.GenerateNonce()
	if err != nil {
		h.logger.Error("nonce generation failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	state, err := h.states.Encode(provider, pkce.Verifier, idTokenNonce, flow, linkUserID)
	if err != nil {
		h.logger.Error("state encoding failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	authURL, err := h.oidc.AuthorizationURL(c.Request().Context(), provider, state, pkce.Challenge, idTokenNonce)
	if err != nil {
		return h.respondOIDCError(c, err)
	}

	return respondData(c, http.StatusOK, map[string]any{
		"authorization_url": authURL,
		"state":             state,
	})
}

// OAuthCallback finishes the round trip: decode and burn the state, exchange
// the code, validate the ID token against the nonce bound at authorize time,
// then either resolve a login or complete a link.
func (h *Handler) OAuthCallback(c echo.Context) error {
	provider := c.Param("provider")

	var req oauthCallbackRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" || req.State == "" {
		return respondError(c, http.StatusBadRequest, "code and state are required")
	}

	state, err := h.states.Decode(req.State)
	if err != nil {
		// Replayed and malformed states get the same client-facing answer.
		return respondError(c, http.StatusBadRequest, "invalid state")
	}
	if state.Provider != provider {
		return respondError(c, http.StatusBadRequest, "invalid state")
	}

	ctx := c.Request().Context()
	tokens, err := h.oidc.ExchangeCode(ctx, provider, req.Code, state.CodeVerifier)
	if err != nil {
		return h.respondOIDCError(c, err)
	}

	claims, err := h.oidc.ValidateIDToken(ctx, tokens.IDToken, provider, state.IDTokenNonce)
	if err != nil {
		return h.respondOIDCError(c, err)
	}

	if state.Flow == oauthstate.FlowLink {
		if err := h.oidc.LinkAccount(state.LinkUserID, provider, claims); err != nil {
			return h.respondOIDCError(c, err)
		}
		return respondData(c, http.StatusOK, map[string]any{"message": "account linked"})
	}

	resolved, err := h.oidc.ResolveUser(provider, claims)
	if err != nil {
		return h.respondOIDCError(c, err)
	}

	user, err := h.users.GetUser(resolved.UserID)
	if err != nil {
		h.logger.Error("resolved user lookup failed",
			zap.Uint("user_id", resolved.UserID), zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}

	return h.finishLogin(c, user)
}

// OAuthAccounts lists the authenticated user's linked federated identities.
func (h *Handler) OAuthAccounts(c echo.Context) error {
	accounts, err := h.oidc.ListAccounts(jwtmw.GetUserID(c))
	if err != nil {
		h.logger.Error("failed to list oauth accounts", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
	return respondData(c, http.StatusOK, map[string]any{"accounts": accounts})
}

// OAuthUnlink removes a linked identity. Accounts without a password keep
// their last remaining login method.
func (h *Handler) OAuthUnlink(c echo.Context) error {
	err := h.oidc.Unlink(jwtmw.GetUserID(c), c.Param("provider"))
	if err != nil {
		switch {
		case errors.Is(err, oidc.ErrLinkNotFound):
			return respondError(c, http.StatusNotFound, "no linked account for this provider")
		case errors.Is(err, oidc.ErrLastLoginMethod):
			return respondError(c, http.StatusBadRequest, "cannot remove the last login method")
		default:
			h.logger.Error("unlink failed", zap.Error(err))
			return respondError(c, http.StatusInternalServerError, "internal error")
		}
	}
	return respondData(c, http.StatusOK, map[string]any{"message": "account unlinked"})
}

// bearerUserID validates an Authorization header on a route that is public
// by default, for the optional-auth link flow.
func (h *Handler) bearerUserID(c echo.Context) (uint, error) {
	header := c.Request().Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return 0, errors.New("missing bearer token")
	}
	claims, err := h.jwt.ValidateAccessToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

func (h *Handler) respondOIDCError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, oidc.ErrProviderUnknown):
		return respondError(c, http.StatusNotFound, "unknown provider")
	case errors.Is(err, oidc.ErrProviderUnavailable):
		return respondError(c, http.StatusBadGateway, "identity provider unavailable")
	case errors.Is(err, oidc.ErrUnverifiedEmail):
		return respondError(c, http.StatusUnauthorized, "provider email is not verified")
	case errors.Is(err, oidc.ErrInvalidIDToken),
		errors.Is(err, oidc.ErrIssuerMismatch),
		errors.Is(err, oidc.ErrAudienceMismatch),
		errors.Is(err, oidc.ErrNonceMismatch),
		errors.Is(err, oidc.ErrMissingSubject):
		return respondError(c, http.StatusUnauthorized, "identity token validation failed")
	case errors.Is(err, oidc.ErrUnverifiedLocalEmail):
		return respondError(c, http.StatusForbidden,
			"an account with this email exists but the email is not verified; sign in with your password first")
	case errors.Is(err, oidc.ErrAccountNotFound):
		return respondError(c, http.StatusForbidden,
			"no account for this identity; contact an administrator")
	case errors.Is(err, oidc.ErrConflictingLink):
		return respondError(c, http.StatusConflict, "this identity is already linked to another account")
	default:
		h.logger.Error("oauth flow failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, "internal error")
	}
}
