package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/auth"
	"github.com/billmanager/billmanager/services/logging"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrProviderUnknown      = errors.New("oauth provider is not enabled")
	ErrProviderUnavailable  = errors.New("oauth provider is unavailable")
	ErrInvalidIDToken       = errors.New("ID token verification failed")
	ErrIssuerMismatch       = errors.New("ID token issuer mismatch")
	ErrAudienceMismatch     = errors.New("ID token audience mismatch")
	ErrNonceMismatch        = errors.New("ID token nonce mismatch")
	ErrUnverifiedEmail      = errors.New("provider email is not verified")
	ErrMissingSubject       = errors.New("ID token has no subject")
	ErrAccountNotFound      = errors.New("no account for this identity and auto-registration is disabled")
	ErrUnverifiedLocalEmail = errors.New("a local account with this email exists but the email is not verified")
	ErrConflictingLink      = errors.New("this identity is already linked to another account")
	ErrLastLoginMethod      = errors.New("cannot unlink the only remaining login method")
	ErrLinkNotFound         = errors.New("no linked account for this provider")
)

const (
	cacheTTL       = time.Hour
	requestTimeout = 10 * time.Second
)

type cachedMetadata struct {
	metadata  *ProviderMetadata
	fetchedAt time.Time
}

type cachedKeySet struct {
	keys      jwk.Set
	fetchedAt time.Time
}

type Service struct {
	config *config.Config
	db     *gorm.DB
	users  *auth.Service
	client *http.Client
	logger *logging.Service

	mu       sync.Mutex
	metadata map[string]cachedMetadata
	keySets  map[string]cachedKeySet
}

func NewService(cfg *config.Config, db *gorm.DB, users *auth.Service, logger *logging.Service) *Service {
	return &Service{
		config:   cfg,
		db:       db,
		users:    users,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		metadata: make(map[string]cachedMetadata),
		keySets:  make(map[string]cachedKeySet),
	}
}

func (s *Service) Provider(name string) (config.OAuthProvider, error) {
	provider, ok := s.config.OAuth.Providers()[name]
	if !ok {
		return config.OAuthProvider{}, ErrProviderUnknown
	}
	return provider, nil
}

// Discover fetches and caches the provider's discovery document. The cache
// holds entries for an hour and is never invalidated early.
func (s *Service) Discover(ctx context.Context, provider string) (*ProviderMetadata, error) {
	s.mu.Lock()
	if cached, ok := s.metadata[provider]; ok && time.Since(cached.fetchedAt) < cacheTTL {
		s.mu.Unlock()
		return cached.metadata, nil
	}
	s.mu.Unlock()

	cfg, err := s.Provider(provider)
	if err != nil {
		return nil, err
	}

	var metadata ProviderMetadata
	if err := s.getJSON(ctx, cfg.DiscoveryURL, &metadata); err != nil {
		s.logger.Error("failed to fetch OIDC discovery metadata",
			zap.String("provider", provider), zap.Error(err))
		return nil, ErrProviderUnavailable
	}

	s.mu.Lock()
	s.metadata[provider] = cachedMetadata{metadata: &metadata, fetchedAt: time.Now()}
	s.mu.Unlock()

	return &metadata, nil
}

// KeySet fetches and caches the provider's JWKS, derived from discovery.
func (s *Service) KeySet(ctx context.Context, provider string) (jwk.Set, error) {
	s.mu.Lock()
	if cached, ok := s.keySets[provider]; ok && time.Since(cached.fetchedAt) < cacheTTL {
		s.mu.Unlock()
		return cached.keys, nil
	}
	s.mu.Unlock()

	metadata, err := s.Discover(ctx, provider)
	if err != nil {
		return nil, err
	}
	if metadata.JWKSURI == "" {
		return nil, ErrProviderUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadata.JWKSURI, nil)
	if err != nil {
		return nil, ErrProviderUnavailable
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("failed to fetch JWKS", zap.String("provider", provider), zap.Error(err))
		return nil, ErrProviderUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrProviderUnavailable
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrProviderUnavailable
	}

	keys, err := jwk.Parse(body)
	if err != nil {
		s.logger.Error("failed to parse JWKS", zap.String("provider", provider), zap.Error(err))
		return nil, ErrProviderUnavailable
	}

	s.mu.Lock()
	s.keySets[provider] = cachedKeySet{keys: keys, fetchedAt: time.Now()}
	s.mu.Unlock()

	return keys, nil
}

// AuthorizationURL builds the provider redirect for the authorize step.
func (s *Service) AuthorizationURL(ctx context.Context, provider, state, codeChallenge, nonce string) (string, error) {
	cfg, err := s.Provider(provider)
	if err != nil {
		return "", err
	}

	metadata, err := s.Discover(ctx, provider)
	if err != nil {
		return "", err
	}
	if metadata.AuthorizationEndpoint == "" {
		return "", ErrProviderUnavailable
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {cfg.ClientID},
		"redirect_uri":          {s.config.OAuth.RedirectURL},
		"scope":                 {cfg.Scopes},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"nonce":                 {nonce},
	}
	// Apple defaults to form_post for scopes beyond openid; force the SPA
	// back onto a GET route.
	if provider == "apple" {
		params.Set("response_mode", "query")
	}

	return metadata.AuthorizationEndpoint + "?" + params.Encode(), nil
}

// ExchangeCode redeems an authorization code with the PKCE verifier.
func (s *Service) ExchangeCode(ctx context.Context, provider, code, codeVerifier string) (*TokenResponse, error) {
	cfg, err := s.Provider(provider)
	if err != nil {
		return nil, err
	}

	metadata, err := s.Discover(ctx, provider)
	if err != nil {
		return nil, err
	}
	if metadata.TokenEndpoint == "" {
		return nil, ErrProviderUnavailable
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {s.config.OAuth.RedirectURL},
		"client_id":     {cfg.ClientID},
		"code_verifier": {codeVerifier},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, ErrProviderUnavailable
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("oauth token exchange failed",
			zap.String("provider", provider), zap.Error(err))
		return nil, ErrProviderUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Error("oauth token exchange returned non-200",
			zap.String("provider", provider), zap.Int("status", resp.StatusCode))
		return nil, ErrProviderUnavailable
	}

	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, ErrProviderUnavailable
	}
	if tokens.IDToken == "" {
		return nil, ErrProviderUnavailable
	}

	return &tokens, nil
}

// ValidateIDToken verifies signature, time claims, issuer, audience, nonce
// and the email_verified claim. Any failure is terminal for the login
// attempt; no partial trust is extended.
func (s *Service) ValidateIDToken(ctx context.Context, rawIDToken, provider, expectedNonce string) (*IDTokenClaims, error) {
	cfg, err := s.Provider(provider)
	if err != nil {
		return nil, err
	}

	metadata, err := s.Discover(ctx, provider)
	if err != nil {
		return nil, err
	}

	keys, err := s.KeySet(ctx, provider)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse([]byte(rawIDToken),
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
	)
	if err != nil {
		s.logger.Warn("ID token verification failed",
			zap.String("provider", provider), zap.Error(err))
		return nil, ErrInvalidIDToken
	}

	if token.Issuer() != metadata.Issuer {
		s.logger.Warn("ID token issuer mismatch", zap.String("provider", provider))
		return nil, ErrIssuerMismatch
	}

	audienceOK := false
	for _, aud := range token.Audience() {
		if aud == cfg.ClientID {
			audienceOK = true
			break
		}
	}
	if !audienceOK {
		s.logger.Warn("ID token audience mismatch", zap.String("provider", provider))
		return nil, ErrAudienceMismatch
	}

	if expectedNonce != "" {
		nonce, _ := token.Get("nonce")
		if nonceStr, _ := nonce.(string); nonceStr != expectedNonce {
			s.logger.Warn("ID token nonce mismatch", zap.String("provider", provider))
			return nil, ErrNonceMismatch
		}
	}

	claims := &IDTokenClaims{Subject: token.Subject()}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	if emailRaw, ok := token.Get("email"); ok {
		email, _ := emailRaw.(string)
		verifiedRaw, _ := token.Get("email_verified")
		if !emailVerifiedTruthy(verifiedRaw) {
			return nil, ErrUnverifiedEmail
		}
		claims.Email = strings.ToLower(strings.TrimSpace(email))
	}

	if v, ok := token.Get("name"); ok {
		claims.Profile.Name, _ = v.(string)
	}
	if v, ok := token.Get("given_name"); ok {
		claims.Profile.GivenName, _ = v.(string)
	}
	if v, ok := token.Get("family_name"); ok {
		claims.Profile.FamilyName, _ = v.(string)
	}
	if v, ok := token.Get("picture"); ok {
		claims.Profile.Picture, _ = v.(string)
	}

	return claims, nil
}

// emailVerifiedTruthy accepts the boolean, numeric and string encodings
// providers use for the email_verified claim.
func emailVerifiedTruthy(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case int:
		return v == 1
	case float64:
		return v == 1
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

// ResolveUser maps a validated federated identity onto a local user.
// Resolution short-circuits in order: existing link, verified-email
// auto-link, policy-gated auto-registration. Registration creates the user,
// their workspace and the link as one transaction.
func (s *Service) ResolveUser(provider string, claims *IDTokenClaims) (*ResolvedUser, error) {
	profileJSON, _ := json.Marshal(claims.Profile)

	// 1. Existing link.
	var account OAuthAccount
	err := s.db.Where("provider = ? AND provider_user_id = ?", provider, claims.Subject).
		First(&account).Error
	switch {
	case err == nil:
		updates := map[string]any{"provider_email": claims.Email, "profile_data": string(profileJSON)}
		if err := s.db.Model(&account).Updates(updates).Error; err != nil {
			s.logger.Warn("failed to refresh oauth profile metadata",
				zap.Uint("account_id", account.ID), zap.Error(err))
		}
		return &ResolvedUser{UserID: account.UserID}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("database error: %w", err)
	}

	// 2. Auto-link by independently verified local email.
	if claims.Email != "" {
		existing, err := s.users.GetUserByEmail(claims.Email)
		switch {
		case err == nil:
			if !existing.IsEmailVerified() {
				return nil, ErrUnverifiedLocalEmail
			}
			link := OAuthAccount{
				UserID:         existing.ID,
				Provider:       provider,
				ProviderUserID: claims.Subject,
				ProviderEmail:  claims.Email,
				ProfileData:    string(profileJSON),
				CreatedAt:      time.Now(),
			}
			if err := s.db.Create(&link).Error; err != nil {
				return nil, fmt.Errorf("failed to create oauth link: %w", err)
			}
			s.logger.Info("auto-linked federated identity to existing user",
				zap.Uint("user_id", existing.ID), zap.String("provider", provider))
			return &ResolvedUser{UserID: existing.ID}, nil
		case !errors.Is(err, auth.ErrUserNotFound):
			return nil, err
		}
	}

	// 3. Auto-registration.
	if !s.config.OAuth.AutoRegister {
		return nil, ErrAccountNotFound
	}

	var resolved ResolvedUser
	err = s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.users.RegisterFederatedUser(tx, provider, claims.Email)
		if err != nil {
			return err
		}

		link := OAuthAccount{
			UserID:         user.ID,
			Provider:       provider,
			ProviderUserID: claims.Subject,
			ProviderEmail:  claims.Email,
			ProfileData:    string(profileJSON),
			CreatedAt:      time.Now(),
		}
		if err := tx.Create(&link).Error; err != nil {
			return fmt.Errorf("failed to create oauth link: %w", err)
		}

		resolved = ResolvedUser{UserID: user.ID, IsNewUser: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &resolved, nil
}

// LinkAccount binds a provider identity to an already-authenticated user.
// Rejects identities held by a different user; re-linking the same provider
// updates the existing row.
func (s *Service) LinkAccount(userID uint, provider string, claims *IDTokenClaims) error {
	profileJSON, _ := json.Marshal(claims.Profile)

	var existing OAuthAccount
	err := s.db.Where("provider = ? AND provider_user_id = ?", provider, claims.Subject).
		First(&existing).Error
	switch {
	case err == nil:
		if existing.UserID != userID {
			return ErrConflictingLink
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("database error: %w", err)
	}

	var own OAuthAccount
	err = s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&own).Error
	switch {
	case err == nil:
		return s.db.Model(&own).Updates(map[string]any{
			"provider_user_id": claims.Subject,
			"provider_email":   claims.Email,
			"profile_data":     string(profileJSON),
		}).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		link := OAuthAccount{
			UserID:         userID,
			Provider:       provider,
			ProviderUserID: claims.Subject,
			ProviderEmail:  claims.Email,
			ProfileData:    string(profileJSON),
			CreatedAt:      time.Now(),
		}
		return s.db.Create(&link).Error
	default:
		return fmt.Errorf("database error: %w", err)
	}
}

// ListAccounts returns the user's linked provider accounts.
func (s *Service) ListAccounts(userID uint) ([]OAuthAccount, error) {
	var accounts []OAuthAccount
	if err := s.db.Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return accounts, nil
}

// Unlink removes a provider link. A passwordless user keeps at least one
// login method: the last link cannot be removed.
func (s *Service) Unlink(userID uint, provider string) error {
	user, err := s.users.GetUser(userID)
	if err != nil {
		return err
	}

	var account OAuthAccount
	err = s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLinkNotFound
		}
		return fmt.Errorf("database error: %w", err)
	}

	if user.PasswordHash == "" {
		var others int64
		err := s.db.Model(&OAuthAccount{}).
			Where("user_id = ? AND provider != ?", userID, provider).
			Count(&others).Error
		if err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		if others == 0 {
			return ErrLastLoginMethod
		}
	}

	return s.db.Delete(&account).Error
}

func (s *Service) getJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}
