package oidc

import (
	"time"
)

// OAuthAccount links one federated identity to one local user.
// (provider, provider_user_id) is unique.
type OAuthAccount struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	UserID         uint      `json:"user_id" gorm:"not null;index"`
	Provider       string    `json:"provider" gorm:"size:20;not null;uniqueIndex:idx_provider_subject,priority:1"`
	ProviderUserID string    `json:"provider_user_id" gorm:"size:255;not null;uniqueIndex:idx_provider_subject,priority:2"`
	ProviderEmail  string    `json:"provider_email" gorm:"size:255"`
	ProfileData    string    `json:"-" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
}

func (OAuthAccount) TableName() string {
	return "oauth_accounts"
}

// ProviderMetadata is the subset of the OIDC discovery document we consume.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// TokenResponse is the provider's answer to the authorization-code exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// IDTokenClaims is what ValidateIDToken hands back after every check passed.
type IDTokenClaims struct {
	Subject string
	Email   string
	Profile Profile
}

type Profile struct {
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Picture    string `json:"picture,omitempty"`
}

// ResolvedUser reports how a federated login mapped onto a local account.
type ResolvedUser struct {
	UserID    uint
	IsNewUser bool
}
