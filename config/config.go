package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	App          AppConfig          `envPrefix:"APP_"`
	Server       ServerConfig       `envPrefix:"SERVER_"`
	Log          LogConfig          `envPrefix:"LOG_"`
	Database     DatabaseConfig     `envPrefix:"DATABASE_"`
	Auth         AuthConfig         `envPrefix:"AUTH_"`
	JWT          JWTConfig          `envPrefix:"JWT_"`
	RefreshToken RefreshTokenConfig `envPrefix:"REFRESH_TOKEN_"`
	Mail         MailConfig         `envPrefix:"MAIL_"`
	OAuth        OAuthConfig        `envPrefix:"OAUTH_"`
	WebAuthn     WebAuthnConfig     `envPrefix:"WEBAUTHN_"`
	TwoFA        TwoFAConfig        `envPrefix:"TWOFA_"`
}

type AppConfig struct {
	Name        string `env:"NAME" envDefault:"BillManager"`
	URL         string `env:"URL" envDefault:"http://localhost:8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// IsProduction controls the Secure flag on refresh cookies among other
// hardening defaults.
func (a AppConfig) IsProduction() bool {
	return a.Environment == "production" || strings.HasPrefix(a.URL, "https://")
}

type ServerConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Host           string   `env:"HOST" envDefault:"localhost"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
	Output string `env:"OUTPUT" envDefault:"stdout"`
}

type DatabaseConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DSN" envDefault:"app.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type AuthConfig struct {
	MinLength      int  `env:"MIN_LENGTH" envDefault:"8"`
	RequireUpper   bool `env:"REQUIRE_UPPER" envDefault:"true"`
	RequireLower   bool `env:"REQUIRE_LOWER" envDefault:"true"`
	RequireNumber  bool `env:"REQUIRE_NUMBER" envDefault:"true"`
	RequireSpecial bool `env:"REQUIRE_SPECIAL" envDefault:"false"`
	BcryptCost     int  `env:"BCRYPT_COST" envDefault:"10"`
}

type JWTConfig struct {
	SecretKey    string        `env:"SECRET_KEY"`
	Algorithm    string        `env:"ALGORITHM" envDefault:"HS256"`
	Issuer       string        `env:"ISSUER" envDefault:"billmanager"`
	AccessExpiry time.Duration `env:"ACCESS_EXPIRY" envDefault:"15m"`
	StateExpiry  time.Duration `env:"STATE_EXPIRY" envDefault:"5m"`
}

type RefreshTokenConfig struct {
	TokenLength     int           `env:"LENGTH" envDefault:"32"`
	Expiry          time.Duration `env:"EXPIRY" envDefault:"168h"`
	CookieName      string        `env:"COOKIE_NAME" envDefault:"bm_refresh_token"`
	CookiePath      string        `env:"COOKIE_PATH" envDefault:"/api/v2/auth"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	CleanupAge      time.Duration `env:"CLEANUP_AGE" envDefault:"720h"`
}

type MailConfig struct {
	Enabled     bool   `env:"ENABLED" envDefault:"false"`
	Host        string `env:"HOST"`
	Port        int    `env:"PORT" envDefault:"587"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
	Encryption  string `env:"ENCRYPTION" envDefault:"starttls"`
	FromAddress string `env:"FROM_ADDRESS"`
	FromName    string `env:"FROM_NAME" envDefault:"BillManager"`
}

// OAuthProvider holds the static client configuration for one OIDC provider.
// The discovery URL is the only endpoint configured by hand; everything else
// (authorization, token and jwks endpoints, the issuer) comes from discovery.
type OAuthProvider struct {
	ClientID     string
	ClientSecret string
	DiscoveryURL string
	Scopes       string
	DisplayName  string
}

type OAuthConfig struct {
	AutoRegister bool   `env:"AUTO_REGISTER" envDefault:"true"`
	RedirectURL  string `env:"REDIRECT_URL" envDefault:"http://localhost:5173/auth/callback"`

	GoogleClientID        string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET"`
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	MicrosoftTenant       string `env:"MICROSOFT_TENANT" envDefault:"common"`
	AppleClientID         string `env:"APPLE_CLIENT_ID"`
	AppleClientSecret     string `env:"APPLE_CLIENT_SECRET"`

	// Generic OIDC provider for self-hosted IdPs (Keycloak, Authentik, ...).
	OIDCClientID     string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OIDC_CLIENT_SECRET"`
	OIDCDiscoveryURL string `env:"OIDC_DISCOVERY_URL"`
	OIDCDisplayName  string `env:"OIDC_DISPLAY_NAME" envDefault:"SSO"`
	OIDCScopes       string `env:"OIDC_SCOPES" envDefault:"openid email profile"`
}

// Providers returns the enabled provider set keyed by provider id.
// A provider is enabled when a client id is configured for it.
func (o OAuthConfig) Providers() map[string]OAuthProvider {
	providers := make(map[string]OAuthProvider)
	if o.GoogleClientID != "" {
		providers["google"] = OAuthProvider{
			ClientID:     o.GoogleClientID,
			ClientSecret: o.GoogleClientSecret,
			DiscoveryURL: "https://accounts.google.com/.well-known/openid-configuration",
			Scopes:       "openid email profile",
			DisplayName:  "Google",
		}
	}
	if o.MicrosoftClientID != "" {
		providers["microsoft"] = OAuthProvider{
			ClientID:     o.MicrosoftClientID,
			ClientSecret: o.MicrosoftClientSecret,
			DiscoveryURL: fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0/.well-known/openid-configuration", o.MicrosoftTenant),
			Scopes:       "openid email profile",
			DisplayName:  "Microsoft",
		}
	}
	if o.AppleClientID != "" {
		providers["apple"] = OAuthProvider{
			ClientID:     o.AppleClientID,
			ClientSecret: o.AppleClientSecret,
			DiscoveryURL: "https://appleid.apple.com/.well-known/openid-configuration",
			Scopes:       "openid email name",
			DisplayName:  "Apple",
		}
	}
	if o.OIDCClientID != "" && o.OIDCDiscoveryURL != "" {
		providers["oidc"] = OAuthProvider{
			ClientID:     o.OIDCClientID,
			ClientSecret: o.OIDCClientSecret,
			DiscoveryURL: o.OIDCDiscoveryURL,
			Scopes:       o.OIDCScopes,
			DisplayName:  o.OIDCDisplayName,
		}
	}
	return providers
}

type WebAuthnConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	RPID    string `env:"RP_ID" envDefault:"localhost"`
	RPName  string `env:"RP_NAME" envDefault:"BillManager"`
	Origin  string `env:"ORIGIN" envDefault:"http://localhost:5173"`
}

type TwoFAConfig struct {
	ChallengeExpiry    time.Duration `env:"CHALLENGE_EXPIRY" envDefault:"10m"`
	RegistrationExpiry time.Duration `env:"REGISTRATION_EXPIRY" envDefault:"5m"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RecoveryCodeCount  int           `env:"RECOVERY_CODE_COUNT" envDefault:"10"`
}

func LoadConfig(cfg *Config) error {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	if err := env.Parse(cfg); err != nil {
		return err
	}

	return cfg.Validate()
}

func (c *Config) Validate() error {
	return c.JWT.Validate()
}

var weakSecretPatterns = []string{"secret", "password", "changeme", "default", "example"}

func (j JWTConfig) Validate() error {
	if len(j.SecretKey) < 32 {
		return fmt.Errorf("JWT secret key must be at least 32 characters long")
	}

	lower := strings.ToLower(j.SecretKey)
	for _, pattern := range weakSecretPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Errorf("JWT secret key contains weak patterns")
		}
	}

	if j.Algorithm != "HS256" {
		return fmt.Errorf("unsupported JWT algorithm: %s", j.Algorithm)
	}

	return nil
}
