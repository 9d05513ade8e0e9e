package testutils

import (
	"time"

	"github.com/billmanager/billmanager/config"
	"golang.org/x/crypto/bcrypt"
)

func GetTestConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name:        "Test App",
			URL:         "http://localhost:8080",
			Environment: "development",
		},
		Auth: config.AuthConfig{
			MinLength:      8,
			RequireUpper:   true,
			RequireLower:   true,
			RequireNumber:  true,
			RequireSpecial: false,
			BcryptCost:     bcrypt.MinCost,
		},
		JWT: config.JWTConfig{
			SecretKey:    "unit-testing-signing-key-32-chars!!",
			Algorithm:    "HS256",
			Issuer:       "test-issuer",
			AccessExpiry: 15 * time.Minute,
			StateExpiry:  5 * time.Minute,
		},
		RefreshToken: config.RefreshTokenConfig{
			TokenLength:     32,
			Expiry:          168 * time.Hour,
			CookieName:      "bm_refresh_token",
			CookiePath:      "/api/v2/auth",
			CleanupInterval: time.Hour,
			CleanupAge:      720 * time.Hour,
		},
		OAuth: config.OAuthConfig{
			AutoRegister: true,
			RedirectURL:  "http://localhost:5173/auth/callback",
		},
		WebAuthn: config.WebAuthnConfig{
			Enabled: true,
			RPID:    "localhost",
			RPName:  "Test App",
			Origin:  "http://localhost:5173",
		},
		TwoFA: config.TwoFAConfig{
			ChallengeExpiry:    10 * time.Minute,
			RegistrationExpiry: 5 * time.Minute,
			MaxAttempts:        5,
			RecoveryCodeCount:  10,
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			DSN:    ":memory:",
		},
	}
}
