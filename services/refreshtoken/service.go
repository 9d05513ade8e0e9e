package refreshtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTokenNotFound         = errors.New("refresh token not found")
	ErrTokenExpired          = errors.New("refresh token expired")
	ErrTokenRevoked          = errors.New("refresh token has been revoked")
	ErrTokenGenerationFailed = errors.New("failed to generate secure token")
)

// AccessTokenIssuer is the slice of the JWT service that rotation needs.
type AccessTokenIssuer interface {
	GenerateAccessToken(userID uint, role string) (string, error)
}

type Service struct {
	db     *gorm.DB
	config *config.Config
	logger *logging.Service
}

func NewService(db *gorm.DB, cfg *config.Config, logger *logging.Service) *Service {
	logger.Info("initializing refresh token service",
		zap.Duration("token_expiry", cfg.RefreshToken.Expiry),
		zap.Int("token_length", cfg.RefreshToken.TokenLength),
		zap.Duration("cleanup_interval", cfg.RefreshToken.CleanupInterval))

	return &Service{
		db:     db,
		config: cfg,
		logger: logger,
	}
}

// Generate issues a new refresh token for the user. The plaintext exists only
// in the returned TokenData; the row stores its hash. A persistence failure
// fails the whole call, no partial token is returned.
func (s *Service) Generate(userID uint, deviceInfo string) (*TokenData, error) {
	token, err := s.generateSecureToken()
	if err != nil {
		s.logger.Error("failed to generate secure refresh token", zap.Error(err))
		return nil, ErrTokenGenerationFailed
	}

	tokenHash := HashToken(token)
	expiresAt := time.Now().Add(s.config.RefreshToken.Expiry)

	row := RefreshToken{
		UserID:     userID,
		TokenHash:  tokenHash,
		DeviceInfo: deviceInfo,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("failed to store refresh token", zap.Error(err), zap.Uint("user_id", userID))
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	s.logger.Info("refresh token generated",
		zap.Uint("user_id", userID),
		zap.Uint("token_id", row.ID),
		zap.Time("expires_at", expiresAt))

	return &TokenData{
		Token:     token,
		TokenID:   row.ID,
		Hash:      tokenHash,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate resolves a presented token to its row. Newly-expired rows that
// were never revoked are marked revoked on the way out so stale state heals
// itself.
func (s *Service) Validate(tokenString string) (*RefreshToken, error) {
	tokenHash := HashToken(tokenString)

	var row RefreshToken
	err := s.db.Where("token_hash = ?", tokenHash).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("refresh token validation failed - token not found")
			return nil, ErrTokenNotFound
		}
		s.logger.Error("refresh token validation failed - database error", zap.Error(err))
		return nil, fmt.Errorf("database error: %w", err)
	}

	if row.Revoked {
		s.logger.Warn("refresh token validation failed - token revoked",
			zap.Uint("token_id", row.ID),
			zap.Uint("user_id", row.UserID))
		return nil, ErrTokenRevoked
	}

	if time.Now().After(row.ExpiresAt) {
		s.logger.Warn("refresh token validation failed - token expired",
			zap.Uint("token_id", row.ID),
			zap.Uint("user_id", row.UserID),
			zap.Time("expired_at", row.ExpiresAt))
		if err := s.db.Model(&row).Update("revoked", true).Error; err != nil {
			s.logger.Warn("failed to mark expired refresh token revoked",
				zap.Uint("token_id", row.ID), zap.Error(err))
		}
		return nil, ErrTokenExpired
	}

	return &row, nil
}

// Rotate redeems a refresh token for a fresh access/refresh pair, bound to
// the same user and device info. Rotation is one-shot: the revoke of the old
// row happens with a guard on revoked=false inside a transaction, so a
// concurrent or replayed rotation of the same token observes zero affected
// rows and fails.
func (s *Service) Rotate(tokenString string, issuer AccessTokenIssuer, role string) (*RotationResult, error) {
	old, err := s.Validate(tokenString)
	if err != nil {
		s.logger.Warn("refresh token rotation failed - validation error", zap.Error(err))
		return nil, err
	}

	var result RotationResult
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RefreshToken{}).
			Where("id = ? AND revoked = ?", old.ID, false).
			Update("revoked", true)
		if res.Error != nil {
			return fmt.Errorf("failed to revoke old refresh token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race against another rotation of the same token.
			return ErrTokenRevoked
		}

		accessToken, err := issuer.GenerateAccessToken(old.UserID, role)
		if err != nil {
			return fmt.Errorf("failed to generate new access token: %w", err)
		}

		token, err := s.generateSecureToken()
		if err != nil {
			return ErrTokenGenerationFailed
		}

		newRow := RefreshToken{
			UserID:     old.UserID,
			TokenHash:  HashToken(token),
			DeviceInfo: old.DeviceInfo,
			ExpiresAt:  time.Now().Add(s.config.RefreshToken.Expiry),
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(&newRow).Error; err != nil {
			return fmt.Errorf("failed to store rotated refresh token: %w", err)
		}

		result = RotationResult{
			AccessToken:  accessToken,
			RefreshToken: token,
			OldTokenID:   old.ID,
			NewTokenID:   newRow.ID,
			ExpiresAt:    newRow.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refresh token rotated",
		zap.Uint("user_id", old.UserID),
		zap.Uint("old_token_id", result.OldTokenID),
		zap.Uint("new_token_id", result.NewTokenID))

	return &result, nil
}

// Revoke marks the row for a presented token revoked. Unknown tokens are not
// an error: logout is idempotent.
func (s *Service) Revoke(tokenString string) error {
	tokenHash := HashToken(tokenString)
	result := s.db.Model(&RefreshToken{}).
		Where("token_hash = ? AND revoked = ?", tokenHash, false).
		Update("revoked", true)

	if result.Error != nil {
		s.logger.Error("failed to revoke refresh token", zap.Error(result.Error))
		return fmt.Errorf("failed to revoke refresh token: %w", result.Error)
	}

	s.logger.Info("refresh token revoked",
		zap.String("token_hash", tokenHash[:16]+"..."),
		zap.Int64("affected_rows", result.RowsAffected))

	return nil
}

// RevokeAllForUser bulk-revokes every live token for a user. Used on password
// reset and explicit "logout everywhere".
func (s *Service) RevokeAllForUser(userID uint) error {
	result := s.db.Model(&RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true)

	if result.Error != nil {
		s.logger.Error("failed to revoke all user refresh tokens",
			zap.Error(result.Error), zap.Uint("user_id", userID))
		return fmt.Errorf("failed to revoke all user refresh tokens: %w", result.Error)
	}

	s.logger.Info("all user refresh tokens revoked",
		zap.Uint("user_id", userID),
		zap.Int64("count", result.RowsAffected))

	return nil
}

// CleanupExpired deletes rows whose expiry lies further in the past than the
// configured retention window. Recently-expired rows stay around for audit.
func (s *Service) CleanupExpired() error {
	cutoff := time.Now().Add(-s.config.RefreshToken.CleanupAge)
	result := s.db.Where("expires_at < ?", cutoff).Delete(&RefreshToken{})

	if result.Error != nil {
		s.logger.Error("failed to cleanup expired refresh tokens", zap.Error(result.Error))
		return fmt.Errorf("failed to cleanup expired tokens: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.logger.Info("cleaned up expired refresh tokens",
			zap.Int64("count", result.RowsAffected))
	}

	return nil
}

func (s *Service) StartCleanupWorker() {
	go func() {
		ticker := time.NewTicker(s.config.RefreshToken.CleanupInterval)
		defer ticker.Stop()

		for range ticker.C {
			if err := s.CleanupExpired(); err != nil {
				s.logger.Error("refresh token cleanup worker failed", zap.Error(err))
			}
		}
	}()

	s.logger.Info("started refresh token cleanup worker",
		zap.Duration("interval", s.config.RefreshToken.CleanupInterval))
}

func (s *Service) generateSecureToken() (string, error) {
	tokenBytes := make([]byte, s.config.RefreshToken.TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

// HashToken returns the hex SHA-256 of a token value, the only form that is
// ever persisted.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
