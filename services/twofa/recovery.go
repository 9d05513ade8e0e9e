package twofa

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRecoveryCodeInvalid = errors.New("invalid recovery code")

// GenerateRecoveryCodes replaces the user's recovery codes with a fresh set.
// Plaintext codes are returned exactly once; only bcrypt hashes are stored.
func (s *Service) GenerateRecoveryCodes(userID uint) ([]string, error) {
	count := s.config.TwoFA.RecoveryCodeCount

	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := generateRecoveryCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), s.config.Auth.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash recovery code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}

	encoded, err := json.Marshal(hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recovery codes: %w", err)
	}

	cfg, err := s.ensureConfig(userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(cfg).Update("recovery_codes", string(encoded)).Error; err != nil {
		return nil, fmt.Errorf("failed to store recovery codes: %w", err)
	}

	s.logger.Info("regenerated recovery codes",
		zap.Uint("user_id", userID), zap.Int("count", count))
	return codes, nil
}

// RecoveryCodesRemaining reports how many unused codes the user still holds.
func (s *Service) RecoveryCodesRemaining(userID uint) (int, error) {
	cfg, err := s.GetConfig(userID)
	if err != nil {
		return 0, err
	}
	if cfg == nil || cfg.RecoveryCodes == "" {
		return 0, nil
	}
	var hashes []string
	if err := json.Unmarshal([]byte(cfg.RecoveryCodes), &hashes); err != nil {
		return 0, fmt.Errorf("corrupt recovery code store: %w", err)
	}
	return len(hashes), nil
}

// ConsumeRecoveryCode burns a single-use recovery code. The config row is
// locked FOR UPDATE for the duration of the check so two concurrent submits
// of the same code cannot both succeed; the matched hash is removed from the
// stored set, not flagged.
func (s *Service) ConsumeRecoveryCode(userID uint, code string) error {
	normalized := strings.ToUpper(strings.TrimSpace(code))

	return s.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("user_id = ?", userID)
		// SQLite serializes writers per connection and rejects FOR UPDATE
		// syntax; the row lock matters on postgres and mysql.
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var cfg Config
		err := q.First(&cfg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecoveryCodeInvalid
			}
			return fmt.Errorf("database error: %w", err)
		}
		if cfg.RecoveryCodes == "" {
			return ErrRecoveryCodeInvalid
		}

		var hashes []string
		if err := json.Unmarshal([]byte(cfg.RecoveryCodes), &hashes); err != nil {
			return fmt.Errorf("corrupt recovery code store: %w", err)
		}

		matched := -1
		for i, hash := range hashes {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalized)) == nil {
				matched = i
				break
			}
		}
		if matched < 0 {
			return ErrRecoveryCodeInvalid
		}

		remaining := append(hashes[:matched], hashes[matched+1:]...)
		encoded, err := json.Marshal(remaining)
		if err != nil {
			return fmt.Errorf("failed to encode recovery codes: %w", err)
		}

		err = tx.Model(&cfg).Update("recovery_codes", string(encoded)).Error
		if err != nil {
			return fmt.Errorf("failed to consume recovery code: %w", err)
		}

		s.logger.Info("consumed recovery code",
			zap.Uint("user_id", userID), zap.Int("remaining", len(remaining)))
		return nil
	})
}

// VerifyRecovery burns a recovery code within a login challenge. A bad code
// counts against the challenge's attempt budget like any other method.
func (s *Service) VerifyRecovery(challenge *Challenge, code string) error {
	if err := s.ConsumeRecoveryCode(challenge.UserID, code); err != nil {
		if errors.Is(err, ErrRecoveryCodeInvalid) {
			return s.recordFailure(challenge, ErrRecoveryCodeInvalid)
		}
		return err
	}
	return nil
}

// generateRecoveryCode draws 4 random bytes rendered as 8 uppercase hex
// characters.
func generateRecoveryCode() (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate recovery code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}
