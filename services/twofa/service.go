package twofa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/auth"
	"github.com/billmanager/billmanager/services/logging"
	"github.com/billmanager/billmanager/services/mail"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrSessionInvalid     = errors.New("invalid 2FA session token")
	ErrChallengeExpired   = errors.New("2FA session expired")
	ErrChallengeUsed      = errors.New("2FA session already used")
	ErrChallengeLocked    = errors.New("too many failed attempts")
	ErrChallengeType      = errors.New("unexpected challenge type")
	ErrCodeInvalid        = errors.New("invalid verification code")
	ErrNoEmail            = errors.New("no email address on account")
	ErrNotEnabled         = errors.New("2FA is not enabled")
	ErrMailDispatchFailed = errors.New("failed to dispatch verification code")
	ErrUnknownMethod      = errors.New("unknown 2FA method")
)

type Service struct {
	config *config.Config
	db     *gorm.DB
	sender mail.Sender
	logger *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, sender mail.Sender, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		db:     db,
		sender: sender,
		logger: logger,
	}
}

// GetConfig returns the user's 2FA configuration, nil when none exists.
func (s *Service) GetConfig(userID uint) (*Config, error) {
	var cfg Config
	err := s.db.Where("user_id = ?", userID).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &cfg, nil
}

// Required reports whether a login for this user must pass a second factor.
func (s *Service) Required(userID uint) (bool, error) {
	cfg, err := s.GetConfig(userID)
	if err != nil {
		return false, err
	}
	return cfg != nil && cfg.IsEnabled(), nil
}

// Open starts a pending second-factor session after primary authentication
// succeeded. Returns the opaque bearer session token (only its hash is
// stored) and the methods available to the user; recovery is always offered.
func (s *Service) Open(userID uint) (string, []string, error) {
	cfg, err := s.GetConfig(userID)
	if err != nil {
		return "", nil, err
	}
	if cfg == nil || !cfg.IsEnabled() {
		return "", nil, ErrNotEnabled
	}

	token, tokenHash, err := generateSessionToken()
	if err != nil {
		return "", nil, err
	}

	challenge := Challenge{
		UserID:      userID,
		TokenHash:   tokenHash,
		Type:        TypePending,
		MaxAttempts: s.config.TwoFA.MaxAttempts,
		ExpiresAt:   time.Now().Add(s.config.TwoFA.ChallengeExpiry),
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(&challenge).Error; err != nil {
		return "", nil, fmt.Errorf("failed to create 2FA challenge: %w", err)
	}

	var methods []string
	if cfg.EmailOTPEnabled {
		methods = append(methods, MethodEmailOTP)
	}
	if cfg.PasskeyEnabled {
		methods = append(methods, MethodPasskey)
	}
	methods = append(methods, MethodRecovery)

	s.logger.Info("opened 2FA challenge session",
		zap.Uint("user_id", userID),
		zap.Strings("methods", methods))

	return token, methods, nil
}

// VerifySession resolves a session token to its live challenge. Expired,
// used and locked sessions each fail with their own sentinel; a locked
// session short-circuits here so further verify calls cannot consume
// attempts.
func (s *Service) VerifySession(token string) (*Challenge, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	tokenHash := hashToken(token)
	var challenge Challenge
	err := s.db.Where("token_hash = ?", tokenHash).First(&challenge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if challenge.IsExpired() {
		return nil, ErrChallengeExpired
	}
	if challenge.Used {
		return nil, ErrChallengeUsed
	}
	if challenge.IsLocked() {
		return nil, ErrChallengeLocked
	}

	return &challenge, nil
}

// RequestEmailOTP generates a 6-digit code from a cryptographically secure
// source, stores only its hash on the challenge and dispatches it. A failed
// dispatch fails the request loudly: the user cannot otherwise obtain the
// code.
func (s *Service) RequestEmailOTP(challenge *Challenge, user *auth.User) error {
	if user.Email == "" {
		return ErrNoEmail
	}

	code, err := generateOTPCode()
	if err != nil {
		return err
	}

	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), s.config.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash OTP code: %w", err)
	}

	err = s.db.Model(challenge).Updates(map[string]any{
		"type":         TypeEmailOTP,
		"secret_kind":  SecretOTPHash,
		"secret_value": string(codeHash),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to store OTP challenge: %w", err)
	}

	if err := s.sender.SendTwoFACode(user.Email, user.Username, code); err != nil {
		s.logger.Error("failed to send 2FA code",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return ErrMailDispatchFailed
	}

	return nil
}

// VerifyEmailOTP checks the submitted code against the stored hash. A
// mismatch increments and persists Attempts before returning so partial
// state survives a crash mid-check.
func (s *Service) VerifyEmailOTP(challenge *Challenge, code string) error {
	if challenge.SecretKind != SecretOTPHash || challenge.SecretValue == "" {
		return s.recordFailure(challenge, ErrCodeInvalid)
	}

	if bcrypt.CompareHashAndPassword([]byte(challenge.SecretValue), []byte(code)) != nil {
		return s.recordFailure(challenge, ErrCodeInvalid)
	}

	return nil
}

// MarkUsed finishes a challenge successfully; used is terminal.
func (s *Service) MarkUsed(challenge *Challenge) error {
	if err := s.db.Model(challenge).Update("used", true).Error; err != nil {
		return fmt.Errorf("failed to mark challenge used: %w", err)
	}
	challenge.Used = true
	return nil
}

// BeginEmailOTPSetup starts enabling email OTP: a test code proves the
// address works before the method is switched on.
func (s *Service) BeginEmailOTPSetup(user *auth.User) (string, error) {
	if user.Email == "" {
		return "", ErrNoEmail
	}

	code, err := generateOTPCode()
	if err != nil {
		return "", err
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), s.config.Auth.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP code: %w", err)
	}

	token, tokenHash, err := generateSessionToken()
	if err != nil {
		return "", err
	}

	challenge := Challenge{
		UserID:      user.ID,
		TokenHash:   tokenHash,
		Type:        TypeEmailOTPSetup,
		SecretKind:  SecretOTPHash,
		SecretValue: string(codeHash),
		MaxAttempts: s.config.TwoFA.MaxAttempts,
		ExpiresAt:   time.Now().Add(s.config.TwoFA.ChallengeExpiry),
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(&challenge).Error; err != nil {
		return "", fmt.Errorf("failed to create setup challenge: %w", err)
	}

	if err := s.sender.SendTwoFACode(user.Email, user.Username, code); err != nil {
		s.logger.Error("failed to send 2FA setup code",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return "", ErrMailDispatchFailed
	}

	return token, nil
}

// ConfirmEmailOTPSetup completes the setup handshake and enables the method.
// Recovery codes are generated on first-time enablement and returned in
// plaintext exactly once.
func (s *Service) ConfirmEmailOTPSetup(userID uint, setupToken, code string) ([]string, error) {
	challenge, err := s.VerifySession(setupToken)
	if err != nil {
		return nil, err
	}
	if challenge.UserID != userID {
		return nil, ErrSessionInvalid
	}
	if challenge.Type != TypeEmailOTPSetup {
		return nil, ErrChallengeType
	}

	if err := s.VerifyEmailOTP(challenge, code); err != nil {
		return nil, err
	}
	if err := s.MarkUsed(challenge); err != nil {
		return nil, err
	}

	cfg, err := s.ensureConfig(userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(cfg).Update("email_otp_enabled", true).Error; err != nil {
		return nil, fmt.Errorf("failed to enable email OTP: %w", err)
	}

	var recoveryCodes []string
	if cfg.RecoveryCodes == "" {
		recoveryCodes, err = s.GenerateRecoveryCodes(userID)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("email OTP 2FA enabled", zap.Uint("user_id", userID))
	return recoveryCodes, nil
}

// SendDisableCode starts the re-proof handshake for federated-only accounts
// that hold no password. The returned session token names the handshake; the
// emailed code proves mailbox control. Both are required to disable.
func (s *Service) SendDisableCode(user *auth.User) (string, error) {
	if user.Email == "" {
		return "", ErrNoEmail
	}

	code, err := generateOTPCode()
	if err != nil {
		return "", err
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), s.config.Auth.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash confirmation code: %w", err)
	}

	token, tokenHash, err := generateSessionToken()
	if err != nil {
		return "", err
	}

	challenge := Challenge{
		UserID:      user.ID,
		TokenHash:   tokenHash,
		Type:        TypeDisableConfirm,
		SecretKind:  SecretOTPHash,
		SecretValue: string(codeHash),
		MaxAttempts: s.config.TwoFA.MaxAttempts,
		ExpiresAt:   time.Now().Add(s.config.TwoFA.ChallengeExpiry),
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(&challenge).Error; err != nil {
		return "", fmt.Errorf("failed to create disable challenge: %w", err)
	}

	if err := s.sender.SendTwoFACode(user.Email, user.Username, code); err != nil {
		s.logger.Error("failed to send disable confirmation code",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return "", ErrMailDispatchFailed
	}

	return token, nil
}

// VerifyDisableCode resolves the handshake by its token hash like every other
// challenge and checks the re-proof code. Consumes the session on success.
func (s *Service) VerifyDisableCode(userID uint, token, code string) error {
	challenge, err := s.VerifySession(token)
	if err != nil {
		return err
	}
	if challenge.UserID != userID {
		return ErrSessionInvalid
	}
	if challenge.Type != TypeDisableConfirm {
		return ErrChallengeType
	}

	if err := s.VerifyEmailOTP(challenge, code); err != nil {
		return err
	}

	return s.MarkUsed(challenge)
}

// Disable strips all second-factor state: config flags, recovery codes,
// registered credentials and outstanding challenges. Callers must have
// re-proved the user's identity first.
func (s *Service) Disable(userID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Config{}).Where("user_id = ?", userID).Updates(map[string]any{
			"email_otp_enabled": false,
			"passkey_enabled":   false,
			"recovery_codes":    "",
		}).Error
		if err != nil {
			return fmt.Errorf("failed to disable 2FA config: %w", err)
		}

		if err := tx.Where("user_id = ?", userID).Delete(&Credential{}).Error; err != nil {
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&Challenge{}).Error; err != nil {
			return fmt.Errorf("failed to remove challenges: %w", err)
		}

		s.logger.Info("2FA disabled", zap.Uint("user_id", userID))
		return nil
	})
}

// recordFailure persists the attempt increment before surfacing the error.
// Re-reads the row first so concurrent failures are not lost. The caller's
// in-memory challenge is refreshed.
func (s *Service) recordFailure(challenge *Challenge, cause error) error {
	err := s.db.Model(&Challenge{}).
		Where("id = ?", challenge.ID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
	if err != nil {
		s.logger.Error("failed to persist challenge attempt",
			zap.Uint("challenge_id", challenge.ID), zap.Error(err))
	}
	challenge.Attempts++
	return cause
}

func (s *Service) ensureConfig(userID uint) (*Config, error) {
	cfg, err := s.GetConfig(userID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	cfg = &Config{UserID: userID, CreatedAt: time.Now()}
	if err := s.db.Create(cfg).Error; err != nil {
		return nil, fmt.Errorf("failed to create 2FA config: %w", err)
	}
	return cfg, nil
}

func generateSessionToken() (token, tokenHash string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(tokenBytes)
	return token, hashToken(token), nil
}

// generateOTPCode draws a 6-digit code from crypto/rand, never a weak PRNG.
func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
