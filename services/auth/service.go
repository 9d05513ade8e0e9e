package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrPasswordHashingFailed  = errors.New("failed to hash password")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrUserNotFound           = errors.New("user not found")
	ErrChangeTokenInvalid     = errors.New("invalid or expired change token")
	ErrResetTokenInvalid      = errors.New("invalid or expired reset token")
	ErrVerifyTokenInvalid     = errors.New("invalid or expired verification token")
	ErrAlreadyVerified        = errors.New("email is already verified")
	ErrPasswordChangeRequired = errors.New("password change required")
)

const (
	changeTokenExpiry = 15 * time.Minute
	resetTokenExpiry  = time.Hour
	verifyTokenExpiry = 24 * time.Hour
)

type Service struct {
	config *config.Config
	db     *gorm.DB
	logger *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, logger *logging.Service) *Service {
	if cfg.Auth.BcryptCost < bcrypt.MinCost || cfg.Auth.BcryptCost > bcrypt.MaxCost {
		cfg.Auth.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		config: cfg,
		db:     db,
		logger: logger,
	}
}

func (s *Service) ValidatePassword(password string) error {
	if len(password) < s.config.Auth.MinLength {
		return fmt.Errorf("password must be at least %d characters", s.config.Auth.MinLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	var missing []string

	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if s.config.Auth.RequireUpper && !hasUpper {
		missing = append(missing, "one uppercase letter")
	}
	if s.config.Auth.RequireLower && !hasLower {
		missing = append(missing, "one lowercase letter")
	}
	if s.config.Auth.RequireNumber && !hasNumber {
		missing = append(missing, "one number")
	}
	if s.config.Auth.RequireSpecial && !hasSpecial {
		missing = append(missing, "one special character")
	}

	if len(missing) > 0 {
		return fmt.Errorf("password must contain at least %s", strings.Join(missing, ", "))
	}

	return nil
}

func (s *Service) HashPassword(password string) (string, error) {
	if err := s.ValidatePassword(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.Auth.BcryptCost)
	if err != nil {
		s.logger.Error("password hashing failed", zap.Error(err))
		return "", ErrPasswordHashingFailed
	}

	return string(hash), nil
}

func (s *Service) VerifyPassword(hashedPassword, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Authenticate performs primary password authentication. The error never
// distinguishes unknown users from wrong passwords.
func (s *Service) Authenticate(username, password string) (*User, error) {
	var user User
	err := s.db.Where("username = ?", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("login failed - unknown username")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if user.PasswordHash == "" {
		// Federated-only account, no password to check.
		s.logger.Warn("login failed - passwordless account", zap.Uint("user_id", user.ID))
		return nil, ErrInvalidCredentials
	}

	if err := s.VerifyPassword(user.PasswordHash, password); err != nil {
		s.logger.Warn("login failed - wrong password", zap.Uint("user_id", user.ID))
		return nil, ErrInvalidCredentials
	}

	return &user, nil
}

func (s *Service) GetUser(userID uint) (*User, error) {
	var user User
	err := s.db.First(&user, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &user, nil
}

func (s *Service) GetUserByEmail(email string) (*User, error) {
	var user User
	err := s.db.Where("LOWER(email) = ?", strings.ToLower(email)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &user, nil
}

// WorkspacesForUser returns the summaries the login endpoints embed under
// "databases".
func (s *Service) WorkspacesForUser(userID uint) ([]WorkspaceSummary, error) {
	var user User
	if err := s.db.Preload("Workspaces").First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	summaries := make([]WorkspaceSummary, 0, len(user.Workspaces))
	for _, ws := range user.Workspaces {
		summaries = append(summaries, WorkspaceSummary{
			ID:          ws.ID,
			Name:        ws.Name,
			DisplayName: ws.DisplayName,
		})
	}
	return summaries, nil
}

// IssueChangeToken prepares the forced-password-change handshake: the login
// response carries the token instead of session credentials. Only the hash is
// persisted.
func (s *Service) IssueChangeToken(user *User) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate change token: %w", err)
	}
	expires := time.Now().Add(changeTokenExpiry)

	err = s.db.Model(user).Updates(map[string]any{
		"change_token":            hashToken(token),
		"change_token_expires_at": expires,
	}).Error
	if err != nil {
		return "", fmt.Errorf("failed to store change token: %w", err)
	}

	return token, nil
}

// CompletePasswordChange redeems a change token for a new password and clears
// the requirement. All refresh tokens of the user should be revoked by the
// caller afterwards.
func (s *Service) CompletePasswordChange(changeToken, newPassword string) (*User, error) {
	var user User
	err := s.db.Where("change_token = ?", hashToken(changeToken)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChangeTokenInvalid
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if user.ChangeTokenExpiresAt == nil || time.Now().After(*user.ChangeTokenExpiresAt) {
		return nil, ErrChangeTokenInvalid
	}

	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	err = s.db.Model(&user).Updates(map[string]any{
		"password_hash":            hash,
		"password_change_required": false,
		"change_token":             "",
		"change_token_expires_at":  nil,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update password: %w", err)
	}

	s.logger.Info("password change completed", zap.Uint("user_id", user.ID))
	user.PasswordChangeRequired = false
	return &user, nil
}

// IssuePasswordReset starts the forgot-password flow. The plaintext token
// travels only in the email; the row stores its hash with a 1-hour expiry.
// Reissuing replaces any earlier token.
func (s *Service) IssuePasswordReset(user *User) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	expires := time.Now().Add(resetTokenExpiry)

	err = s.db.Model(user).Updates(map[string]any{
		"reset_token":            hashToken(token),
		"reset_token_expires_at": expires,
	}).Error
	if err != nil {
		return "", fmt.Errorf("failed to store reset token: %w", err)
	}

	s.logger.Info("password reset issued", zap.Uint("user_id", user.ID))
	return token, nil
}

// CompletePasswordReset redeems a reset token for a new password. The token is
// one-shot; a forced-change flag is cleared along the way since the user just
// proved control of the mailbox and picked a fresh password. Callers revoke
// the user's refresh tokens afterwards.
func (s *Service) CompletePasswordReset(resetToken, newPassword string) (*User, error) {
	var user User
	err := s.db.Where("reset_token = ?", hashToken(resetToken)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResetTokenInvalid
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if user.ResetTokenExpiresAt == nil || time.Now().After(*user.ResetTokenExpiresAt) {
		return nil, ErrResetTokenInvalid
	}

	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	err = s.db.Model(&user).Updates(map[string]any{
		"password_hash":            hash,
		"password_change_required": false,
		"reset_token":              "",
		"reset_token_expires_at":   nil,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to reset password: %w", err)
	}

	s.logger.Info("password reset completed", zap.Uint("user_id", user.ID))
	user.PasswordChangeRequired = false
	return &user, nil
}

// IssueEmailVerification mints a verification token for an unverified email,
// hash at rest, 24-hour expiry.
func (s *Service) IssueEmailVerification(user *User) (string, error) {
	if user.IsEmailVerified() {
		return "", ErrAlreadyVerified
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate verification token: %w", err)
	}
	expires := time.Now().Add(verifyTokenExpiry)

	err = s.db.Model(user).Updates(map[string]any{
		"verify_token":            hashToken(token),
		"verify_token_expires_at": expires,
	}).Error
	if err != nil {
		return "", fmt.Errorf("failed to store verification token: %w", err)
	}

	return token, nil
}

// VerifyEmail redeems a verification token and stamps EmailVerifiedAt, which
// unlocks verified-email auto-linking of federated identities.
func (s *Service) VerifyEmail(verifyToken string) (*User, error) {
	var user User
	err := s.db.Where("verify_token = ?", hashToken(verifyToken)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVerifyTokenInvalid
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if user.VerifyTokenExpiresAt == nil || time.Now().After(*user.VerifyTokenExpiresAt) {
		return nil, ErrVerifyTokenInvalid
	}

	now := time.Now()
	err = s.db.Model(&user).Updates(map[string]any{
		"email_verified_at":       now,
		"verify_token":            "",
		"verify_token_expires_at": nil,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}

	s.logger.Info("email verified", zap.Uint("user_id", user.ID))
	user.EmailVerifiedAt = &now
	return &user, nil
}

// RegisterFederatedUser creates a user, their default workspace and nothing
// else; the OAuth link is written by the caller inside the same transaction.
// Usernames derive from the email local-part with a numeric suffix when taken.
func (s *Service) RegisterFederatedUser(tx *gorm.DB, provider, email string) (*User, error) {
	base := fmt.Sprintf("%s_user", provider)
	if email != "" {
		if at := strings.Index(email, "@"); at > 0 {
			base = email[:at]
		}
	}

	username := base
	for counter := 1; ; counter++ {
		var count int64
		if err := tx.Model(&User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		if count == 0 {
			break
		}
		username = fmt.Sprintf("%s%d", base, counter)
	}

	now := time.Now()
	user := User{
		Username:        username,
		Email:           email,
		EmailVerifiedAt: &now, // provider attested the email
		Role:            "admin",
		AuthProvider:    provider,
		CreatedAt:       now,
	}
	if err := tx.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	workspace := Workspace{
		Name:        fmt.Sprintf("ws_%d", user.ID),
		DisplayName: "Personal",
		Description: "My bills and finances",
		OwnerID:     user.ID,
		CreatedAt:   now,
	}
	if err := tx.Create(&workspace).Error; err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := tx.Model(&user).Association("Workspaces").Append(&workspace); err != nil {
		return nil, fmt.Errorf("failed to grant workspace access: %w", err)
	}

	s.logger.Info("auto-registered federated user",
		zap.Uint("user_id", user.ID),
		zap.String("provider", provider))

	return &user, nil
}

func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// hashToken returns the hex SHA-256 of a bearer token, the only form the
// change/reset/verification columns ever hold.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
