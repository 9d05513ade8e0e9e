package twofa

import (
	"time"
)

// Config holds a user's second-factor configuration. RecoveryCodes is a JSON
// list of bcrypt hashes; consuming a code removes its entry from the list.
type Config struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	UserID          uint      `json:"user_id" gorm:"uniqueIndex;not null"`
	EmailOTPEnabled bool      `json:"email_otp_enabled" gorm:"not null;default:false"`
	PasskeyEnabled  bool      `json:"passkey_enabled" gorm:"not null;default:false"`
	RecoveryCodes   string    `json:"-" gorm:"type:text"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Config) TableName() string {
	return "twofa_configs"
}

func (c *Config) IsEnabled() bool {
	return c.EmailOTPEnabled || c.PasskeyEnabled
}

// Challenge types.
const (
	TypePending             = "pending"
	TypeEmailOTP            = "email_otp"
	TypeEmailOTPSetup       = "email_otp_setup"
	TypePasskey             = "passkey"
	TypePasskeyRegistration = "passkey_registration"
	TypeDisableConfirm      = "disable_confirm"
)

// Secret kinds. OTP hashes and WebAuthn session blobs live in the same
// column pair but are tagged so one can never be verified as the other.
const (
	SecretNone            = ""
	SecretOTPHash         = "otp_hash"
	SecretWebAuthnSession = "webauthn_session"
)

// Challenge is one pending second-factor session. The opaque bearer token
// handed to the client is never stored; TokenHash is its SHA-256.
type Challenge struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UserID      uint      `json:"user_id" gorm:"not null;index"`
	TokenHash   string    `json:"-" gorm:"uniqueIndex;size:64;not null"`
	Type        string    `json:"type" gorm:"size:30;not null"`
	SecretKind  string    `json:"-" gorm:"size:20"`
	SecretValue string    `json:"-" gorm:"type:text"`
	Attempts    int       `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int       `json:"max_attempts" gorm:"not null;default:5"`
	Used        bool      `json:"used" gorm:"not null;default:false"`
	ExpiresAt   time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Challenge) TableName() string {
	return "twofa_challenges"
}

func (c *Challenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

func (c *Challenge) IsLocked() bool {
	return c.Attempts >= c.MaxAttempts
}

// Credential is a registered WebAuthn authenticator. SignCount is
// monotonically non-decreasing; a decrease signals a cloned authenticator.
type Credential struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	UserID       uint       `json:"user_id" gorm:"not null;index"`
	CredentialID string     `json:"credential_id" gorm:"uniqueIndex;size:255;not null"`
	PublicKey    []byte     `json:"-" gorm:"not null"`
	SignCount    uint32     `json:"sign_count" gorm:"not null;default:0"`
	DeviceName   string     `json:"device_name" gorm:"size:100"`
	Transports   string     `json:"transports" gorm:"size:255"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at"`
}

func (Credential) TableName() string {
	return "webauthn_credentials"
}

// Method identifiers offered to clients, in presentation order.
const (
	MethodEmailOTP = "email_otp"
	MethodPasskey  = "passkey"
	MethodRecovery = "recovery"
)
