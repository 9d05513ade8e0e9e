package refreshtoken

import (
	"time"
)

// RefreshToken stores only the SHA-256 hash of the issued token value.
// Rows are revoked, never deleted, so that a token's lifecycle stays
// auditable; a background worker garbage-collects long-expired rows.
type RefreshToken struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	UserID     uint      `json:"user_id" gorm:"not null;index"`
	TokenHash  string    `json:"-" gorm:"uniqueIndex;size:64;not null"`
	DeviceInfo string    `json:"device_info" gorm:"size:255"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"not null;index"`
	Revoked    bool      `json:"revoked" gorm:"not null;default:false"`
	CreatedAt  time.Time `json:"created_at"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

type TokenData struct {
	Token     string
	TokenID   uint
	Hash      string
	ExpiresAt time.Time
}

type RotationResult struct {
	AccessToken  string
	RefreshToken string
	OldTokenID   uint
	NewTokenID   uint
	ExpiresAt    time.Time
}
