package auth

import (
	"time"
)

// User is the local account. PasswordHash is empty for accounts that only
// ever authenticated through a federated provider.
type User struct {
	ID                     uint       `json:"id" gorm:"primaryKey"`
	Username               string     `json:"username" gorm:"uniqueIndex;size:80;not null"`
	Email                  string     `json:"email" gorm:"uniqueIndex;size:255"`
	EmailVerifiedAt        *time.Time `json:"email_verified_at"`
	PasswordHash           string     `json:"-" gorm:"size:256"`
	Role                   string     `json:"role" gorm:"size:20;default:user"`
	PasswordChangeRequired bool       `json:"password_change_required" gorm:"default:false"`
	ChangeToken            string     `json:"-" gorm:"size:64"`
	ChangeTokenExpiresAt   *time.Time `json:"-"`
	ResetToken             string     `json:"-" gorm:"size:64"`
	ResetTokenExpiresAt    *time.Time `json:"-"`
	VerifyToken            string     `json:"-" gorm:"size:64"`
	VerifyTokenExpiresAt   *time.Time `json:"-"`
	AuthProvider           string     `json:"auth_provider" gorm:"size:20"`
	CreatedAt              time.Time  `json:"created_at"`

	Workspaces []Workspace `json:"-" gorm:"many2many:user_workspace_access;"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) IsEmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// Workspace is a shared bill ledger ("database" on the wire, kept for client
// compatibility). Every auto-registered user gets one.
type Workspace struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"uniqueIndex;size:50;not null"`
	DisplayName string    `json:"display_name" gorm:"size:100;not null"`
	Description string    `json:"description" gorm:"size:255"`
	OwnerID     uint      `json:"owner_id" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// WorkspaceSummary is the shape the login endpoints return under "databases".
type WorkspaceSummary struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}
