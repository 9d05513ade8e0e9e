package twofa

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/billmanager/billmanager/services/auth"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrPasskeyFailed       = errors.New("passkey verification failed")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrClonedAuthenticator = errors.New("authenticator clone detected")
)

// webauthnUser adapts a local user plus their stored credentials to the
// interface go-webauthn operates on. The ID is the numeric user ID in
// big-endian form so it round-trips through the authenticator unchanged.
type webauthnUser struct {
	user        *auth.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte {
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, uint64(u.user.ID))
	return id
}

func (u *webauthnUser) WebAuthnName() string        { return u.user.Username }
func (u *webauthnUser) WebAuthnIcon() string        { return "" }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.user.Username }

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) webAuthn() (*webauthn.WebAuthn, error) {
	return webauthn.New(&webauthn.Config{
		RPDisplayName: s.config.WebAuthn.RPName,
		RPID:          s.config.WebAuthn.RPID,
		RPOrigins:     []string{s.config.WebAuthn.Origin},
	})
}

func (s *Service) loadWebAuthnUser(user *auth.User) (*webauthnUser, []Credential, error) {
	var stored []Credential
	err := s.db.Where("user_id = ?", user.ID).Find(&stored).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	creds := make([]webauthn.Credential, 0, len(stored))
	for _, c := range stored {
		id, err := base64.RawURLEncoding.DecodeString(c.CredentialID)
		if err != nil {
			continue
		}
		cred := webauthn.Credential{
			ID:        id,
			PublicKey: c.PublicKey,
		}
		cred.Authenticator.SignCount = c.SignCount
		for _, t := range strings.Split(c.Transports, ",") {
			if t != "" {
				cred.Transport = append(cred.Transport, protocol.AuthenticatorTransport(t))
			}
		}
		creds = append(creds, cred)
	}

	return &webauthnUser{user: user, credentials: creds}, stored, nil
}

// BeginPasskeyRegistration opens a registration ceremony. The library's
// session data is persisted on a short-lived challenge whose opaque token
// the client must echo back to finish.
func (s *Service) BeginPasskeyRegistration(user *auth.User) (*protocol.CredentialCreation, string, error) {
	w, err := s.webAuthn()
	if err != nil {
		return nil, "", fmt.Errorf("webauthn init failed: %w", err)
	}

	wu, _, err := s.loadWebAuthnUser(user)
	if err != nil {
		return nil, "", err
	}

	options, session, err := w.BeginRegistration(wu)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin registration: %w", err)
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode webauthn session: %w", err)
	}

	token, tokenHash, err := generateSessionToken()
	if err != nil {
		return nil, "", err
	}

	challenge := Challenge{
		UserID:      user.ID,
		TokenHash:   tokenHash,
		Type:        TypePasskeyRegistration,
		SecretKind:  SecretWebAuthnSession,
		SecretValue: string(sessionJSON),
		MaxAttempts: s.config.TwoFA.MaxAttempts,
		ExpiresAt:   time.Now().Add(s.config.TwoFA.RegistrationExpiry),
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(&challenge).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create registration challenge: %w", err)
	}

	return options, token, nil
}

// FinishPasskeyRegistration validates the attestation response and stores
// the new credential. Enabling the passkey method on first credential also
// provisions recovery codes, returned in plaintext exactly once.
func (s *Service) FinishPasskeyRegistration(user *auth.User, token, deviceName string, body io.Reader) ([]string, error) {
	challenge, err := s.VerifySession(token)
	if err != nil {
		return nil, err
	}
	if challenge.UserID != user.ID {
		return nil, ErrSessionInvalid
	}
	if challenge.Type != TypePasskeyRegistration || challenge.SecretKind != SecretWebAuthnSession {
		return nil, ErrChallengeType
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SecretValue), &session); err != nil {
		return nil, fmt.Errorf("corrupt webauthn session: %w", err)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, s.recordFailure(challenge, ErrPasskeyFailed)
	}

	w, err := s.webAuthn()
	if err != nil {
		return nil, fmt.Errorf("webauthn init failed: %w", err)
	}

	wu, _, err := s.loadWebAuthnUser(user)
	if err != nil {
		return nil, err
	}

	credential, err := w.CreateCredential(wu, session, parsed)
	if err != nil {
		s.logger.Warn("passkey registration rejected",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return nil, s.recordFailure(challenge, ErrPasskeyFailed)
	}

	if err := s.MarkUsed(challenge); err != nil {
		return nil, err
	}

	return s.storeRegisteredCredential(user, deviceName, credential)
}

// storeRegisteredCredential persists a freshly attested credential and
// switches the passkey method on. First-time enablement provisions recovery
// codes, returned in plaintext exactly once.
func (s *Service) storeRegisteredCredential(user *auth.User, deviceName string, credential *webauthn.Credential) ([]string, error) {
	if deviceName == "" {
		deviceName = "Passkey"
	}
	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}

	stored := Credential{
		UserID:       user.ID,
		CredentialID: base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKey:    credential.PublicKey,
		SignCount:    credential.Authenticator.SignCount,
		DeviceName:   deviceName,
		Transports:   strings.Join(transports, ","),
		CreatedAt:    time.Now(),
	}
	if err := s.db.Create(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	cfg, err := s.ensureConfig(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(cfg).Update("passkey_enabled", true).Error; err != nil {
		return nil, fmt.Errorf("failed to enable passkey method: %w", err)
	}

	var recoveryCodes []string
	if cfg.RecoveryCodes == "" {
		recoveryCodes, err = s.GenerateRecoveryCodes(user.ID)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("passkey registered",
		zap.Uint("user_id", user.ID), zap.String("device", deviceName))
	return recoveryCodes, nil
}

// BeginPasskeyAssertion prepares assertion options within an open login
// challenge. The challenge transitions from pending to the passkey type and
// carries the ceremony session until the finish call.
func (s *Service) BeginPasskeyAssertion(challenge *Challenge, user *auth.User) (*protocol.CredentialAssertion, error) {
	w, err := s.webAuthn()
	if err != nil {
		return nil, fmt.Errorf("webauthn init failed: %w", err)
	}

	wu, _, err := s.loadWebAuthnUser(user)
	if err != nil {
		return nil, err
	}
	if len(wu.credentials) == 0 {
		return nil, ErrCredentialNotFound
	}

	options, session, err := w.BeginLogin(wu)
	if err != nil {
		return nil, fmt.Errorf("failed to begin assertion: %w", err)
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webauthn session: %w", err)
	}

	err = s.db.Model(challenge).Updates(map[string]any{
		"type":         TypePasskey,
		"secret_kind":  SecretWebAuthnSession,
		"secret_value": string(sessionJSON),
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store assertion challenge: %w", err)
	}

	return options, nil
}

// FinishPasskeyAssertion validates the assertion. A sign count at or below
// the stored value on a counter-bearing authenticator is treated as a clone
// and fails hard; on success the counter and last-used timestamp advance.
func (s *Service) FinishPasskeyAssertion(challenge *Challenge, user *auth.User, body io.Reader) error {
	if challenge.Type != TypePasskey || challenge.SecretKind != SecretWebAuthnSession {
		return ErrChallengeType
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SecretValue), &session); err != nil {
		return fmt.Errorf("corrupt webauthn session: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return s.recordFailure(challenge, ErrPasskeyFailed)
	}

	w, err := s.webAuthn()
	if err != nil {
		return fmt.Errorf("webauthn init failed: %w", err)
	}

	wu, stored, err := s.loadWebAuthnUser(user)
	if err != nil {
		return err
	}

	credential, err := w.ValidateLogin(wu, session, parsed)
	if err != nil {
		s.logger.Warn("passkey assertion rejected",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return s.recordFailure(challenge, ErrPasskeyFailed)
	}

	return s.settleAssertion(user, stored, credential)
}

// settleAssertion applies the library's verdict to the stored credential:
// clone warnings fail the login outright, successful assertions advance the
// signature counter and stamp last use.
func (s *Service) settleAssertion(user *auth.User, stored []Credential, credential *webauthn.Credential) error {
	if credential.Authenticator.CloneWarning {
		s.logger.Error("authenticator clone warning",
			zap.Uint("user_id", user.ID),
			zap.Uint32("sign_count", credential.Authenticator.SignCount))
		return ErrClonedAuthenticator
	}

	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)
	for i := range stored {
		if stored[i].CredentialID != credentialID {
			continue
		}
		now := time.Now()
		err := s.db.Model(&stored[i]).Updates(map[string]any{
			"sign_count":   credential.Authenticator.SignCount,
			"last_used_at": &now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		break
	}

	return nil
}

// ListCredentials returns the user's registered passkeys for management UIs.
func (s *Service) ListCredentials(userID uint) ([]Credential, error) {
	var creds []Credential
	err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// DeleteCredential removes one passkey; deleting the last one also switches
// the passkey method off.
func (s *Service) DeleteCredential(userID uint, credentialID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND user_id = ?", credentialID, userID).Delete(&Credential{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete credential: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrCredentialNotFound
		}

		var remaining int64
		if err := tx.Model(&Credential{}).Where("user_id = ?", userID).Count(&remaining).Error; err != nil {
			return fmt.Errorf("failed to count credentials: %w", err)
		}
		if remaining == 0 {
			err := tx.Model(&Config{}).Where("user_id = ?", userID).
				Update("passkey_enabled", false).Error
			if err != nil {
				return fmt.Errorf("failed to disable passkey method: %w", err)
			}
		}

		return nil
	})
}
