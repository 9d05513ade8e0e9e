package twofa

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeWebAuthnCredential(id string, signCount uint32) *webauthn.Credential {
	cred := &webauthn.Credential{
		ID:        []byte(id),
		PublicKey: []byte("cose-public-key"),
		Transport: []protocol.AuthenticatorTransport{"usb", "internal"},
	}
	cred.Authenticator.SignCount = signCount
	return cred
}

func seedStoredCredential(t *testing.T, service *Service, userID uint, id string, signCount uint32) Credential {
	t.Helper()
	stored := Credential{
		UserID:       userID,
		CredentialID: base64.RawURLEncoding.EncodeToString([]byte(id)),
		PublicKey:    []byte("cose-public-key"),
		SignCount:    signCount,
		DeviceName:   "YubiKey",
		Transports:   "usb",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, service.db.Create(&stored).Error)
	return stored
}

func TestService_BeginPasskeyRegistration(t *testing.T) {
	service, db, _, _ := newTestService(t)
	user := seedUser(t, db, "alice", "alice@example.com")

	options, token, err := service.BeginPasskeyRegistration(user)
	require.NoError(t, err)
	require.NotNil(t, options)
	assert.Equal(t, "localhost", options.Response.RelyingParty.ID)
	assert.NotEmpty(t, token)

	challenge, err := service.VerifySession(token)
	require.NoError(t, err)
	assert.Equal(t, TypePasskeyRegistration, challenge.Type)
	assert.Equal(t, SecretWebAuthnSession, challenge.SecretKind)
	assert.NotEmpty(t, challenge.SecretValue)

	// Only the hash hits the database.
	var row Challenge
	require.NoError(t, db.First(&row, challenge.ID).Error)
	assert.NotEqual(t, token, row.TokenHash)
}

func TestService_FinishPasskeyRegistration(t *testing.T) {
	service, db, _, _ := newTestService(t)
	user := seedUser(t, db, "alice", "alice@example.com")
	other := seedUser(t, db, "bob", "bob@example.com")

	t.Run("rejects a login session token", func(t *testing.T) {
		enableEmailOTP(t, db, user.ID)
		token, _, err := service.Open(user.ID)
		require.NoError(t, err)

		_, err = service.FinishPasskeyRegistration(user, token, "Key", strings.NewReader("{}"))
		assert.ErrorIs(t, err, ErrChallengeType)
	})

	t.Run("rejects another user's session token", func(t *testing.T) {
		_, token, err := service.BeginPasskeyRegistration(other)
		require.NoError(t, err)

		_, err = service.FinishPasskeyRegistration(user, token, "Key", strings.NewReader("{}"))
		assert.ErrorIs(t, err, ErrSessionInvalid)
	})

	t.Run("malformed attestation burns an attempt", func(t *testing.T) {
		_, token, err := service.BeginPasskeyRegistration(user)
		require.NoError(t, err)

		_, err = service.FinishPasskeyRegistration(user, token, "Key", strings.NewReader("not json"))
		assert.ErrorIs(t, err, ErrPasskeyFailed)

		var row Challenge
		require.NoError(t, db.Where("token_hash = ?", hashToken(token)).First(&row).Error)
		assert.Equal(t, 1, row.Attempts)
	})
}

func TestService_PasskeyEnrollment(t *testing.T) {
	service, db, _, _ := newTestService(t)
	user := seedUser(t, db, "alice", "alice@example.com")

	t.Run("first credential enables the method and provisions recovery codes", func(t *testing.T) {
		codes, err := service.storeRegisteredCredential(user, "YubiKey", fakeWebAuthnCredential("cred-1", 3))
		require.NoError(t, err)
		assert.Len(t, codes, 10)

		var row Credential
		require.NoError(t, db.Where("user_id = ?", user.ID).First(&row).Error)
		assert.Equal(t, base64.RawURLEncoding.EncodeToString([]byte("cred-1")), row.CredentialID)
		assert.Equal(t, "YubiKey", row.DeviceName)
		assert.Equal(t, "usb,internal", row.Transports)
		assert.EqualValues(t, 3, row.SignCount)

		var cfgRow Config
		require.NoError(t, db.Where("user_id = ?", user.ID).First(&cfgRow).Error)
		assert.True(t, cfgRow.PasskeyEnabled)
		assert.NotEmpty(t, cfgRow.RecoveryCodes)
	})

	t.Run("second credential does not reissue recovery codes", func(t *testing.T) {
		codes, err := service.storeRegisteredCredential(user, "", fakeWebAuthnCredential("cred-2", 0))
		require.NoError(t, err)
		assert.Empty(t, codes)

		var row Credential
		id := base64.RawURLEncoding.EncodeToString([]byte("cred-2"))
		require.NoError(t, db.Where("credential_id = ?", id).First(&row).Error)
		assert.Equal(t, "Passkey", row.DeviceName)
	})
}

func TestService_BeginPasskeyAssertion(t *testing.T) {
	service, db, _, _ := newTestService(t)
	user := seedUser(t, db, "alice", "alice@example.com")
	enableEmailOTP(t, db, user.ID)

	t.Run("requires a registered credential", func(t *testing.T) {
		token, _, err := service.Open(user.ID)
		require.NoError(t, err)
		challenge, err := service.VerifySession(token)
		require.NoError(t, err)

		_, err = service.BeginPasskeyAssertion(challenge, user)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})

	t.Run("transitions the login challenge to the passkey type", func(t *testing.T) {
		seedStoredCredential(t, service, user.ID, "cred-1", 0)
		token, _, err := service.Open(user.ID)
		require.NoError(t, err)
		challenge, err := service.VerifySession(token)
		require.NoError(t, err)

		options, err := service.BeginPasskeyAssertion(challenge, user)
		require.NoError(t, err)
		require.NotNil(t, options)
		assert.NotEmpty(t, options.Response.AllowedCredentials)

		var row Challenge
		require.NoError(t, db.First(&row, challenge.ID).Error)
		assert.Equal(t, TypePasskey, row.Type)
		assert.Equal(t, SecretWebAuthnSession, row.SecretKind)
		assert.NotEmpty(t, row.SecretValue)
	})
}

func TestService_FinishPasskeyAssertion(t *testing.T) {
	service, db, _, _ := newTestService(t)
	user := seedUser(t, db, "alice", "alice@example.com")
	enableEmailOTP(t, db, user.ID)
	seedStoredCredential(t, service, user.ID, "cred-1", 5)

	t.Run("rejects a challenge that never began an assertion", func(t *testing.T) {
		token, _, err := service.Open(user.ID)
		require.NoError(t, err)
		challenge, err := service.VerifySession(token)
		require.NoError(t, err)

		err = service.FinishPasskeyAssertion(challenge, user, strings.NewReader("{}"))
		assert.ErrorIs(t, err, ErrChallengeType)
	})

	t.Run("malformed assertion burns an attempt", func(t *testing.T) {
		token, _, err := service.Open(user.ID)
		require.NoError(t, err)
		challenge, err := service.VerifySession(token)
		require.NoError(t, err)
		_, err = service.BeginPasskeyAssertion(challenge, user)
		require.NoError(t, err)
		challenge, err = service.VerifySession(token)
		require.NoError(t, err)

		err = service.FinishPasskeyAssertion(challenge, user, strings.NewReader("not json"))
		assert.ErrorIs(t, err, ErrPasskeyFailed)

		var row Challenge
		require.NoError(t, db.First(&row, challenge.ID).Error)
		assert.Equal(t, 1, row.Attempts)
	})
}

func TestService_AssertionSettlement(t *testing.T) {
	service, db, _, _ := newTestService(t)
	user := seedUser(t, db, "alice", "alice@example.com")
	stored := seedStoredCredential(t, service, user.ID, "cred-1", 10)

	t.Run("clone warning fails hard and leaves the counter alone", func(t *testing.T) {
		cred := fakeWebAuthnCredential("cred-1", 10)
		cred.Authenticator.CloneWarning = true

		err := service.settleAssertion(user, []Credential{stored}, cred)
		assert.ErrorIs(t, err, ErrClonedAuthenticator)

		var row Credential
		require.NoError(t, db.First(&row, stored.ID).Error)
		assert.EqualValues(t, 10, row.SignCount)
		assert.Nil(t, row.LastUsedAt)
	})

	t.Run("success advances the counter and stamps last use", func(t *testing.T) {
		err := service.settleAssertion(user, []Credential{stored}, fakeWebAuthnCredential("cred-1", 11))
		require.NoError(t, err)

		var row Credential
		require.NoError(t, db.First(&row, stored.ID).Error)
		assert.EqualValues(t, 11, row.SignCount)
		require.NotNil(t, row.LastUsedAt)
		assert.WithinDuration(t, time.Now(), *row.LastUsedAt, 5*time.Second)
	})
}

func TestService_DeleteCredential(t *testing.T) {
	service, db, _, _ := newTestService(t)
	user := seedUser(t, db, "alice", "alice@example.com")
	other := seedUser(t, db, "bob", "bob@example.com")
	require.NoError(t, db.Create(&Config{UserID: user.ID, PasskeyEnabled: true}).Error)

	first := seedStoredCredential(t, service, user.ID, "cred-1", 0)
	second := seedStoredCredential(t, service, user.ID, "cred-2", 0)

	t.Run("unknown credential", func(t *testing.T) {
		err := service.DeleteCredential(user.ID, 9999)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})

	t.Run("cannot delete another user's credential", func(t *testing.T) {
		err := service.DeleteCredential(other.ID, first.ID)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})

	t.Run("deleting one of two keeps the method enabled", func(t *testing.T) {
		require.NoError(t, service.DeleteCredential(user.ID, first.ID))

		var cfgRow Config
		require.NoError(t, db.Where("user_id = ?", user.ID).First(&cfgRow).Error)
		assert.True(t, cfgRow.PasskeyEnabled)
	})

	t.Run("deleting the last credential switches the method off", func(t *testing.T) {
		require.NoError(t, service.DeleteCredential(user.ID, second.ID))

		var cfgRow Config
		require.NoError(t, db.Where("user_id = ?", user.ID).First(&cfgRow).Error)
		assert.False(t, cfgRow.PasskeyEnabled)
	})
}
