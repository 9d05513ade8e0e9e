package oauthstate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/jwt"
	"github.com/billmanager/billmanager/services/logging"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrStateInvalid  = errors.New("invalid or expired state token")
	ErrStateReplayed = errors.New("state token has already been used")
)

const (
	FlowLogin = "login"
	FlowLink  = "link"

	// Replay entries outlive the 5 minute state validity so that replay
	// protection never depends on expiry alone within the window.
	nonceTTL = 10 * time.Minute
)

// StatePayload travels inside the signed state parameter of the OIDC round
// trip. Carrying the PKCE verifier and ID-token nonce here avoids server-side
// session storage for the handshake, at the cost of the replay tracking the
// nonce set provides.
type StatePayload struct {
	Provider     string `json:"provider"`
	Flow         string `json:"flow"`
	StateNonce   string `json:"state_nonce"`
	IDTokenNonce string `json:"id_token_nonce"`
	CodeVerifier string `json:"code_verifier"`
	LinkUserID   uint   `json:"link_user_id,omitempty"`
	Type         string `json:"type"`
	jwtlib.RegisteredClaims
}

// PKCEChallenge is a code verifier and its S256 challenge (RFC 7636).
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

type Codec struct {
	config *config.Config
	signer *jwt.Service
	nonces *UsedNonceSet
	logger *logging.Service
}

func NewCodec(cfg *config.Config, signer *jwt.Service, logger *logging.Service) *Codec {
	return &Codec{
		config: cfg,
		signer: signer,
		nonces: NewUsedNonceSet(),
		logger: logger,
	}
}

// GeneratePKCE produces a fresh verifier/challenge pair using the S256 method.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, 64)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))

	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
		Method:    "S256",
	}, nil
}

// GenerateNonce returns a 16-byte hex nonce for ID-token binding.
func GenerateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonceBytes), nil
}

// Encode bundles the handshake state into a signed, short-lived token with a
// fresh anti-replay nonce.
func (c *Codec) Encode(provider, codeVerifier, idTokenNonce, flow string, linkUserID uint) (string, error) {
	stateNonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	payload := StatePayload{
		Provider:     provider,
		Flow:         flow,
		StateNonce:   stateNonce,
		IDTokenNonce: idTokenNonce,
		CodeVerifier: codeVerifier,
		LinkUserID:   linkUserID,
		Type:         jwt.TokenTypeOAuthState,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    c.config.JWT.Issuer,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(c.config.JWT.StateExpiry)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}

	token, err := c.signer.SignClaims(payload)
	if err != nil {
		c.logger.Error("failed to sign oauth state token", zap.Error(err))
		return "", fmt.Errorf("failed to sign state token: %w", err)
	}

	return token, nil
}

// Decode verifies the state token and consumes its nonce. A second decode of
// the same token fails with ErrStateReplayed regardless of remaining
// validity; the failure does not reveal whether the token was malformed or
// seen before to the client, that mapping is the handler's job.
func (c *Codec) Decode(token string) (*StatePayload, error) {
	var payload StatePayload
	if err := c.signer.ParseInto(token, &payload); err != nil {
		return nil, ErrStateInvalid
	}

	if payload.Type != jwt.TokenTypeOAuthState {
		return nil, ErrStateInvalid
	}

	if payload.StateNonce == "" {
		return nil, ErrStateInvalid
	}

	if c.nonces.CheckAndMark(payload.StateNonce, nonceTTL) {
		c.logger.Warn("replayed oauth state nonce detected",
			zap.String("nonce_prefix", payload.StateNonce[:8]),
			zap.String("provider", payload.Provider))
		return nil, ErrStateReplayed
	}

	return &payload, nil
}
