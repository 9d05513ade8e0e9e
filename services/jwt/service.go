package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken     = errors.New("invalid JWT token")
	ErrExpiredToken     = errors.New("JWT token has expired")
	ErrMalformedToken   = errors.New("malformed JWT token")
	ErrInvalidSignature = errors.New("invalid JWT token signature")
	ErrWrongTokenType   = errors.New("unexpected JWT token type")
)

const (
	TokenTypeAccess     = "access"
	TokenTypeOAuthState = "oauth_state"
)

// Claims carries access-token claims. The Type claim separates access tokens
// from the signed OAuth state tokens that share the same secret.
type Claims struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role,omitempty"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

type Service struct {
	config *config.Config
	logger *logging.Service
}

func NewService(cfg *config.Config, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		logger: logger,
	}
}

func (s *Service) AccessExpirySeconds() int {
	return int(s.config.JWT.AccessExpiry.Seconds())
}

// GenerateAccessToken signs a short-lived bearer token. Stateless: once
// issued it cannot be revoked before expiry.
func (s *Service) GenerateAccessToken(userID uint, role string) (string, error) {
	now := time.Now()
	jti := uuid.New().String()
	claims := Claims{
		UserID: userID,
		Role:   role,
		Type:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.config.JWT.Issuer,
			Subject:   fmt.Sprintf("%d", userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.JWT.AccessExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.JWT.SecretKey))
	if err != nil {
		s.logger.Error("failed to sign access token", zap.Error(err))
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}

	return tokenString, nil
}

// ValidateAccessToken parses and verifies an access token. Callers must treat
// every returned error uniformly as "unauthenticated".
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Type != TokenTypeAccess {
		s.logger.Warn("token validation failed - wrong token type",
			zap.String("type", claims.Type))
		return nil, ErrWrongTokenType
	}

	return claims, nil
}

// SignClaims signs arbitrary claims with the server secret. Used by the OAuth
// state codec so the signing configuration lives in one place.
func (s *Service) SignClaims(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.JWT.SecretKey))
}

// ParseInto verifies the signature and standard time claims of a token signed
// with the server secret and unmarshals into dst.
func (s *Service) ParseInto(tokenString string, dst jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, dst, s.keyFunc)
	if err != nil {
		return mapParseError(err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, s.keyFunc)
	if err != nil {
		s.logger.Warn("JWT token validation failed", zap.Error(err))
		return nil, mapParseError(err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *Service) keyFunc(token *jwt.Token) (any, error) {
	if token.Method.Alg() == "none" {
		return nil, errors.New("'none' algorithm is not allowed")
	}

	if token.Method.Alg() != "HS256" {
		return nil, fmt.Errorf("unexpected algorithm: expected HS256, got %s", token.Method.Alg())
	}

	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("invalid algorithm family: %v", token.Header["alg"])
	}

	return []byte(s.config.JWT.SecretKey), nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrInvalidSignature
	default:
		return ErrInvalidToken
	}
}
