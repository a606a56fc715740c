// internal/session/jwt.go
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("missing authentication token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrInvalidClaims  = errors.New("invalid token claims")
	ErrSignInDisabled = errors.New("sign-in is not configured")
)

// AuthConfig configures HS256 token validation.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Authenticator validates and mints session tokens. The subject claim is
// the user id.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
}

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("secret key required for HS256")
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// Validate checks signature, expiry, issuer and audience and returns the
// user id.
func (a *Authenticator) Validate(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing user ID", ErrInvalidClaims)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID that expires after ttl.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: missing user ID", ErrInvalidClaims)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
