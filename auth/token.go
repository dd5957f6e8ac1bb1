// Package auth issues and verifies the tokens presented by feed subscribers
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken returned when a token fails verification
var ErrInvalidToken = errors.New("invalid token")

// Claims claims carried by a subscriber token
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issue and verify HS256 subscriber tokens
type TokenManager interface {
	// Issue sign a new token
	Issue(subject, role string, ttl time.Duration) (string, error)
	// Verify check a token signature and validity period
	Verify(token string) (Claims, error)
}

// tokenManagerImpl implements TokenManager
type tokenManagerImpl struct {
	common.Component
	issuer string
	secret []byte
}

// GetTokenManager define a new TokenManager
func GetTokenManager(issuer, secret string) (TokenManager, error) {
	if len(secret) < 8 {
		return nil, fmt.Errorf("signing secret must be at least 8 characters")
	}
	logTags := log.Fields{"module": "auth", "component": "token-manager", "instance": issuer}
	return &tokenManagerImpl{
		Component: common.Component{LogTags: logTags}, issuer: issuer, secret: []byte(secret),
	}, nil
}

// Issue sign a new token
func (m *tokenManagerImpl) Issue(subject, role string, ttl time.Duration) (string, error) {
	if len(subject) == 0 {
		return "", fmt.Errorf("token needs a subject")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token TTL must be positive")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Token signing failed")
		return "", err
	}
	return signed, nil
}

// Verify check a token signature and validity period
func (m *tokenManagerImpl) Verify(token string) (Claims, error) {
	if len(token) == 0 {
		return Claims{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if len(m.issuer) > 0 && !claims.VerifyIssuer(m.issuer, true) {
		return Claims{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	return claims, nil
}
