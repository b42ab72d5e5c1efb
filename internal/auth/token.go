// ABOUTME: Token verifier contract and the HS256 JWT verifier for client connections
// ABOUTME: A JWT must carry exp and sub; sub becomes the connection's user id

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier turns a client token into a user id.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier accepts HS256 JWTs with an expiry and a subject.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) key(*jwt.Token) (any, error) {
	return v.secret, nil
}

// Verify checks the signature and expiry of token and returns its subject.
func (v *JWTVerifier) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.key); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return "", fmt.Errorf("%w: %w: exp", ErrInvalidToken, ErrMissingClaim)
		default:
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return userID, nil
}

// Generate issues a token for userID valid for ttl.
func (v *JWTVerifier) Generate(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
