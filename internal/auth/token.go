// ABOUTME: JWT tokens that agents present in agent.identify
// ABOUTME: HS256 signed, the subject claim carries the agent id

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
	ErrMissingClaim    = errors.New("missing required claim")
	ErrSubjectMismatch = errors.New("token subject does not match agent id")
)

// TokenVerifier checks an agent token and returns its subject.
type TokenVerifier interface {
	Verify(tokenString string) (agentID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and returns the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// VerifyAgent checks that the token was issued for agentID.
func VerifyAgent(v TokenVerifier, tokenString, agentID string) error {
	if tokenString == "" {
		return fmt.Errorf("%w: token required", ErrInvalidToken)
	}
	sub, err := v.Verify(tokenString)
	if err != nil {
		return err
	}
	if sub != agentID {
		return fmt.Errorf("%w: %q", ErrSubjectMismatch, sub)
	}
	return nil
}

// Generate issues a token for agentID. A zero expiresIn issues a token
// without an expiry.
func (v *JWTVerifier) Generate(agentID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  agentID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if expiresIn != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
