// Package auth mints and verifies the HS256 service tokens the gateway
// attaches to every request it forwards to the export API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/exportworks/excel-export/internal/constant"
)

// Verification failure reasons. Every one of them maps to the same 401
// response; the distinction only reaches logs and error messages.
var (
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenInvalid   = errors.New("auth: token invalid")
	ErrSecretTooShort = fmt.Errorf("auth: secret must be at least %d bytes", constant.MinTokenSecretLength)
)

// Minter issues short-lived service tokens.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewMinter builds a Minter. The secret must be at least 32 bytes.
func NewMinter(secret string, ttl time.Duration) (*Minter, error) {
	if len(secret) < constant.MinTokenSecretLength {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		ttl = constant.DefaultTokenTTL
	}
	return &Minter{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Mint returns a signed compact token carrying the service issuer and
// audience claims.
func (m *Minter) Mint() (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    constant.TokenIssuer,
		Audience:  jwt.ClaimStrings{constant.TokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verifier checks tokens minted by the gateway.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier builds a Verifier around the shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < constant.MinTokenSecretLength {
		return nil, ErrSecretTooShort
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Verify parses and validates a compact token string. Only HS256 signatures
// with the expected issuer and audience are accepted, and the expiration
// claim is mandatory.
func (v *Verifier) Verify(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(constant.TokenIssuer),
		jwt.WithAudience(constant.TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}
