package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/HerbHall/fleethub/pkg/models"
)

// ErrInvalidToken is returned when a session token fails verification.
var ErrInvalidToken = errors.New("invalid session token")

// Claims are carried by a session token. The audience lists the nodes
// allowed to present it.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	grace  time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. An empty secret is replaced with a
// random one, so tokens do not survive a restart.
func NewTokenIssuer(secret []byte, grace time.Duration, now func() time.Time) (*TokenIssuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: secret, grace: grace, now: now}, nil
}

// Issue signs a token for s as of its start time. Sessions with a positive
// duration (seconds) get an expiry of start+duration+grace.
func (t *TokenIssuer) Issue(s models.Session) (string, error) {
	start := s.StartTime
	claims := Claims{
		SessionID: s.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  s.Name,
			Audience: jwt.ClaimStrings(s.Nodes),
			IssuedAt: jwt.NewNumericDate(start),
		},
	}
	if s.Duration > 0 {
		exp := start.Add(time.Duration(s.Duration)*time.Second + t.grace)
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and returns its claims.
func (t *TokenIssuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
