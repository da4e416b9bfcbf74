package relay

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "kiosk-relay"

var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims binds a session to the tablet and phone it was minted for.
type SessionClaims struct {
	Tablet string `json:"tablet"`
	Phone  string `json:"phone"`
	jwt.RegisteredClaims
}

// SessionID returns the session the token was minted for.
func (c *SessionClaims) SessionID() string { return c.ID }

// TokenService signs and validates session tokens. Tokens are verifiable by any
// relay instance sharing the secret, so a session survives crossing instances.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a token for sessionID.
func (s *TokenService) Issue(sessionID, tabletID, phoneID string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := SessionClaims{
		Tablet: tabletID,
		Phone:  phoneID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Parse validates a token and returns its claims.
func (s *TokenService) Parse(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
