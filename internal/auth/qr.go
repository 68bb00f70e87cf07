package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const qrAudience = "attendance-qr"

// QRSigner signs and verifies short-lived session QR tokens.
type QRSigner struct {
	key []byte
}

// NewQRSigner returns a signer using an HMAC key distinct from actor tokens.
func NewQRSigner(key string) *QRSigner {
	return &QRSigner{key: []byte(key)}
}

type qrClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Sign embeds the session id and expiry in a fresh token.
func (s *QRSigner) Sign(sessionID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := qrClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{qrAudience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks signature and expiry against now and returns the session id.
func (s *QRSigner) Verify(token string, now time.Time) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &qrClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	},
		jwt.WithAudience(qrAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*qrClaims)
	if !ok || !parsed.Valid || claims.SessionID == "" {
		return "", errors.New("invalid qr token")
	}
	return claims.SessionID, nil
}
