package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	relay_errors "relay-fleet/pkg/errors"
)

type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 admin tokens carrying the configured role.
type Verifier struct {
	secret []byte
	role   string
}

func NewVerifier(secret, role string) *Verifier {
	if role == "" {
		role = "admin"
	}
	return &Verifier{secret: []byte(secret), role: role}
}

func (v *Verifier) Parse(tokenString string) (AdminClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return AdminClaims{}, relay_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, relay_errors.ErrUnauthorized
		}
		return v.secret, nil
	})
	if err != nil {
		return AdminClaims{}, relay_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return AdminClaims{}, relay_errors.ErrUnauthorized
	}
	if claims.Role != v.role {
		return AdminClaims{}, relay_errors.ErrForbidden
	}
	return *claims, nil
}

// Issue signs an admin token for subject, valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Role: v.role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
