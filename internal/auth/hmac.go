package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// HMACValidator validates HS256 JWTs signed with a shared secret,
// adapted from the teacher's internal/mw.Authenticator.
type HMACValidator struct {
	Secret []byte
}

func NewHMACValidator(secret []byte) *HMACValidator {
	return &HMACValidator{Secret: secret}
}

func (a *HMACValidator) Validate(ctx context.Context, tokenStr string) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, errors.New("missing token")
	}
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.Secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return Principal{}, errors.New("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, errors.New("missing sub")
	}
	tenant, _ := claims["tenant_id"].(string)
	return Principal{
		Subject:  sub,
		TenantID: tenant,
		Roles:    extractAudiences(claims["roles"]),
	}, nil
}
