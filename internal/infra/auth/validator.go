package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// Validator проверяет токены акторов, подписанные RS256.
type Validator struct {
	publicKey *rsa.PublicKey
}

func NewValidator(pubKey *rsa.PublicKey) *Validator {
	return &Validator{publicKey: pubKey}
}

// VerifyToken проверяет подпись и срок, затем собирает ActorContext из claims.
func (v *Validator) VerifyToken(tokenStr string) (domain.ActorContext, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	claims := &domain.ActorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !token.Valid {
		return domain.ActorContext{}, fmt.Errorf("invalid token: %w", err)
	}

	if claims.Subject == "" {
		return domain.ActorContext{}, fmt.Errorf("invalid token: empty subject")
	}
	actor, err := claims.Actor()
	if err != nil {
		return domain.ActorContext{}, fmt.Errorf("invalid claims: %w", err)
	}
	return actor, nil
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
