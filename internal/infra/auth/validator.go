package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/toxguard/internal/domain"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrAnonymousActor — подпись верна, но токен не называет сотрудника.
	// Без user_id переход состояния нельзя приписать в журнале.
	ErrAnonymousActor = errors.New("auth: token carries no actor")
)

// ActorVerifier проверяет RS256 токены персонала, выпущенные внешним IdP.
type ActorVerifier struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewActorVerifier; пустой issuer отключает проверку iss.
func NewActorVerifier(pubKey *rsa.PublicKey, issuer string) *ActorVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &ActorVerifier{publicKey: pubKey, parser: jwt.NewParser(opts...)}
}

// VerifyToken реализует TokenValidator.
func (v *ActorVerifier) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	claims := &domain.CustomClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims.UserID = strings.TrimSpace(claims.UserID)
	if claims.UserID == "" {
		return nil, ErrAnonymousActor
	}
	return claims, nil
}

// ParseRSAPublicKey разбирает PEM публичного ключа IdP.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("auth: public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return key, nil
}
