package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DevTokenTTL = 24 * time.Hour

	roleAuthenticated = "authenticated"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrMissingUser  = errors.New("user id required")
)

// Claims mirrors the access tokens issued by the hosted auth provider:
// the user id travels in sub and tokens are HS256 signed with the
// project's JWT secret.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string { return c.Subject }

type Service struct {
	secret []byte
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// SignToken mints a token shaped like the provider's. Used for local
// development and tests; production tokens come from the provider.
func (s *Service) SignToken(userID, email string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	return signTokenFn(s, userID, email, ttl)
}

var signTokenFn = func(s *Service, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  roleAuthenticated,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := parseClaims(token, s.secret)
	if err != nil {
		return "", err
	}
	return claims.UserID(), nil
}

func parseClaims(token string, secret []byte) (*Claims, error) {
	parsed, err := parseMiddlewareClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID() == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
