package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTPrefix is the token prefix claimed by JWTValidator. The JWT proper
// follows the prefix.
const JWTPrefix = "jwt_"

// JWTValidator authenticates HS256-signed JWTs. The subject comes from the
// "sub" claim and scopes from a "scopes" string-array claim.
type JWTValidator struct {
	secret []byte
	issuer string // optional; enforced when non-empty
}

// NewJWTValidator builds a validator for tokens signed with secret.
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	return &JWTValidator{secret: secret, issuer: issuer}
}

func (v *JWTValidator) Prefix() string { return JWTPrefix }

type claspClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (v *JWTValidator) Validate(token string) (Result, error) {
	raw := strings.TrimPrefix(token, JWTPrefix)

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &claspClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{}, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid {
		return Result{}, ErrInvalid
	}

	scopes, err := ParseScopes(claims.Scopes)
	if err != nil {
		return Result{}, err
	}
	subject := claims.Subject
	if subject == "" {
		return Result{}, fmt.Errorf("%w: missing sub claim", ErrInvalid)
	}
	return Result{Subject: subject, Scopes: scopes}, nil
}
