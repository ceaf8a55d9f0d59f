package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized is returned when a token is required but missing.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified caller behind a join.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// Claims matches the access tokens issued by the hosted auth provider.
type Claims struct {
	Email        string       `json:"email"`
	UserMetadata UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// UserMetadata is the profile section of the provider's token.
type UserMetadata struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
}

// Verifier validates HS256 identity tokens.
type Verifier struct {
	secret   []byte
	audience string
	required bool
}

// NewVerifier creates a verifier. With an empty secret every token is
// ignored and callers join as guests, unless required is set.
func NewVerifier(secret, audience string, required bool) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		audience: audience,
		required: required,
	}
}

// Required reports whether anonymous joins are refused.
func (v *Verifier) Required() bool {
	return v.required
}

// Verify returns the identity behind token. A missing token yields a zero
// Identity unless tokens are required.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		if v.required {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, nil
	}
	if len(v.secret) == 0 {
		if v.required {
			return Identity{}, fmt.Errorf("%w: no signing secret configured", ErrUnauthorized)
		}
		return Identity{}, nil
	}

	claims, err := v.parseToken(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
	}
	switch {
	case claims.UserMetadata.FullName != "":
		id.DisplayName = claims.UserMetadata.FullName
	case claims.UserMetadata.Name != "":
		id.DisplayName = claims.UserMetadata.Name
	case claims.Email != "":
		id.DisplayName = strings.SplitN(claims.Email, "@", 2)[0]
	}
	return id, nil
}

func (v *Verifier) parseToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}
