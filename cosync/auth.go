package cosync

import (
	"context"
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// AuthenticateFunc resolves an opaque token to a user id. An empty user
// id (or an error) rejects the token. Credential issuance lives outside
// the sync layer.
type AuthenticateFunc func(ctx context.Context, token string) (userId string, err error)

// NewJwtAuthenticate is the reference authenticator: an HS256 jwt whose
// `user_id` claim (or `sub`, as a fallback) names the user.
func NewJwtAuthenticate(secret []byte) AuthenticateFunc {
	return func(ctx context.Context, token string) (string, error) {
		parsed, err := gojwt.Parse(
			token,
			func(token *gojwt.Token) (any, error) {
				if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
				}
				return secret, nil
			},
		)
		if err != nil {
			return "", err
		}

		claims, ok := parsed.Claims.(gojwt.MapClaims)
		if !ok {
			return "", errors.New("missing claims")
		}
		if userId, ok := claims["user_id"].(string); ok && userId != "" {
			return userId, nil
		}
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
		return "", errors.New("no user claim")
	}
}

// MintJwt issues a token that NewJwtAuthenticate with the same secret
// accepts. Used by the cli tooling and tests.
func MintJwt(secret []byte, userId string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId,
	})
	return token.SignedString(secret)
}
