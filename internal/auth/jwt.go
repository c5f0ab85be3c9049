// Package auth handles the console access token: reading the claims the
// engine needs and, for the push simulator, issuing and validating HS256
// tokens.
package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/schoolconsole/notify-engine/errors"
)

// Claims is the access token payload. UserID is the numeric console user the
// push channel is scoped to.
type Claims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// Expired reports whether the token has an expiry at or before now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Inspect decodes the token claims without verifying the signature. The engine
// does not hold the signing key; it only needs the user id and expiry.
func Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, mapJWTError(err)
	}
	if claims.UserID == 0 && claims.Subject != "" {
		if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			claims.UserID = id
		}
	}
	return claims, nil
}

// Issue signs an HS256 token for userID valid for ttl.
func Issue(secret string, userID int64, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", apperrors.ValidationFailed("cannot sign token", "empty secret")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ServerError, "failed to sign token")
	}
	return signed, nil
}

// Validate verifies an HS256 token against any of the given secrets and
// returns its claims.
func Validate(tokenString string, secrets ...string) (*Claims, error) {
	if len(secrets) == 0 {
		return nil, apperrors.AuthenticationFailed("no signing secret configured")
	}

	var lastErr error
	for _, secret := range secrets {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err == nil && token.Valid {
			if claims.UserID == 0 {
				return nil, apperrors.AuthenticationFailed("token has no user id")
			}
			return claims, nil
		}
		lastErr = err
		// Only a bad signature is worth retrying with an older secret.
		if !errors.Is(err, jwt.ErrSignatureInvalid) {
			break
		}
	}
	return nil, mapJWTError(lastErr)
}

func mapJWTError(err error) error {
	if err == nil {
		return nil
	}
	var code string
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		code = "token_expired"
	case errors.Is(err, jwt.ErrSignatureInvalid):
		code = "invalid_signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		code = "malformed_token"
	default:
		code = "invalid_token"
	}
	appErr := apperrors.AuthenticationFailed("Invalid token")
	appErr.Code = code
	appErr.Detail = code
	appErr.Raw = err
	return appErr
}
