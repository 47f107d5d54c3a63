package sanago

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ChannelPrefix is prepended to a user id to form the private push channel.
const ChannelPrefix = "App.Models.User."

// PrivateChannel returns the per-user channel notifications are pushed on.
func PrivateChannel(userID string) string {
	return ChannelPrefix + userID
}

// TokenClaims reads the subject and expiry of a JWT bearer token. The
// signature is not verified; the server does that on every request. Opaque
// (non-JWT) tokens return an error and callers fall back to /user.
func TokenClaims(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("unexpected claims type")
	}

	var c Claims
	if sub, err := mc.GetSubject(); err == nil {
		c.UserID = sub
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if c.UserID == "" {
		return c, errors.New("token has no subject")
	}
	return c, nil
}
