package rooms

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired means the invite token's expiry has passed.
var ErrTokenExpired = errors.New("invite token expired")

// TokenClaims are the fields the client reads out of an invite token. The
// signature is the server's to verify; the client only inspects the payload
// to fail fast on an obviously stale invite.
type TokenClaims struct {
	RoomID    string
	ExpiresAt time.Time
}

// ParseInviteToken decodes the token payload without verifying the
// signature and checks the expiry against now.
func ParseInviteToken(token string, now time.Time) (*TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse invite token: %w", err)
	}

	out := &TokenClaims{}
	if roomID, ok := claims["roomId"].(string); ok {
		out.RoomID = roomID
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("failed to read token expiry: %w", err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
		if !now.Before(exp.Time) {
			return nil, ErrTokenExpired
		}
	}
	return out, nil
}
