package brokerage

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

// issueTokens signs the dashboard access/refresh token pair for a
// completed brokerage login.
func issueTokens(secret []byte, userID string, t Type) (access, refresh string, err error) {
	now := time.Now()

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       userID,
		"brokerage": string(t),
		"exp":       now.Add(accessTokenTTL).Unix(),
		"iat":       now.Unix(),
	})
	access, err = accessToken.SignedString(secret)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       userID,
		"brokerage": string(t),
		"exp":       now.Add(refreshTokenTTL).Unix(),
		"iat":       now.Unix(),
		"jti":       uuid.NewString(),
	})
	refresh, err = refreshToken.SignedString(secret)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}

	return access, refresh, nil
}
