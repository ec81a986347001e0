package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "pitodo"

// Claims identify the master user behind a session.
type Claims struct {
	MasterID uuid.UUID `json:"master_id"`
	Provider string    `json:"provider"` // alias provider used to log in
	jwt.RegisteredClaims
}

// GenerateJWT issues a token for masterID. expiration <= 0 means 24h.
func GenerateJWT(secret string, masterID uuid.UUID, provider string, expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	now := time.Now()
	claims := Claims{
		MasterID: masterID,
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   masterID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(secret string, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.MasterID == uuid.Nil {
		return nil, fmt.Errorf("token has no master id")
	}
	return claims, nil
}
