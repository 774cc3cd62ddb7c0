package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NodeClaims represents the JWT claims carried by a node credential token
type NodeClaims struct {
	NodeName string `json:"nodeName"`
	jwt.RegisteredClaims
}

var (
	jwtSecret     []byte
	internalToken string
	enforced      bool
)

// Init initializes token validation. When enforce is false (security mode
// disabled or the system is unlicensed for user security) every token is
// accepted.
func Init(secret, internal string, enforce bool) {
	jwtSecret = []byte(secret)
	internalToken = internal
	enforced = enforce
}

// GenerateNodeToken issues a credential token for a node
func GenerateNodeToken(nodeName string, expireAt time.Time, issuer string) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}

	claims := NodeClaims{
		NodeName: nodeName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeName,
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateNodeToken checks a node credential token. The reserved internal
// token always passes; all tokens pass when enforcement is off.
func ValidateNodeToken(tokenString string) error {
	if internalToken != "" && tokenString == internalToken {
		return nil
	}
	if !enforced {
		return nil
	}

	_, err := ParseNodeToken(tokenString)
	return err
}

// ParseNodeToken parses and validates a node credential token
func ParseNodeToken(tokenString string) (*NodeClaims, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("JWT secret not initialized")
	}

	token, err := jwt.ParseWithClaims(tokenString, &NodeClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*NodeClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
