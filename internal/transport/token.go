package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Gateway connections authenticate with a short-lived HS256 token
// minted per dial.
const (
	// TokenType is the typ claim value for gateway connection tokens.
	TokenType = "gateway"

	// TokenExpiry is how long a connection token stays valid. The token
	// is only checked at dial time, so this just needs to cover clock
	// skew plus the handshake.
	TokenExpiry = 2 * time.Minute
)

// ErrEmptyClientID is returned when a token is requested without a
// client identity.
var ErrEmptyClientID = errors.New("clientID cannot be empty")

// ErrInvalidGatewayToken is returned when token validation fails.
var ErrInvalidGatewayToken = errors.New("invalid gateway token")

// gatewayClaims are the JWT claims carried by a connection token.
type gatewayClaims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
}

// MintGatewayToken creates a signed connection token for clientID.
func MintGatewayToken(secret []byte, clientID string, now time.Time) (string, error) {
	if clientID == "" {
		return "", ErrEmptyClientID
	}
	claims := gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
		Type: TokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign gateway token: %w", err)
	}
	return signed, nil
}

// ValidateGatewayToken parses and validates a connection token,
// returning the client identity it was minted for.
func ValidateGatewayToken(secret []byte, tokenString string) (string, error) {
	var claims gatewayClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidGatewayToken, t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGatewayToken, err)
	}
	if !token.Valid || claims.Type != TokenType || claims.Subject == "" {
		return "", ErrInvalidGatewayToken
	}
	return claims.Subject, nil
}
