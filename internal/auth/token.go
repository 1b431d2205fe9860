package auth

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "opsiconfd"

// TokenManager issues and verifies the bearer tokens handed out by the
// login endpoint. Tokens are a convenience for API and monitoring clients;
// roles are re-resolved on every request, so group or network changes take
// effect without waiting for expiry.
type TokenManager struct {
	signingKey []byte
	lifetime   time.Duration
}

// NewTokenManager builds a token manager. An empty secret gets replaced by
// a random per-process key, which limits token validity to this process.
func NewTokenManager(secret string, lifetime time.Duration) *TokenManager {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("token key entropy unavailable: %v", err))
		}
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &TokenManager{signingKey: key, lifetime: lifetime}
}

// tokenClaims is the JWT payload of an access token.
type tokenClaims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups,omitempty"`
	Host   bool     `json:"host,omitempty"`
	Depot  bool     `json:"depot,omitempty"`
}

// Issue signs an access token for the authenticated principal.
func (t *TokenManager) Issue(p *Principal) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Name(),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Groups: p.Groups,
		Host:   p.HostID != "",
		Depot:  p.IsDepot,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the principal it was issued for. The
// returned principal carries no roles; the gate resolves those per request.
func (t *TokenManager) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token")
	}
	if claims.Issuer != tokenIssuer {
		return nil, fmt.Errorf("invalid token issuer %q", claims.Issuer)
	}

	p := &Principal{Groups: claims.Groups}
	if claims.Host {
		p.HostID = claims.Subject
		p.IsDepot = claims.Depot
	} else {
		p.Username = claims.Subject
	}
	return p, nil
}

// BearerToken extracts the token from an Authorization header value, or
// returns empty when the header carries a different scheme.
func BearerToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authorization[len(prefix):])
}
