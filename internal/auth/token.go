// Package auth mints and verifies the bearer tokens exchanged between the
// sigpull client and a Signal-Pull server.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	tokenLifetime = 5 * time.Minute
	// a cached token is replaced once it is this close to expiry
	renewBefore = 30 * time.Second
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims identifies the calling client
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"cid"`
}

// Issuer signs short-lived HS256 tokens and reuses them until they near expiry
type Issuer struct {
	mu       sync.Mutex
	secret   []byte
	clientID string
	lifetime time.Duration
	now      func() time.Time

	token     string
	expiresAt time.Time
}

// NewIssuer returns nil when no secret is configured
func NewIssuer(secret, clientID string) *Issuer {
	if secret == "" {
		return nil
	}
	return &Issuer{
		secret:   []byte(secret),
		clientID: clientID,
		lifetime: tokenLifetime,
		now:      time.Now,
	}
}

// Token returns a valid signed token for the configured client
func (i *Issuer) Token() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if i.token != "" && now.Add(renewBefore).Before(i.expiresAt) {
		return i.token, nil
	}

	expiresAt := now.Add(i.lifetime)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   i.clientID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		ClientID: i.clientID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	i.token = signed
	i.expiresAt = expiresAt
	log.Debug().Str("client_id", i.clientID).Time("expires_at", expiresAt).Msg("Issued bearer token")
	return signed, nil
}

// Authorize sets the Authorization header on req. A nil Issuer leaves it unset.
func (i *Issuer) Authorize(req *http.Request) error {
	if i == nil {
		return nil
	}
	token, err := i.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Header returns the Authorization header for a websocket handshake
func (i *Issuer) Header() (http.Header, error) {
	header := http.Header{}
	if i == nil {
		return header, nil
	}
	token, err := i.Token()
	if err != nil {
		return nil, err
	}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// ExtractToken reads a bearer token from the Authorization header
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		log.Warn().Msg("Malformed Authorization header")
		return ""
	}

	return parts[1]
}

// ValidateToken parses and verifies a token signed with secret
func ValidateToken(tokenString, secret string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
