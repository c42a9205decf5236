// Package auth validates session tokens for the realtime layer.
//
// The login flow itself (OAuth, password, whatever the main application
// uses) lives outside this service; by the time a token reaches us it is an
// opaque signed credential. This package turns it into an identity or
// rejects it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crewsync/realtime/internal/config"
	"github.com/crewsync/realtime/internal/slogging"
)

// Identity is the authenticated principal attached to a connection
type Identity struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Picture  string `json:"picture,omitempty"`
	TokenRaw string `json:"-"`
}

// TokenValidator validates an opaque session token and returns the identity
// it represents. Implementations must be safe for concurrent use.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

var (
	// ErrInvalidToken covers malformed, badly signed and expired tokens
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrTokenRevoked is returned for blacklisted tokens
	ErrTokenRevoked = errors.New("token has been revoked")
	// ErrMissingToken is returned when no token was supplied at all
	ErrMissingToken = errors.New("missing authentication token")
)

// JWTValidator validates HMAC-signed JWTs issued by the main application
type JWTValidator struct {
	secret    []byte
	method    string
	blacklist *TokenBlacklist
	logger    *slogging.Logger
}

// NewJWTValidator creates a validator from config. The blacklist is
// optional; pass nil when Redis is not configured.
func NewJWTValidator(cfg config.JWTConfig, blacklist *TokenBlacklist) *JWTValidator {
	return &JWTValidator{
		secret:    []byte(cfg.Secret),
		method:    strings.ToUpper(cfg.SigningMethod),
		blacklist: blacklist,
		logger:    slogging.Get(),
	}
}

// ValidateToken parses and verifies the token, checks the revocation list,
// and extracts the identity claims
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != v.method {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		v.logger.Debug("Token validation failed error=%v", err)
		return nil, ErrInvalidToken
	}

	if v.blacklist != nil {
		revoked, err := v.blacklist.IsTokenBlacklisted(ctx, tokenString)
		if err != nil {
			// Fail closed: an unreachable blacklist must not admit
			// revoked tokens
			v.logger.Error("Blacklist check failed error=%v", err)
			return nil, fmt.Errorf("blacklist check failed: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	identity, err := identityFromClaims(claims)
	if err != nil {
		v.logger.Debug("Token claims rejected error=%v", err)
		return nil, ErrInvalidToken
	}
	identity.TokenRaw = tokenString
	return identity, nil
}

// identityFromClaims maps standard claims onto an Identity. The subject is
// required; display name and picture are best effort.
func identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("token missing subject claim")
	}

	identity := &Identity{UserID: sub, Name: sub}
	if name, ok := claims["name"].(string); ok && name != "" {
		identity.Name = name
	}
	if picture, ok := claims["picture"].(string); ok {
		identity.Picture = picture
	}
	return identity, nil
}
