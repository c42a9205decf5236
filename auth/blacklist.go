package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/crewsync/realtime/internal/slogging"
)

// TokenBlacklist manages revoked session tokens using Redis. Entries expire
// together with the token they shadow, so the set stays bounded.
type TokenBlacklist struct {
	redis *redis.Client
}

// NewTokenBlacklist creates a new token blacklist service
func NewTokenBlacklist(redisClient *redis.Client) *TokenBlacklist {
	slogging.Get().Info("Initializing token blacklist service")
	return &TokenBlacklist{redis: redisClient}
}

// BlacklistToken adds a token to the blacklist until its own expiry
func (tb *TokenBlacklist) BlacklistToken(ctx context.Context, tokenString string) error {
	logger := slogging.Get()

	// Unverified parse is fine here: we only need the expiry to size the
	// TTL, and a forged token never validates at the gateway anyway.
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return fmt.Errorf("failed to parse token for blacklisting: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("token missing expiration")
	}

	ttl := time.Until(exp.Time)
	if ttl <= 0 {
		// Already expired, nothing to do
		logger.Debug("Token already expired, skipping blacklist")
		return nil
	}

	key := blacklistKey(tokenString)
	if err := tb.redis.Set(ctx, key, "revoked", ttl).Err(); err != nil {
		logger.Error("Failed to store token in blacklist error=%v", err)
		return fmt.Errorf("failed to blacklist token: %w", err)
	}

	logger.Info("Token blacklisted ttl_seconds=%d", int(ttl.Seconds()))
	return nil
}

// IsTokenBlacklisted checks if a token is blacklisted
func (tb *TokenBlacklist) IsTokenBlacklisted(ctx context.Context, tokenString string) (bool, error) {
	exists, err := tb.redis.Exists(ctx, blacklistKey(tokenString)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return exists > 0, nil
}

// blacklistKey hashes the token so raw credentials never land in Redis
func blacklistKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "blacklist:token:" + hex.EncodeToString(sum[:])
}
