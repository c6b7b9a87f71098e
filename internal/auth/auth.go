// Package auth resolves API keys to accounts and enforces per-account rate
// limits. Raw keys never touch persistent storage: the durable store holds
// sha256 fingerprints, and the hot store caches fingerprint-to-identity
// lookups so steady-state authentication costs one Redis read.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
)

// ErrInvalidKey is returned for unknown or malformed API keys. The REST layer
// maps it to 401 without detail; which part was wrong is not disclosed.
var ErrInvalidKey = errors.New("invalid api key")

// identityCacheTTL bounds staleness after a key rotation that bypassed the
// explicit invalidation (e.g. direct SQL).
const identityCacheTTL = 5 * time.Minute

// Identity is the authenticated caller.
type Identity struct {
	ID        int64 `json:"id"`
	RateLimit int   `json:"rate_limit"`
}

// HashKey returns the hex sha256 fingerprint stored and cached for a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new raw API key. Only the caller ever sees it; persist
// the fingerprint.
func GenerateKey() (raw, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("key generation: %w", err)
	}
	raw = "pk_" + hex.EncodeToString(buf)
	return raw, HashKey(raw), nil
}

// Authenticator resolves raw keys to identities, read-through cached.
type Authenticator struct {
	rdb      *redis.Client
	accounts *durable.Accounts
	log      zerolog.Logger
}

// NewAuthenticator wires the authenticator.
func NewAuthenticator(rdb *redis.Client, accounts *durable.Accounts, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		rdb:      rdb,
		accounts: accounts,
		log:      logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate resolves a raw key. Cache hit: one Redis read. Miss: a durable
// lookup by fingerprint, then the identity is cached.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (Identity, error) {
	if rawKey == "" {
		return Identity{}, ErrInvalidKey
	}
	hash := HashKey(rawKey)
	cacheKey := fmt.Sprintf(hotstore.APIKeyCacheFmt, hash)

	if cached, err := a.rdb.Get(ctx, cacheKey).Result(); err == nil {
		var id Identity
		if jsonErr := json.Unmarshal([]byte(cached), &id); jsonErr == nil {
			return id, nil
		}
		a.rdb.Del(ctx, cacheKey)
	} else if err != redis.Nil {
		// Hot store down; fall through to the durable lookup so auth keeps
		// working, just slower.
		a.log.Warn().Err(err).Msg("identity cache read failed")
	}

	account, err := a.accounts.GetByAPIKeyHash(ctx, hash)
	if errors.Is(err, durable.ErrNotFound) {
		return Identity{}, ErrInvalidKey
	}
	if err != nil {
		return Identity{}, fmt.Errorf("key lookup: %w", err)
	}

	identity := Identity{ID: account.ID, RateLimit: account.RateLimitPerMinute}
	if payload, err := json.Marshal(identity); err == nil {
		if err := a.rdb.Set(ctx, cacheKey, payload, identityCacheTTL).Err(); err != nil {
			a.log.Warn().Err(err).Msg("identity cache write failed")
		}
	}
	return identity, nil
}

// Provision creates an account and mints its first key. Returns the raw key;
// it cannot be recovered later.
func (a *Authenticator) Provision(ctx context.Context, name string, rateLimit int) (durable.Account, string, error) {
	raw, hash, err := GenerateKey()
	if err != nil {
		return durable.Account{}, "", err
	}
	account, err := a.accounts.Create(ctx, name, hash, rateLimit)
	if err != nil {
		return durable.Account{}, "", err
	}
	a.log.Info().Int64("account_id", account.ID).Str("name", name).Msg("account provisioned")
	return account, raw, nil
}

// Rotate replaces an account's key and invalidates the cached identity for
// the old one.
func (a *Authenticator) Rotate(ctx context.Context, accountID int64) (string, error) {
	account, err := a.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	raw, hash, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if err := a.accounts.RotateAPIKey(ctx, accountID, hash); err != nil {
		return "", err
	}
	a.rdb.Del(ctx, fmt.Sprintf(hotstore.APIKeyCacheFmt, account.APIKeyHash))
	a.log.Info().Int64("account_id", accountID).Msg("api key rotated")
	return raw, nil
}

// RateLimiter implements a fixed one-minute window per account.
type RateLimiter struct {
	rdb          *redis.Client
	defaultLimit int
}

// NewRateLimiter wires the limiter with the fallback limit for accounts that
// carry none.
func NewRateLimiter(rdb *redis.Client, defaultLimit int) *RateLimiter {
	return &RateLimiter{rdb: rdb, defaultLimit: defaultLimit}
}

// Allow consumes one slot in the account's current window. Returns whether
// the request may proceed, the window's limit, and how many slots remain.
func (r *RateLimiter) Allow(ctx context.Context, accountID int64, limit int) (bool, int, int, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}
	window := time.Now().UTC().Format("200601021504")
	key := fmt.Sprintf(hotstore.RateLimitKeyFmt, accountID, window)

	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, limit, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		// Two windows of slack so a clock-skewed reader still sees the key.
		r.rdb.Expire(ctx, key, 2*time.Minute)
	}

	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return int(n) <= limit, limit, remaining, nil
}
