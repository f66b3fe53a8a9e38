package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	connectAttempts = 5
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "briefgate:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis stores codes, refresh tokens and principals in Redis so several
// gateway instances can share them. Every state transition runs as a Lua
// script, which Redis executes atomically. Scripts touch several keys per
// call, so only a single Redis node (or a failover pair behind one address)
// is supported, not Redis Cluster.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// Script results below zero map to the sentinel errors.
const (
	resultNotFound = -1
	resultUsed     = -2
	resultExpired  = -3
	resultMismatch = -4
)

var markCodeUsedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'used') == '1' then return -2 end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= tonumber(ARGV[1]) then return -3 end
redis.call('HSET', KEYS[1], 'used', '1')
return 1
`)

var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then return -2 end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= tonumber(ARGV[1]) then return -3 end
if redis.call('HGET', KEYS[1], 'principal_id') ~= ARGV[5] then return -4 end
redis.call('HSET', KEYS[1], 'revoked', '1')
redis.call('HSET', KEYS[2], 'data', ARGV[2], 'revoked', '0', 'expires_at', ARGV[3], 'principal_id', ARGV[5])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[6])
if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[4]) then
  redis.call('PEXPIRE', KEYS[3], ARGV[4])
end
return 1
`)

var revokeAllScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local count = 0
for _, token in ipairs(members) do
  local key = ARGV[1] .. token
  if redis.call('EXISTS', key) == 0 then
    redis.call('SREM', KEYS[1], token)
  elseif redis.call('HGET', key, 'revoked') ~= '1' then
    redis.call('HSET', key, 'revoked', '1')
    count = count + 1
  end
end
return count
`)

var resolvePrincipalScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('SET', KEYS[2], ARGV[3])
  return ARGV[2]
end
return redis.call('HGET', KEYS[1], ARGV[1])
`)

// NewRedis connects to Redis, retrying the initial ping with exponential backoff.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	_, err := backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("redis ping failed, retrying", "addr", cfg.Addr, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisWithClient wraps a pre-configured single-node client. Tests use it
// with miniredis.
func NewRedisWithClient(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) codeKey(code string) string {
	return r.keyPrefix + "code:" + code
}

func (r *Redis) refreshPrefix() string {
	return r.keyPrefix + "refresh:"
}

func (r *Redis) refreshKey(token string) string {
	return r.refreshPrefix() + token
}

func (r *Redis) refreshIndexKey(principalID string) string {
	return r.keyPrefix + "principal:" + principalID + ":refresh"
}

func (r *Redis) principalKey(principalID string) string {
	return r.keyPrefix + "principal:" + principalID
}

func (r *Redis) identitiesKey() string {
	return r.keyPrefix + "identities"
}

func identityField(provider, subject string) string {
	return provider + "\n" + subject
}

// SaveCode persists an authorization code until it expires.
func (r *Redis) SaveCode(ctx context.Context, code AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	key := r.codeKey(code.Code)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data, "used", boolFlag(code.Used), "expires_at", code.ExpiresAt.UnixMilli())
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

// GetCode loads an authorization code.
func (r *Redis) GetCode(ctx context.Context, code string) (AuthorizationCode, error) {
	fields, err := r.client.HGetAll(ctx, r.codeKey(code)).Result()
	if err != nil {
		return AuthorizationCode{}, fmt.Errorf("failed to load authorization code: %w", err)
	}
	if len(fields) == 0 {
		return AuthorizationCode{}, ErrNotFound
	}
	var c AuthorizationCode
	if err := json.Unmarshal([]byte(fields["data"]), &c); err != nil {
		return AuthorizationCode{}, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	c.Used = fields["used"] == "1"
	return c, nil
}

// MarkCodeUsed flips used from false to true.
func (r *Redis) MarkCodeUsed(ctx context.Context, code string, now time.Time) error {
	res, err := markCodeUsedScript.Run(ctx, r.client, []string{r.codeKey(code)}, now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to mark authorization code used: %w", err)
	}
	return scriptResult(res)
}

// SaveRefreshToken persists a refresh token and indexes it by principal.
func (r *Redis) SaveRefreshToken(ctx context.Context, token RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	key := r.refreshKey(token.Token)
	idx := r.refreshIndexKey(token.PrincipalID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"data", data,
			"revoked", boolFlag(token.Revoked),
			"expires_at", token.ExpiresAt.UnixMilli(),
			"principal_id", token.PrincipalID,
		)
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, idx, token.Token)
		pipe.PExpire(ctx, idx, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken loads a refresh token.
func (r *Redis) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	fields, err := r.client.HGetAll(ctx, r.refreshKey(token)).Result()
	if err != nil {
		return RefreshToken{}, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if len(fields) == 0 {
		return RefreshToken{}, ErrNotFound
	}
	var t RefreshToken
	if err := json.Unmarshal([]byte(fields["data"]), &t); err != nil {
		return RefreshToken{}, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	t.Revoked = fields["revoked"] == "1"
	return t, nil
}

// RotateRefreshToken revokes old and stores next in one script call.
func (r *Redis) RotateRefreshToken(ctx context.Context, old string, next RefreshToken, now time.Time) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	ttl := next.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return ErrExpired
	}
	keys := []string{r.refreshKey(old), r.refreshKey(next.Token), r.refreshIndexKey(next.PrincipalID)}
	res, err := rotateScript.Run(ctx, r.client, keys,
		now.UnixMilli(),
		data,
		next.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
		next.PrincipalID,
		next.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if res == resultUsed {
		return ErrRevoked
	}
	return scriptResult(res)
}

// RevokeAllRefreshTokens revokes every unrevoked token of the principal.
func (r *Redis) RevokeAllRefreshTokens(ctx context.Context, principalID string) (int, error) {
	n, err := revokeAllScript.Run(ctx, r.client, []string{r.refreshIndexKey(principalID)}, r.refreshPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return n, nil
}

// GetPrincipal loads the principal with id.
func (r *Redis) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	data, err := r.client.Get(ctx, r.principalKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Principal{}, ErrNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("failed to load principal: %w", err)
	}
	var p Principal
	if err := json.Unmarshal(data, &p); err != nil {
		return Principal{}, fmt.Errorf("failed to unmarshal principal: %w", err)
	}
	return p, nil
}

// ResolvePrincipal binds candidate to its federated identity unless another
// principal already holds it, in which case that principal is returned with
// refreshed profile fields.
func (r *Redis) ResolvePrincipal(ctx context.Context, candidate Principal) (Principal, error) {
	if candidate.ID == "" || candidate.Provider == "" || candidate.Subject == "" {
		return Principal{}, errors.New("principal requires id, provider and subject")
	}
	data, err := json.Marshal(candidate)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to marshal principal: %w", err)
	}
	keys := []string{r.identitiesKey(), r.principalKey(candidate.ID)}
	id, err := resolvePrincipalScript.Run(ctx, r.client, keys,
		identityField(candidate.Provider, candidate.Subject),
		candidate.ID,
		data,
	).Text()
	if err != nil {
		return Principal{}, fmt.Errorf("failed to resolve principal: %w", err)
	}
	if id == candidate.ID {
		return candidate, nil
	}

	existing, err := r.GetPrincipal(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	if !refreshProfile(&existing, candidate) {
		return existing, nil
	}
	data, err = json.Marshal(existing)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to marshal principal: %w", err)
	}
	if err := r.client.Set(ctx, r.principalKey(id), data, 0).Err(); err != nil {
		return Principal{}, fmt.Errorf("failed to update principal: %w", err)
	}
	return existing, nil
}

// refreshProfile copies non-empty profile fields of from into p and reports
// whether anything changed.
func refreshProfile(p *Principal, from Principal) bool {
	changed := false
	if from.Email != "" && from.Email != p.Email {
		p.Email = from.Email
		changed = true
	}
	if from.Name != "" && from.Name != p.Name {
		p.Name = from.Name
		changed = true
	}
	return changed
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func scriptResult(res int) error {
	switch res {
	case resultNotFound:
		return ErrNotFound
	case resultUsed:
		return ErrAlreadyUsed
	case resultExpired:
		return ErrExpired
	case resultMismatch:
		return ErrMismatch
	}
	return nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
