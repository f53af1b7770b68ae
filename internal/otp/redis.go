package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vidyavaradhi/apiserver/types"
)

// consumeOTPLua atomically performs GET → check expiry → compare → mark.
// KEYS[1] = record key
// ARGV[1] = submitted code
// ARGV[2] = current unix time in milliseconds
//
// Record layout: purpose|code|expiresAtMillis, prefixed with "!" once consumed.
var consumeOTPLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 'not_found'
end
if string.sub(data, 1, 1) == '!' then
  return 'consumed'
end

local first = string.find(data, '|', 1, true)
local second = first and string.find(data, '|', first + 1, true)
if not second then
  redis.call('DEL', KEYS[1])
  return 'not_found'
end

local code = string.sub(data, first + 1, second - 1)
local expiresAt = tonumber(string.sub(data, second + 1))
if not expiresAt or tonumber(ARGV[2]) >= expiresAt then
  redis.call('DEL', KEYS[1])
  return 'expired'
end

if code ~= ARGV[1] then
  return 'mismatch'
end

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], '!' .. data, 'PX', ttl)
else
  redis.call('SET', KEYS[1], '!' .. data)
end
return 'verified'
`)

// releaseOTPLua strips the consumed mark from KEYS[1] when the record still
// holds ARGV[1] and has not expired at ARGV[2]. The remaining TTL is kept.
var releaseOTPLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data or string.sub(data, 1, 1) ~= '!' then
  return 0
end

local live = string.sub(data, 2)
local first = string.find(live, '|', 1, true)
local second = first and string.find(live, '|', first + 1, true)
if not second or string.sub(live, first + 1, second - 1) ~= ARGV[1] then
  return 0
end
local expiresAt = tonumber(string.sub(live, second + 1))
if not expiresAt or tonumber(ARGV[2]) >= expiresAt then
  return 0
end

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], live, 'PX', ttl)
else
  redis.call('SET', KEYS[1], live)
end
return 1
`)

// RedisBackend stores one key per email with a TTL matching the code's
// lifetime. Consumption marks the key; Redis drops it when the TTL runs out.
type RedisBackend struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "otp"
	}
	return &RedisBackend{redis: client, prefix: prefix}
}

func (r *RedisBackend) key(email string) string {
	return r.prefix + ":" + email
}

func (r *RedisBackend) Put(ctx context.Context, rec types.OTP) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	value := strings.Join([]string{
		string(rec.Purpose),
		rec.Code,
		strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10),
	}, "|")
	if err := r.redis.Set(ctx, r.key(rec.Email), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisBackend) Consume(ctx context.Context, email, code string, now time.Time) (Outcome, error) {
	result, err := consumeOTPLua.Run(ctx, r.redis, []string{r.key(email)}, code, now.UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return OutcomeNotFound, nil
		}
		return OutcomeNotFound, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch result {
	case "verified":
		return OutcomeVerified, nil
	case "expired":
		return OutcomeExpired, nil
	case "mismatch":
		return OutcomeMismatch, nil
	case "consumed":
		return OutcomeConsumed, nil
	case "not_found":
		return OutcomeNotFound, nil
	}
	return OutcomeNotFound, fmt.Errorf("%w: unexpected script result %q", ErrUnavailable, result)
}

func (r *RedisBackend) Release(ctx context.Context, email, code string, now time.Time) (bool, error) {
	n, err := releaseOTPLua.Run(ctx, r.redis, []string{r.key(email)}, code, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Sweep is a no-op: Redis expires keys on its own.
func (r *RedisBackend) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
