package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/nanoscale/nanoscale/internal/domain"
)

// acquireScript sets the holder hash only when the key is absent and returns
// the current holder otherwise.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HMGET', KEYS[1], 'token', 'cause', 'since', 'kind')
end
redis.call('HSET', KEYS[1], 'token', ARGV[1], 'cause', ARGV[2], 'since', ARGV[3], 'kind', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return false
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Table shared by every orchestrator replica pointing at the same Redis.
type Redis struct {
	client         redis.UniversalClient
	prefix         string
	acceptedPrefix string
	logger         *slog.Logger
}

var _ Table = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping lease redis: %w", err)
	}
	return NewRedisWithClient(client, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:         client,
		prefix:         "nanoscale:lease:",
		acceptedPrefix: "nanoscale:accepted:",
		logger:         logger.With("component", "lease_redis"),
	}
}

// TryAcquire implements Table.
func (r *Redis) TryAcquire(ctx context.Context, key string, holder Holder, ttl time.Duration) (bool, Holder, error) {
	res, err := acquireScript.Run(ctx, r.client, []string{r.prefix + key},
		holder.Token,
		string(holder.Cause),
		strconv.FormatInt(holder.Since.UnixMilli(), 10),
		ttl.Milliseconds(),
		string(holder.Kind),
	).Result()
	if errors.Is(err, redis.Nil) {
		return true, holder, nil
	}
	if err != nil {
		return false, Holder{}, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	current, err := decodeHolder(res)
	if err != nil {
		return false, Holder{}, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return false, current, nil
}

// Renew implements Table.
func (r *Redis) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, r.client, []string{r.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release implements Table.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Current implements Table.
func (r *Redis) Current(ctx context.Context, key string) (Holder, bool, error) {
	vals, err := r.client.HMGet(ctx, r.prefix+key, "token", "cause", "since", "kind").Result()
	if err != nil {
		return Holder{}, false, fmt.Errorf("read lease %s: %w", key, err)
	}
	if len(vals) == 0 || vals[0] == nil {
		return Holder{}, false, nil
	}
	h, err := decodeHolder(vals)
	if err != nil {
		return Holder{}, false, err
	}
	return h, true, nil
}

// MarkAccepted implements Table.
func (r *Redis) MarkAccepted(ctx context.Context, key string, cause domain.TriggerCause, at time.Time, ttl time.Duration) error {
	k := r.acceptedPrefix + key + ":" + string(cause)
	if err := r.client.Set(ctx, k, strconv.FormatInt(at.UnixMilli(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("mark accepted %s: %w", key, err)
	}
	return nil
}

// LastAccepted implements Table.
func (r *Redis) LastAccepted(ctx context.Context, key string, cause domain.TriggerCause) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.acceptedPrefix+key+":"+string(cause)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read accepted %s: %w", key, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse accepted %s: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func decodeHolder(res any) (Holder, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 4 {
		return Holder{}, fmt.Errorf("unexpected lease payload %T", res)
	}
	token, _ := vals[0].(string)
	cause, _ := vals[1].(string)
	sinceRaw, _ := vals[2].(string)
	kind, _ := vals[3].(string)
	ms, err := strconv.ParseInt(sinceRaw, 10, 64)
	if err != nil {
		return Holder{}, fmt.Errorf("parse lease since: %w", err)
	}
	return Holder{Kind: Kind(kind), Token: token, Cause: domain.TriggerCause(cause), Since: time.UnixMilli(ms)}, nil
}
