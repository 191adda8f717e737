package auditlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores payloads under <prefix><ref> and announces each new ref on a
// stream so other hosts can mirror the log. Both happen in one script: the
// announcement is written before the payload, so a failed append leaves
// nothing behind and the retry announces again.
type Redis struct {
	client *redis.Client
	prefix string
	stream string
	maxLen int64
}

// RedisOption configures the Redis log.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key namespace. Default "epistemic:audit:".
func WithKeyPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// WithStream sets the announcement stream. Default "epistemic:audit".
func WithStream(s string) RedisOption {
	return func(r *Redis) { r.stream = s }
}

// WithStreamMaxLenApprox caps the stream length approximately.
func WithStreamMaxLenApprox(n int64) RedisOption {
	return func(r *Redis) { r.maxLen = n }
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "epistemic:audit:", stream: "epistemic:audit"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Name() string { return "redis" }

// appendScript returns 1 for a new entry, 0 for an identical existing one
// and -1 for a conflicting one.
//
// KEYS[1] payload key, KEYS[2] stream; ARGV[1] payload, ARGV[2] ref,
// ARGV[3] approximate stream cap (0 for none).
var appendScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	if existing == ARGV[1] then return 0 end
	return -1
end
if tonumber(ARGV[3]) > 0 then
	redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'ref', ARGV[2])
else
	redis.call('XADD', KEYS[2], '*', 'ref', ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

func (r *Redis) Append(ctx context.Context, ref string, payload []byte) error {
	res, err := appendScript.Run(ctx, r.client,
		[]string{r.prefix + ref, r.stream},
		payload, ref, r.maxLen).Int()
	if err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("%s: %w", ref, ErrConflict)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, ref string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+ref).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}
