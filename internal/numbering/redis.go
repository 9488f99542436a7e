package numbering

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// bump the per-year counter, jumping over any floor scanned from storage
var nextScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
local floor = tonumber(ARGV[1])
if v <= floor then
  v = floor + 1
  redis.call('SET', KEYS[1], v)
end
return v
`)

// RedisSequencer allocates sequences with an atomic server-side script so that several
// processes sharing one store never hand out the same number.
type RedisSequencer struct {
	Client    redis.Scripter
	KeyPrefix string
}

// DialRedis connects to url and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s RedisSequencer) key(year int) string {
	prefix := s.KeyPrefix
	if prefix == "" {
		prefix = "sitesign:approval-seq:"
	}
	return fmt.Sprintf("%s%d", prefix, year)
}

func (s RedisSequencer) Next(ctx context.Context, year, floor int) (int, error) {
	if s.Client == nil {
		return 0, fmt.Errorf("redis sequencer: client not configured")
	}
	v, err := nextScript.Run(ctx, s.Client, []string{s.key(year)}, floor).Int()
	if err != nil {
		return 0, fmt.Errorf("redis sequencer: %w", err)
	}
	return v, nil
}
