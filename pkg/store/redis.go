package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/redis/go-redis/v9"
)

// compareAndSet: KEYS[1]=hash, ARGV[1]=n, ARGV[2..2n+1]=field/expected
// pairs, ARGV[2n+2..]=field/value pairs to write.
var compareAndSet = redis.NewScript(`
local n = tonumber(ARGV[1])
for i = 0, n - 1 do
  local current = redis.call('HGET', KEYS[1], ARGV[2 + 2 * i])
  if not current then current = '' end
  if current ~= ARGV[3 + 2 * i] then return 0 end
end
local first = 2 + 2 * n
if #ARGV >= first then
  redis.call('HSET', KEYS[1], unpack(ARGV, first))
end
return 1
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	return wrap(s.client.HSet(ctx, key, args).Err(), "hset "+key)
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", wrap(err, "hget "+key)
	}
	return v, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err, "hgetall "+key)
	}
	return v, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return wrap(s.client.HDel(ctx, key, fields...).Err(), "hdel "+key)
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(s.client.Del(ctx, keys...).Err(), "del")
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap(err, "exists "+key)
	}
	return n > 0, nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key, field, expected string, values map[string]string) (bool, error) {
	return s.CompareAndSetAll(ctx, key, map[string]string{field: expected}, values)
}

func (s *RedisStore) CompareAndSetAll(ctx context.Context, key string, expected, values map[string]string) (bool, error) {
	args := make([]interface{}, 0, 1+2*len(expected)+2*len(values))
	args = append(args, len(expected))
	for k, v := range expected {
		args = append(args, k, v)
	}
	for k, v := range values {
		args = append(args, k, v)
	}
	n, err := compareAndSet.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return false, wrap(err, "compare-and-set "+key)
	}
	return n == 1, nil
}

func (s *RedisStore) Push(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrap(s.client.RPush(ctx, key, args...).Err(), "rpush "+key)
}

func (s *RedisStore) BlockingPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if err != nil {
		return "", wrap(err, "blpop "+key)
	}
	if len(res) != 2 {
		return "", apperr.Newf(apperr.KindStore, "blpop %s: unexpected reply of length %d", key, len(res))
	}
	return res[1], nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.client.Expire(ctx, key, ttl).Err(), "expire "+key)
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return wrap(s.client.Publish(ctx, channel, message).Err(), "publish "+channel)
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed so that a Publish
	// issued right after Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrap(err, "subscribe "+channel)
	}
	sub := &redisSubscription{ps: ps, out: make(chan string), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan string
	done chan struct{}
	once sync.Once
}

func (r *redisSubscription) forward() {
	defer close(r.out)
	for msg := range r.ps.Channel() {
		select {
		case r.out <- msg.Payload:
		case <-r.done:
			return
		}
	}
}

func (r *redisSubscription) Messages() <-chan string {
	return r.out
}

func (r *redisSubscription) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.ps.Close()
	})
	return err
}

func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Wrap(apperr.KindStore, err, op)
}
