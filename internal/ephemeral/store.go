// Package ephemeral holds short-lived, TTL-bounded state in Redis. Callers
// receive a Keyspace scoped to one prefix and cannot reach keys outside it.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key or hash field does not exist.
var ErrMiss = errors.New("ephemeral: key not found")

// Keyspace names used by the service. Prefixes never overlap.
const (
	OAuthState   = "oauth-state"
	CallAuth     = "call-auth"
	DevSession   = "dev-session"
	RoomIdentity = "room-identity"
)

// Keyspace is the capability handed to one owner of a key prefix.
type Keyspace interface {
	// Set stores value under key. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Take returns the value and deletes the key in one step.
	Take(ctx context.Context, key string) (string, error)
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	// HTake returns a hash field and deletes it in one step.
	HTake(ctx context.Context, key, field string) (string, error)
	ExpireAt(ctx context.Context, key string, at time.Time) error
}

// Options configures a connection to an external Redis.
type Options struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// Store owns the Redis connection and hands out keyspaces.
type Store struct {
	client redis.UniversalClient
}

// hget and hdel in one script so concurrent takers cannot both observe the field.
var hTakeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return v
`)

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var ro *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ro = parsed
	} else {
		ro = &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	}

	client := redis.NewClient(ro)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", ro.Addr, err)
	}
	return New(client), nil
}

// Keyspace returns a view of the store under prefix.
func (s *Store) Keyspace(prefix string) Keyspace {
	return &keyspace{client: s.client, prefix: prefix + ":"}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

type keyspace struct {
	client redis.UniversalClient
	prefix string
}

func (k *keyspace) key(key string) string {
	return k.prefix + key
}

func miss(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	return err
}

func (k *keyspace) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return k.client.Set(ctx, k.key(key), value, ttl).Err()
}

func (k *keyspace) Get(ctx context.Context, key string) (string, error) {
	v, err := k.client.Get(ctx, k.key(key)).Result()
	return v, miss(err)
}

func (k *keyspace) Take(ctx context.Context, key string) (string, error) {
	v, err := k.client.GetDel(ctx, k.key(key)).Result()
	return v, miss(err)
}

func (k *keyspace) Delete(ctx context.Context, key string) (bool, error) {
	n, err := k.client.Del(ctx, k.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (k *keyspace) HSet(ctx context.Context, key, field, value string) error {
	return k.client.HSet(ctx, k.key(key), field, value).Err()
}

func (k *keyspace) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := k.client.HGet(ctx, k.key(key), field).Result()
	return v, miss(err)
}

func (k *keyspace) HTake(ctx context.Context, key, field string) (string, error) {
	v, err := hTakeScript.Run(ctx, k.client, []string{k.key(key)}, field).Text()
	return v, miss(err)
}

func (k *keyspace) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return k.client.ExpireAt(ctx, k.key(key), at).Err()
}
