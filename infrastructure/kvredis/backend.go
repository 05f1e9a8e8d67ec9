// Package kvredis stores context key-value namespaces in Redis, one hash
// per namespace, so several hosts can share kv state.
package kvredis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// Backend implements ports.KVBackend on a Redis client.
type Backend struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.KVBackend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix sets the key prefix. Default "filament".
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{client: client, prefix: "filament"}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Backend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, ferrors.Wrap(ferrors.IOFailure, "kvredis.dial", err)
	}
	return New(client, opts...), nil
}

func (b *Backend) key(ns string) string {
	return fmt.Sprintf("%s:kv:%s", b.prefix, ns)
}

func ioErr(op string, err error) error {
	return ferrors.Wrap(ferrors.IOFailure, op, err)
}

func (b *Backend) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	v, err := b.client.HGet(ctx, b.key(ns), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("kvredis.get", err)
	}
	return v, true, nil
}

func (b *Backend) Set(ctx context.Context, ns, key string, value []byte) error {
	if err := b.client.HSet(ctx, b.key(ns), key, value).Err(); err != nil {
		return ioErr("kvredis.set", err)
	}
	return nil
}

func (b *Backend) SetNX(ctx context.Context, ns, key string, value []byte) (bool, error) {
	ok, err := b.client.HSetNX(ctx, b.key(ns), key, value).Result()
	if err != nil {
		return false, ioErr("kvredis.setnx", err)
	}
	return ok, nil
}

func (b *Backend) Delete(ctx context.Context, ns, key string) error {
	if err := b.client.HDel(ctx, b.key(ns), key).Err(); err != nil {
		return ioErr("kvredis.delete", err)
	}
	return nil
}

func (b *Backend) Dump(ctx context.Context, ns string) (map[string][]byte, error) {
	all, err := b.client.HGetAll(ctx, b.key(ns)).Result()
	if err != nil {
		return nil, ioErr("kvredis.dump", err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[k] = []byte(v)
	}
	return out, nil
}

// ReplaceNamespace deletes the hash and writes entries inside one
// MULTI/EXEC block.
func (b *Backend) ReplaceNamespace(ctx context.Context, ns string, entries map[string][]byte) error {
	key := b.key(ns)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(entries) == 0 {
			return nil
		}
		values := make([]any, 0, 2*len(entries))
		for k, v := range entries {
			values = append(values, k, v)
		}
		pipe.HSet(ctx, key, values...)
		return nil
	})
	if err != nil {
		return ioErr("kvredis.replace", err)
	}
	return nil
}

// Close closes the client.
func (b *Backend) Close() error {
	return b.client.Close()
}
