package tokenstore

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

// Redis stores the token pair as one JSON value under "<prefix>:token:<profile>".
// Every context of the same profile pointed at the same server shares it.
type Redis struct {
	rdb redis.UniversalClient
	key string
}

// NewRedis returns a redis-backed store.
func NewRedis(rdb redis.UniversalClient, prefix, profile string) (*Redis, error) {
	if rdb == nil {
		return nil, trace.BadParameter("redis client is nil")
	}
	if profile == "" {
		return nil, trace.BadParameter("profile is empty")
	}
	if prefix == "" {
		prefix = "sg"
	}
	return &Redis{rdb: rdb, key: prefix + ":token:" + profile}, nil
}

func (r *Redis) Get(ctx context.Context) (*Token, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("redis get", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, storageError("decode redis value", err)
	}
	if tok.Validate() != nil {
		return nil, nil
	}
	return &tok, nil
}

func (r *Redis) Set(ctx context.Context, tok *Token) error {
	if err := tok.Validate(); err != nil {
		return trace.Wrap(err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return storageError("encode redis value", err)
	}
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return storageError("redis set", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return storageError("redis del", err)
	}
	return nil
}
