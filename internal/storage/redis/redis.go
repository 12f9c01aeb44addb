// Package redis is a storage driver backed by Redis.
//
// A record is a hash holding its body, insertion sequence and encoded index
// list. Each index value is a sorted set of ids scored by sequence; unique
// values additionally own a plain key holding the id. Writes run inside
// WATCH/MULTI so concurrent writers either see each other or retry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	"github.com/drblury/creditflow/internal/storage"
)

// DefaultPrefix namespaces every key written by the driver.
const DefaultPrefix = "creditflow"

const maxTxAttempts = 16

var errTxContention = errors.New("redis: transaction kept conflicting")

// Options configures Open.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix defaults to DefaultPrefix.
	Prefix string
}

// Driver stores buckets in Redis.
type Driver struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// Open connects to the server and checks it answers.
func Open(ctx context.Context, opts Options) (*Driver, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d := New(client, opts.Prefix)
	d.owned = true
	return d, nil
}

// New wraps an existing client. Close leaves the client open.
func New(client redis.UniversalClient, prefix string) *Driver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Driver{client: client, prefix: prefix}
}

func (d *Driver) Bucket(name string) storage.Bucket {
	return &bucket{client: d.client, base: d.prefix + ":" + name}
}

func (d *Driver) Close() error {
	if d == nil || !d.owned {
		return nil
	}
	return d.client.Close()
}

type bucket struct {
	client redis.UniversalClient
	base   string
}

func (b *bucket) recordKey(id string) string { return b.base + ":rec:" + id }
func (b *bucket) seqKey() string             { return b.base + ":seq" }

func (b *bucket) indexKey(idx storage.Index) string {
	return b.base + ":idx:" + idx.Name + ":" + idx.Value
}

func (b *bucket) uniqueKey(idx storage.Index) string {
	return b.base + ":uniq:" + idx.Name + ":" + idx.Value
}

func (b *bucket) Insert(ctx context.Context, entries ...storage.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	watched := make([]string, 0, len(entries)*2)
	ids := make(map[string]struct{}, len(entries))
	uniques := make(map[string]string)
	for _, e := range entries {
		if _, ok := ids[e.ID]; ok {
			return storage.ErrAlreadyExists
		}
		ids[e.ID] = struct{}{}
		watched = append(watched, b.recordKey(e.ID))
		for _, idx := range e.Indexes {
			if !idx.Unique {
				continue
			}
			key := b.uniqueKey(idx)
			if owner, ok := uniques[key]; ok {
				if owner != e.ID {
					return storage.ErrAlreadyExists
				}
				continue
			}
			uniques[key] = e.ID
			watched = append(watched, key)
		}
	}

	return b.transact(ctx, watched, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, watched...).Result()
		if err != nil {
			return fmt.Errorf("check existing keys: %w", err)
		}
		if n > 0 {
			return storage.ErrAlreadyExists
		}
		last, err := tx.IncrBy(ctx, b.seqKey(), int64(len(entries))).Result()
		if err != nil {
			return fmt.Errorf("reserve sequence: %w", err)
		}
		first := last - int64(len(entries)) + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, e := range entries {
				if err := b.write(ctx, pipe, e, first+int64(i)); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	})
}

func (b *bucket) Replace(ctx context.Context, e storage.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	watched := []string{b.recordKey(e.ID)}
	for _, idx := range e.Indexes {
		if idx.Unique {
			watched = append(watched, b.uniqueKey(idx))
		}
	}

	return b.transact(ctx, watched, func(tx *redis.Tx) error {
		fields, err := tx.HMGet(ctx, b.recordKey(e.ID), "seq", "indexes").Result()
		if err != nil {
			return fmt.Errorf("load record: %w", err)
		}
		if fields[0] == nil {
			return storage.ErrNotFound
		}
		rawSeq, _ := fields[0].(string)
		seq, err := strconv.ParseInt(rawSeq, 10, 64)
		if err != nil {
			return fmt.Errorf("parse sequence: %w", err)
		}
		var previous []storage.Index
		if raw, ok := fields[1].(string); ok && raw != "" {
			if err := jsoncodec.Unmarshal([]byte(raw), &previous); err != nil {
				return fmt.Errorf("decode indexes: %w", err)
			}
		}
		for _, idx := range e.Indexes {
			if !idx.Unique {
				continue
			}
			owner, err := tx.Get(ctx, b.uniqueKey(idx)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("check unique %s: %w", idx.Name, err)
			}
			if err == nil && owner != e.ID {
				return storage.ErrAlreadyExists
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, idx := range previous {
				pipe.ZRem(ctx, b.indexKey(idx), e.ID)
				if idx.Unique {
					pipe.Del(ctx, b.uniqueKey(idx))
				}
			}
			return b.write(ctx, pipe, e, seq)
		})
		return err
	})
}

func (b *bucket) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := b.client.HGet(ctx, b.recordKey(id), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return body, nil
}

func (b *bucket) Find(ctx context.Context, name, value string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := b.client.ZRange(ctx, b.indexKey(storage.Index{Name: name, Value: value}), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	out := make([][]byte, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringCmd, 0, len(ids))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, pipe.HGet(ctx, b.recordKey(id), "body"))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load records: %w", err)
	}
	for _, cmd := range cmds {
		body, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load record: %w", err)
		}
		out = append(out, body)
	}
	return out, nil
}

func (b *bucket) write(ctx context.Context, pipe redis.Pipeliner, e storage.Entry, seq int64) error {
	indexes, err := jsoncodec.Marshal(e.Indexes)
	if err != nil {
		return fmt.Errorf("encode indexes: %w", err)
	}
	pipe.HSet(ctx, b.recordKey(e.ID), "body", e.Body, "seq", seq, "indexes", indexes)
	for _, idx := range e.Indexes {
		pipe.ZAdd(ctx, b.indexKey(idx), redis.Z{Score: float64(seq), Member: e.ID})
		if idx.Unique {
			pipe.Set(ctx, b.uniqueKey(idx), e.ID, 0)
		}
	}
	return nil
}

// transact retries fn while another client touches the watched keys.
func (b *bucket) transact(ctx context.Context, keys []string, fn func(tx *redis.Tx) error) error {
	for range maxTxAttempts {
		err := b.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}
		return err
	}
	return errTxContention
}
