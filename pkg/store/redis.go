package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries on concurrent modification.
const maxTxRetries = 16

// Redis is a Store backed by Redis. Each record is a JSON string at
// <prefix>account:<email>; the set <prefix>accounts indexes all emails.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a store using client, namespacing keys with prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) recordKey(email string) string {
	return r.prefix + "account:" + email
}

func (r *Redis) indexKey() string {
	return r.prefix + "accounts"
}

// Create inserts a new record.
func (r *Redis) Create(ctx context.Context, a *account.Account) error {
	if a == nil {
		return fmt.Errorf("store: nil account")
	}
	rec := a.Clone()
	rec.Email = account.NormalizeEmail(rec.Email)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: failed to encode account: %w", err)
	}

	key := r.recordKey(rec.Email)
	return r.withRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: account %s", account.ErrAlreadyExists, rec.Email)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, r.indexKey(), rec.Email)
			return nil
		})
		return err
	}, key)
}

// Get returns a copy of the record.
func (r *Redis) Get(ctx context.Context, email string) (*account.Account, error) {
	email = account.NormalizeEmail(email)
	data, err := r.client.Get(ctx, r.recordKey(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: account %s", account.ErrNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read account %s: %w", email, err)
	}
	return decodeAccount(data)
}

// List returns all indexed records.
func (r *Redis) List(ctx context.Context) ([]*account.Account, error) {
	emails, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read account index: %w", err)
	}
	if len(emails) == 0 {
		return []*account.Account{}, nil
	}

	keys := make([]string, len(emails))
	for i, e := range emails {
		keys[i] = r.recordKey(e)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read accounts: %w", err)
	}

	out := make([]*account.Account, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Deleted between SMEMBERS and MGET.
			continue
		}
		a, err := decodeAccount([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortAccounts(out)
	return out, nil
}

// Update applies fn under WATCH and commits with MULTI/EXEC.
func (r *Redis) Update(ctx context.Context, email string, fn func(*account.Account) error) (*account.Account, error) {
	email = account.NormalizeEmail(email)
	key := r.recordKey(email)

	var result *account.Account
	err := r.withRetry(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: account %s", account.ErrNotFound, email)
		}
		if err != nil {
			return err
		}
		work, err := decodeAccount(data)
		if err != nil {
			return err
		}
		if err := fn(work); err != nil {
			return err
		}
		if work.Email != email {
			return fmt.Errorf("store: account email is immutable (%s -> %s)", email, work.Email)
		}
		if err := work.Validate(); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		encoded, err := json.Marshal(work)
		if err != nil {
			return fmt.Errorf("store: failed to encode account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			result = work
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the record and its index entry.
func (r *Redis) Delete(ctx context.Context, email string) error {
	email = account.NormalizeEmail(email)
	key := r.recordKey(email)

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, key)
		pipe.SRem(ctx, r.indexKey(), email)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: failed to delete account %s: %w", email, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: account %s", account.ErrNotFound, email)
	}
	return nil
}

// withRetry runs fn as an optimistic transaction, retrying when a watched key changed.
func (r *Redis) withRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("store: transaction on %v kept conflicting", keys)
}

func decodeAccount(data []byte) (*account.Account, error) {
	var a account.Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("store: failed to decode account: %w", err)
	}
	return &a, nil
}
