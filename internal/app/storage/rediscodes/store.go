// Package rediscodes keeps verification codes in Redis with a TTL matching
// their validity window.
package rediscodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/campuslib/library_service/internal/app/storage"
)

const keyPrefix = "otp:"

// Store implements storage.CodeStore.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

var _ storage.CodeStore = (*Store)(nil)
var _ storage.Pinger = (*Store)(nil)

type entry struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New wraps a connected client.
func New(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Open parses a redis:// URL and connects.
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rediscodes: parse url: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func key(email string) string { return keyPrefix + email }

func (s *Store) PutCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.DeleteCode(ctx, email)
	}
	payload, err := json.Marshal(entry{Code: code, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key(email), payload, ttl).Err()
}

func (s *Store) GetCode(ctx context.Context, email string) (string, time.Time, error) {
	raw, err := s.client.Get(ctx, key(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", time.Time{}, fmt.Errorf("rediscodes: decode %s: %w", key(email), err)
	}
	return e.Code, e.ExpiresAt, nil
}

func (s *Store) DeleteCode(ctx context.Context, email string) error {
	return s.client.Del(ctx, key(email)).Err()
}

// ConsumeCode deletes the entry inside a WATCH transaction, so a concurrent
// consume or reissue aborts this one.
func (s *Store) ConsumeCode(ctx context.Context, email, code string) (bool, error) {
	k := key(email)
	consumed := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("rediscodes: decode %s: %w", k, err)
		}
		if e.Code != code {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		if err == nil {
			consumed = true
		}
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return consumed, nil
}
