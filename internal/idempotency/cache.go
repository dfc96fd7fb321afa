package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const cachePrefix = "idempotency:"

type cachedResult struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
}

// CachedStore answers completed keys from redis and defers everything else
// to the primary store. The primary remains the source of truth; redis
// errors only cost the fast path.
type CachedStore struct {
	primary   Store
	redis     *redis.Client
	retention time.Duration
	log       logrus.FieldLogger

	pending sync.Map // token -> fingerprint
}

func NewCachedStore(primary Store, client *redis.Client, retention time.Duration, log logrus.FieldLogger) *CachedStore {
	return &CachedStore{
		primary:   primary,
		redis:     client,
		retention: retention,
		log:       log,
	}
}

func (s *CachedStore) Reserve(ctx context.Context, key, fingerprint string) (*Reservation, error) {
	data, err := s.redis.Get(ctx, cachePrefix+key).Bytes()
	switch {
	case err == nil:
		var cached cachedResult
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
			return &Reservation{
				State:       StateCompleted,
				Fingerprint: cached.Fingerprint,
				Response:    cached.Response,
			}, nil
		}
		s.log.WithField("key", key).Warn("[IDEMPOTENCY] Discarding unreadable cache entry")
	case !errors.Is(err, redis.Nil):
		s.log.WithError(err).Warn("[IDEMPOTENCY] Cache read failed, using primary store")
	}

	res, err := s.primary.Reserve(ctx, key, fingerprint)
	if err != nil {
		return nil, err
	}

	switch res.State {
	case StateFresh:
		s.pending.Store(res.Token, fingerprint)
	case StateCompleted:
		if ttl := time.Until(res.ExpiresAt); ttl > 0 {
			s.put(ctx, key, res.Fingerprint, res.Response, ttl)
		}
	}
	return res, nil
}

func (s *CachedStore) Finalize(ctx context.Context, key, token string, response []byte) error {
	if err := s.primary.Finalize(ctx, key, token, response); err != nil {
		s.pending.Delete(token)
		return err
	}

	if fp, ok := s.pending.LoadAndDelete(token); ok {
		s.put(ctx, key, fp.(string), response, s.retention)
	}
	return nil
}

func (s *CachedStore) Release(ctx context.Context, key, token string) error {
	s.pending.Delete(token)
	return s.primary.Release(ctx, key, token)
}

func (s *CachedStore) Sweep(ctx context.Context) (int64, error) {
	return s.primary.Sweep(ctx)
}

func (s *CachedStore) put(ctx context.Context, key, fingerprint string, response []byte, ttl time.Duration) {
	data, err := json.Marshal(cachedResult{Fingerprint: fingerprint, Response: response})
	if err != nil {
		s.log.WithError(err).Warn("[IDEMPOTENCY] Could not encode cache entry")
		return
	}
	if err := s.redis.Set(ctx, cachePrefix+key, data, ttl).Err(); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("[IDEMPOTENCY] Cache write failed")
	}
}
