package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	fingerprint string
	state       State
	token       string
	response    []byte
	lockedAt    time.Time
	expiresAt   time.Time
}

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && !s.takeover(e, now) {
		if e.state == StateCompleted {
			return &Reservation{
				State:       StateCompleted,
				Fingerprint: e.fingerprint,
				Response:    append([]byte(nil), e.response...),
				ExpiresAt:   e.expiresAt,
			}, nil
		}
		return &Reservation{State: StateInFlight, Fingerprint: e.fingerprint}, nil
	}

	e := &memoryEntry{
		fingerprint: fingerprint,
		state:       StateInFlight,
		token:       uuid.NewString(),
		lockedAt:    now,
		expiresAt:   now.Add(s.opts.Retention),
	}
	s.entries[key] = e
	return &Reservation{State: StateFresh, Token: e.token, Fingerprint: fingerprint, ExpiresAt: e.expiresAt}, nil
}

func (s *MemoryStore) takeover(e *memoryEntry, now time.Time) bool {
	if e.state == StateCompleted {
		return !now.Before(e.expiresAt)
	}
	return !now.Before(e.lockedAt.Add(s.opts.InFlightTimeout))
}

func (s *MemoryStore) Finalize(_ context.Context, key, token string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.state != StateInFlight || e.token != token {
		return ErrNotReserved
	}

	e.state = StateCompleted
	e.response = append([]byte(nil), response...)
	e.expiresAt = s.now().Add(s.opts.Retention)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.state != StateInFlight || e.token != token {
		return ErrNotReserved
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for key, e := range s.entries {
		if s.takeover(e, now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}
