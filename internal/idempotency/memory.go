package idempotency

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/mail-dispatch/internal/model"
)

// MemoryStore is the in-process fallback used when Redis is unreachable at
// startup. It deduplicates within a single process only; with horizontally
// scaled consumers this is a documented degradation, chosen over refusing
// to send at all.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewMemoryStore(cfg Config) *MemoryStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

func (s *MemoryStore) Claim(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Add fails when the key exists, giving set-if-absent semantics; the
	// mutex keeps claim-then-status sequences atomic across goroutines.
	err := s.cache.Add(messageID, model.StatusProcessing, gocache.DefaultExpiration)
	return err == nil, nil
}

func (s *MemoryStore) ClaimRetry(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.cache.Get(messageID)
	if !ok {
		return false, nil
	}
	if status, ok := val.(model.IdempotencyStatus); !ok || status != model.StatusRetrying {
		return false, nil
	}
	s.cache.Set(messageID, model.StatusProcessing, gocache.DefaultExpiration)
	return true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, messageID string, status model.IdempotencyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Mirror the shared store: a write against an expired record is
	// dropped, it must not re-enter the idempotency window.
	if _, ok := s.cache.Get(messageID); !ok {
		return nil
	}
	s.cache.Set(messageID, status, gocache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) GetStatus(_ context.Context, messageID string) (model.IdempotencyStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.cache.Get(messageID)
	if !ok {
		return "", false, nil
	}
	status, ok := val.(model.IdempotencyStatus)
	if !ok {
		return "", false, nil
	}
	return status, true, nil
}
