package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ruralpay/cardengine/internal/models"
)

// ChallengeStore keeps issued challenges until they are consumed or expire.
// Take must hand a challenge out at most once.
type ChallengeStore interface {
	Put(ctx context.Context, ch *models.Challenge, ttl time.Duration) error
	Take(ctx context.Context, id string) (*models.Challenge, error)
}

const challengeKeyPrefix = "nfc:challenge:"

// takeScript reads and deletes in one step so two terminals racing on the
// same challenge cannot both consume it.
const takeScript = `
local v = redis.call("GET", KEYS[1])
if v then
	redis.call("DEL", KEYS[1])
end
return v
`

type RedisChallengeStore struct {
	client *redis.Client
}

func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

func (s *RedisChallengeStore) Put(ctx context.Context, ch *models.Challenge, ttl time.Duration) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	return s.client.Set(ctx, challengeKeyPrefix+ch.ID, data, ttl).Err()
}

func (s *RedisChallengeStore) Take(ctx context.Context, id string) (*models.Challenge, error) {
	raw, err := s.client.Eval(ctx, takeScript, []string{challengeKeyPrefix + id}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeExpiredOrReused
	}
	if err != nil {
		return nil, fmt.Errorf("take challenge: %w", err)
	}
	var ch models.Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, nil
}

// MemoryChallengeStore is the single-instance fallback used when Redis is down and in tests.
type MemoryChallengeStore struct {
	mu    sync.Mutex
	items map[string]memoryChallenge
	now   func() time.Time
}

type memoryChallenge struct {
	ch       models.Challenge
	deadline time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{items: make(map[string]memoryChallenge), now: time.Now}
}

func (s *MemoryChallengeStore) Put(_ context.Context, ch *models.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, item := range s.items {
		if now.After(item.deadline) {
			delete(s.items, id)
		}
	}
	s.items[ch.ID] = memoryChallenge{ch: *ch, deadline: now.Add(ttl)}
	return nil
}

func (s *MemoryChallengeStore) Take(_ context.Context, id string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrChallengeExpiredOrReused
	}
	delete(s.items, id)
	if s.now().After(item.deadline) {
		return nil, ErrChallengeExpiredOrReused
	}
	ch := item.ch
	return &ch, nil
}
