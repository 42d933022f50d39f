package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned by StateStore.Take when no live pending login
// exists for a state value.
var ErrStateNotFound = errors.New("pending login not found")

// PendingLogin is the server-side half of an authorization request. It is
// created by BeginLogin and consumed exactly once by CompleteLogin.
type PendingLogin struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the pending login can no longer be completed.
func (p *PendingLogin) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// StateStore holds pending logins between the redirect and the callback.
// Take must be atomic: two concurrent callers with the same state must not
// both receive the record.
type StateStore interface {
	Save(ctx context.Context, p *PendingLogin) error
	Take(ctx context.Context, state string) (*PendingLogin, error)
}

// MemoryStateStore is a process-local StateStore. It only works when a
// single server instance handles both legs of the login.
type MemoryStateStore struct {
	mu      sync.Mutex
	pending map[string]*PendingLogin
	now     func() time.Time
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		pending: make(map[string]*PendingLogin),
		now:     time.Now,
	}
}

// Save stores p, evicting any expired entries first.
func (s *MemoryStateStore) Save(_ context.Context, p *PendingLogin) error {
	if p == nil || p.State == "" {
		return errors.New("pending login requires a state value")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.pending {
		if v.Expired(now) {
			delete(s.pending, k)
		}
	}
	if _, exists := s.pending[p.State]; exists {
		return errors.New("state value already pending")
	}
	cp := *p
	s.pending[p.State] = &cp
	return nil
}

// Take removes and returns the pending login for state.
func (s *MemoryStateStore) Take(_ context.Context, state string) (*PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.pending, state)
	if p.Expired(s.now()) {
		return nil, ErrStateNotFound
	}
	return p, nil
}

const redisStatePrefix = "sessiongate:login:"

// RedisStateStore keeps pending logins in Redis so any server instance can
// complete a login started on another.
type RedisStateStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStateStore creates a state store backed by client.
func NewRedisStateStore(client redis.Cmdable) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		prefix: redisStatePrefix,
		now:    time.Now,
	}
}

func (s *RedisStateStore) key(state string) string {
	return s.prefix + state
}

// Save writes p with SET NX and an expiry matching p.ExpiresAt.
func (s *RedisStateStore) Save(ctx context.Context, p *PendingLogin) error {
	if p == nil || p.State == "" {
		return errors.New("pending login requires a state value")
	}
	ttl := p.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("pending login already expired")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending login: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(p.State), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save pending login: %w", err)
	}
	if !ok {
		return errors.New("state value already pending")
	}
	return nil
}

// Take reads and deletes the pending login in one GETDEL round trip.
func (s *RedisStateStore) Take(ctx context.Context, state string) (*PendingLogin, error) {
	data, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take pending login: %w", err)
	}

	var p PendingLogin
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending login: %w", err)
	}
	if p.Expired(s.now()) {
		return nil, ErrStateNotFound
	}
	return &p, nil
}
