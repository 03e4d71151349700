package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// ErrMessageNotFound is returned when a recall names an id that is not (or no
// longer) retained.
var ErrMessageNotFound = errors.New("chat: message not found")

const (
	DefaultStoreCapacity = 10000
	DefaultStoreTTL      = 24 * time.Hour
)

// ChatMessage is a text message retained for recall. It is immutable once
// stored.
type ChatMessage struct {
	ID        string
	Sender    string
	Content   string
	CreatedAt time.Time
}

// Store holds recallable messages keyed by id. It is bounded by capacity,
// evicting the oldest entries first, and by a time-to-live after which an
// entry counts as absent. A zero ttl disables expiry.
type Store struct {
	mu  sync.Mutex
	lru *simplelru.LRU
	ttl time.Duration
	now func() time.Time
}

// NewStore creates a Store holding at most capacity messages.
func NewStore(capacity int, ttl time.Duration) (*Store, error) {
	lru, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create message store: %w", err)
	}
	return &Store{lru: lru, ttl: ttl, now: time.Now}, nil
}

// Put stores m. A zero CreatedAt is stamped with the current time.
func (s *Store) Put(m ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.purgeExpired()
	s.lru.Add(m.ID, m)
}

// TryRemove removes and returns the message stored under id. Exactly one of
// any number of concurrent callers for the same id succeeds.
func (s *Store) TryRemove(id string) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Peek(id)
	if !ok {
		return ChatMessage{}, ErrMessageNotFound
	}
	s.lru.Remove(id)
	m := v.(ChatMessage)
	if s.expired(m) {
		return ChatMessage{}, ErrMessageNotFound
	}
	return m, nil
}

// Len returns the number of retained messages, expired ones included until
// they are purged.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *Store) expired(m ChatMessage) bool {
	return s.ttl > 0 && s.now().Sub(m.CreatedAt) >= s.ttl
}

// purgeExpired drops expired entries from the old end. Entries are never
// promoted, so insertion order is the LRU order.
func (s *Store) purgeExpired() {
	if s.ttl <= 0 {
		return
	}
	for {
		_, v, ok := s.lru.GetOldest()
		if !ok || !s.expired(v.(ChatMessage)) {
			return
		}
		s.lru.RemoveOldest()
	}
}
